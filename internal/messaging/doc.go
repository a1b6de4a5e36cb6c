// Package messaging runs the store-and-forward message channel modes.
//
// Client sends a fixed payload list to one contact in order, forever.
// Server polls the provider inbox for a service and logs (and optionally
// echoes) what arrives.
package messaging
