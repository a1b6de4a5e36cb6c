// Package securesession runs the connection-oriented secure session modes.
//
// Each loop iteration owns exactly one provider.Session and closes and
// releases it before the next iteration starts. The client reconnects with
// bounded exponential backoff; the server classifies session errors and
// keeps accepting after recoverable ones.
package securesession
