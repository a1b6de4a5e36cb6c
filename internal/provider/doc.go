// Package provider defines the contract consumed from the Identity Provider.
//
// Ownership boundary:
// - key store state (unkeyed/locked/active) and CSR generation
// - identity data, presence, and contact directory synchronization
// - store-and-forward messages
// - connection-oriented secure sessions
//
// The orchestrator never reaches behind these interfaces. Adapters live in
// subpackages: local (development provider backed by relayctl) and
// providertest (scripted provider for tests).
package provider
