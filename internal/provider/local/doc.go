// Package local is a development provider.Provider.
//
// Keys are ed25519, sealed on disk under scrypt + chacha20poly1305. Identity
// data, contacts, presence, and mail go through the relay HTTP API. Secure
// sessions are TCP connections carrying binary session frames; inbound
// sessions arrive on the presence listener.
package local
