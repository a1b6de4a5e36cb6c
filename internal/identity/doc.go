// Package identity owns the local identity lifecycle.
//
// Ownership boundary:
// - the provider.Provider handle (no other package constructs one)
// - key store initialization and CSR provisioning
// - unlock and the initial synchronous identity sync
// - contact resolution for configured peers
//
// Lifecycle order:
// - boot -> unkeyed -> keying (provisioning only, process exits after CSR)
//
// - boot -> locked -> active -> closed
//
// - active requires unlock, sync, subscribe, and contact sync to all succeed,
// in that order. Messaging never starts before active.
package identity
