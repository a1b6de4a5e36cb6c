// Package relay is the development directory and store-and-forward service
// behind the local identity provider.
//
// It enrolls identities from CSRs, serves identity records and the contact
// list, tracks presence addresses for session rendezvous, and queues mail
// per recipient until it is drained. State lives in a Store (memory or
// badger).
package relay
