// Package session holds the secure-session wire format and timing helpers.
//
// Control and data messages (hello, hello.ack, data, close) travel as
// binary frames from package frame whose payload is a TLV field list from
// package tlv. Config carries the pacing and timeout knobs for the session
// client and server loops; Backoff spaces out reconnect attempts.
package session
