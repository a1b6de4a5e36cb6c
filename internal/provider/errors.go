package provider

import (
	"errors"
	"fmt"
)

var (
	ErrKeyStoreCorrupt   = errors.New("provider: key store corrupt or inaccessible")
	ErrInvalidCredential = errors.New("provider: invalid credential")
	ErrInvalidState      = errors.New("provider: invalid management state")
	ErrNoSuchContact     = errors.New("provider: no such contact")
	ErrNoMessages        = errors.New("provider: no messages available")
	ErrPresenceRequired  = errors.New("provider: presence required")
	ErrSessionState      = errors.New("provider: invalid session state")
)

// ErrorKind classifies session I/O failures.
type ErrorKind string

const (
	KindTimeout         ErrorKind = "timeout"
	KindConnectionReset ErrorKind = "connection_reset"
	KindProtocol        ErrorKind = "protocol"
)

// SessionError is the typed failure returned by Session I/O.
type SessionError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider: session %s %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("provider: session %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// NewSessionError builds a SessionError for op.
func NewSessionError(kind ErrorKind, op string, err error) error {
	return &SessionError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the session error kind carried by err, if any.
func KindOf(err error) (ErrorKind, bool) {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

// IsRecoverable reports whether a session loop may log err and continue.
func IsRecoverable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case KindTimeout, KindConnectionReset, KindProtocol:
		return true
	default:
		return false
	}
}

// IsFatal reports errors that retrying cannot fix.
func IsFatal(err error) bool {
	return errors.Is(err, ErrKeyStoreCorrupt) ||
		errors.Is(err, ErrInvalidCredential) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrNoSuchContact)
}
