package provider

import (
	"context"
	"fmt"
	"time"
)

// KeyState reports how far the local key store has been provisioned.
type KeyState int

const (
	KeyStateUnkeyed KeyState = iota
	KeyStateLocked
	KeyStateActive
)

func (k KeyState) String() string {
	switch k {
	case KeyStateUnkeyed:
		return "unkeyed"
	case KeyStateLocked:
		return "locked"
	case KeyStateActive:
		return "active"
	default:
		return fmt.Sprintf("keystate(%d)", int(k))
	}
}

// TransportType selects session delivery semantics.
type TransportType int

const (
	TransportLossless TransportType = iota
	TransportLossy
)

func (t TransportType) String() string {
	if t == TransportLossy {
		return "lossy"
	}
	return "lossless"
}

// SessionState tracks one secure session handle.
type SessionState string

const (
	SessionConstructed SessionState = "constructed"
	SessionConnecting  SessionState = "connecting"
	SessionOpen        SessionState = "open"
	SessionClosed      SessionState = "closed"
)

// DistinguishedName is the subject used when generating a CSR.
type DistinguishedName struct {
	CommonName         string
	Organization       string
	OrganizationalUnit string
}

// CSR is a certificate signing request plus the capability list that
// accompanies it during out-of-band enrollment.
type CSR struct {
	Content      string
	Capabilities []string
}

// SetCapabilities replaces the capability list carried with the CSR.
func (c *CSR) SetCapabilities(caps []string) {
	c.Capabilities = append([]string(nil), caps...)
}

// Contact is a resolved peer reference.
type Contact struct {
	Alias  string
	Handle string
}

// Message is one store-and-forward delivery.
type Message struct {
	Sender   Contact
	Service  string
	Payload  []byte
	Priority int
}

// SendOptions carries per-message delivery parameters.
type SendOptions struct {
	Priority int
	Timeout  time.Duration
	Flush    bool
}

// Provider is the Identity Provider surface used by the orchestrator.
type Provider interface {
	Initialize(ctx context.Context, storeName string) (KeyState, error)
	GenerateCSR(ctx context.Context, dn DistinguishedName, password string, addresses []string) (*CSR, error)
	Unlock(ctx context.Context, password string) error
	SyncIdentityData(ctx context.Context) error
	Subscribe(ctx context.Context) error
	SynchronizeContacts(ctx context.Context) error
	ResolveContact(alias string) (Contact, error)

	SendMessage(ctx context.Context, payload []byte, service string, to Contact, opts SendOptions) error
	GetMessages(ctx context.Context, service string) ([]Message, error)

	EnablePresence(ctx context.Context) error
	ConstructSession() (Session, error)
	ReleaseSession(s Session) error
}

// Session is a connection-oriented secure channel handle.
//
// Accept is called on a constructed session and returns a distinct session
// for the accepted peer; the constructed handle stays owned by the caller.
type Session interface {
	ID() string
	State() SessionState
	Connect(ctx context.Context, to Contact, transport TransportType, timeout time.Duration) error
	Accept(ctx context.Context) (Session, error)
	Peer() (Contact, error)
	Write(ctx context.Context, payload []byte) error
	Read(ctx context.Context, maxBytes int, timeout time.Duration) ([]byte, error)
	Close() error
}
