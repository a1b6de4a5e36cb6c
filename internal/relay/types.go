package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("relay: not found")
	ErrConflict     = errors.New("relay: conflict")
	ErrMailboxFull  = errors.New("relay: mailbox full")
	ErrBadRequest   = errors.New("relay: bad request")
	ErrNotEnrolled  = errors.New("relay: identity not enrolled")
	ErrUnauthorized = errors.New("relay: unauthorized")
)

// Identity is one directory entry. Entries seeded from config carry no key
// until their owner enrolls.
type Identity struct {
	Alias        string    `json:"alias"`
	PublicKey    []byte    `json:"public_key,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	EnrolledAt   time.Time `json:"enrolled_at,omitempty"`
	SubscribedAt time.Time `json:"subscribed_at,omitempty"`
	Revision     uint64    `json:"revision"`
}

func (i Identity) Enrolled() bool {
	return len(i.PublicKey) > 0
}

// Handle is the key fingerprint peers use to address this identity.
func (i Identity) Handle() string {
	return Fingerprint(i.PublicKey)
}

// Fingerprint returns the first 8 bytes of sha256(pub) as hex.
func Fingerprint(pub []byte) string {
	if len(pub) == 0 {
		return ""
	}
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:8])
}

// Contact is the public view of an enrolled identity.
type Contact struct {
	Alias        string   `json:"alias"`
	Handle       string   `json:"handle"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (i Identity) Contact() Contact {
	return Contact{
		Alias:        i.Alias,
		Handle:       i.Handle(),
		Capabilities: append([]string(nil), i.Capabilities...),
	}
}

// Presence is where an alias currently accepts sessions.
type Presence struct {
	Alias     string    `json:"alias"`
	Addr      string    `json:"addr"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Mail is one queued store-and-forward message.
type Mail struct {
	ID       uint64    `json:"id"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Service  string    `json:"service"`
	Payload  []byte    `json:"payload"`
	Priority int       `json:"priority"`
	SentAt   time.Time `json:"sent_at"`
}

// EnrollRequest carries a PEM CSR and the capability list that accompanies it.
type EnrollRequest struct {
	CSR          string   `json:"csr"`
	Capabilities []string `json:"capabilities"`
}

type presenceRequest struct {
	Addr string `json:"addr"`
}

type mailRequest struct {
	From     string `json:"from"`
	Service  string `json:"service"`
	Payload  []byte `json:"payload"`
	Priority int    `json:"priority"`
}
