package relay

import (
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/echoctl/internal/config"
)

// Store persists directory, presence, and mail state.
type Store interface {
	PutIdentity(id Identity) error
	GetIdentity(alias string) (Identity, error)
	ListIdentities() ([]Identity, error)
	PutPresence(p Presence) error
	GetPresence(alias string) (Presence, error)
	// PushMail assigns an ID and queues m; limit caps the recipient queue (0 = unbounded).
	PushMail(m Mail, limit int) (Mail, error)
	// DrainMail removes and returns queued mail for to, oldest first; an
	// empty service drains every service.
	DrainMail(to, service string) ([]Mail, error)
	Close() error
}

// OpenStore opens the store named by cfg.Store.
func OpenStore(cfg config.RelayConfig) (Store, error) {
	switch cfg.Store {
	case "", config.StoreMemory:
		return NewMemoryStore(), nil
	case config.StoreBadger:
		return OpenBadgerStore(cfg.DataDir)
	default:
		return nil, fmt.Errorf("relay: unknown store %q", cfg.Store)
	}
}

// SeedContacts registers configured aliases that are not yet in the store.
func SeedContacts(s Store, contacts []config.ContactConfig) error {
	for _, c := range contacts {
		if _, err := s.GetIdentity(c.Alias); err == nil {
			continue
		}
		id := Identity{Alias: c.Alias, Capabilities: normalizeCapabilities(c.Capabilities)}
		if err := s.PutIdentity(id); err != nil {
			return fmt.Errorf("relay: seed contact %q: %w", c.Alias, err)
		}
	}
	return nil
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu         sync.Mutex
	identities map[string]Identity
	presence   map[string]Presence
	mail       map[string][]Mail
	seq        uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities: make(map[string]Identity),
		presence:   make(map[string]Presence),
		mail:       make(map[string][]Mail),
	}
}

func (m *MemoryStore) PutIdentity(id Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[id.Alias] = id
	return nil
}

func (m *MemoryStore) GetIdentity(alias string) (Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.identities[alias]
	if !ok {
		return Identity{}, fmt.Errorf("%w: identity %q", ErrNotFound, alias)
	}
	return id, nil
}

func (m *MemoryStore) ListIdentities() ([]Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Identity, 0, len(m.identities))
	for _, id := range m.identities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out, nil
}

func (m *MemoryStore) PutPresence(p Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.presence[p.Alias] = p
	return nil
}

func (m *MemoryStore) GetPresence(alias string) (Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presence[alias]
	if !ok {
		return Presence{}, fmt.Errorf("%w: presence %q", ErrNotFound, alias)
	}
	return p, nil
}

func (m *MemoryStore) PushMail(msg Mail, limit int) (Mail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > 0 && len(m.mail[msg.To]) >= limit {
		return Mail{}, fmt.Errorf("%w: %s", ErrMailboxFull, msg.To)
	}
	m.seq++
	msg.ID = m.seq
	m.mail[msg.To] = append(m.mail[msg.To], msg)
	return msg, nil
}

func (m *MemoryStore) DrainMail(to, service string) ([]Mail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue := m.mail[to]
	var out, keep []Mail
	for _, msg := range queue {
		if service == "" || msg.Service == service {
			out = append(out, msg)
		} else {
			keep = append(keep, msg)
		}
	}
	if len(keep) == 0 {
		delete(m.mail, to)
	} else {
		m.mail[to] = keep
	}
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
