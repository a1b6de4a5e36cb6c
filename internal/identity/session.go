package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/danmuck/echoctl/internal/provider"
	"github.com/rs/zerolog/log"
)

var (
	ErrLifecycleOrder     = errors.New("identity: invalid lifecycle transition")
	ErrNotActive          = errors.New("identity: session not active")
	ErrStoreNameRequired  = errors.New("identity: key store name required")
	ErrPasswordRequired   = errors.New("identity: password required")
	ErrCommonNameRequired = errors.New("identity: distinguished name common name required")
)

// Phase describes Identity Session lifecycle transitions.
type Phase string

const (
	PhaseBoot    Phase = "boot"
	PhaseUnkeyed Phase = "unkeyed"
	PhaseKeying  Phase = "keying"
	PhaseLocked  Phase = "locked"
	PhaseActive  Phase = "active"
	PhaseClosed  Phase = "closed"
)

// Outcome reports how bring-up ended.
type Outcome string

const (
	// OutcomeProvisioned means a CSR was emitted and enrollment must finish out of band.
	OutcomeProvisioned Outcome = "provisioned"
	OutcomeActive      Outcome = "active"
)

// Config configures the local identity.
type Config struct {
	StoreName       string
	Password        string
	DN              provider.DistinguishedName
	Addresses       []string
	AppCapabilities []string
	// CSRPath receives the CSR and capability list when provisioning; empty skips the file.
	CSRPath string
}

// Status reports the identity phase and key state.
type Status struct {
	StoreName string
	Phase     Phase
	KeyState  provider.KeyState
}

// Session owns the provider handle and drives the identity lifecycle.
type Session struct {
	mu       sync.RWMutex
	p        provider.Provider
	cfg      Config
	phase    Phase
	keyState provider.KeyState
	csr      *provider.CSR
}

// New constructs an Identity Session in boot phase.
func New(p provider.Provider, cfg Config) *Session {
	return &Session{
		p:     p,
		cfg:   cfg,
		phase: PhaseBoot,
	}
}

// Provider returns the owned provider handle for messaging components.
func (s *Session) Provider() provider.Provider {
	return s.p
}

// Bringup runs initialize, then either provisioning or activation.
func (s *Session) Bringup(ctx context.Context) (Outcome, error) {
	state, err := s.Initialize(ctx)
	if err != nil {
		return "", err
	}
	if state == provider.KeyStateUnkeyed {
		if _, err := s.Provision(ctx); err != nil {
			return "", err
		}
		return OutcomeProvisioned, nil
	}
	if err := s.Activate(ctx); err != nil {
		return "", err
	}
	return OutcomeActive, nil
}

// Initialize opens or creates the key store and transitions boot->unkeyed|locked.
func (s *Session) Initialize(ctx context.Context) (provider.KeyState, error) {
	store := strings.TrimSpace(s.cfg.StoreName)
	if store == "" {
		return provider.KeyStateUnkeyed, ErrStoreNameRequired
	}
	if err := s.expect(PhaseBoot, PhaseLocked); err != nil {
		return provider.KeyStateUnkeyed, err
	}

	state, err := s.p.Initialize(ctx, store)
	if err != nil {
		return provider.KeyStateUnkeyed, fmt.Errorf("identity: initialize %q: %w", store, err)
	}

	next := PhaseLocked
	if state == provider.KeyStateUnkeyed {
		next = PhaseUnkeyed
	}
	s.mu.Lock()
	s.phase = next
	s.keyState = state
	s.mu.Unlock()
	log.Info().Str("store", store).Str("key_state", state.String()).Msg("identity.Session.Initialize")
	return state, nil
}

// Provision generates a CSR for an unkeyed store and transitions unkeyed->keying.
func (s *Session) Provision(ctx context.Context) (*provider.CSR, error) {
	if err := s.expect(PhaseUnkeyed, PhaseKeying); err != nil {
		return nil, err
	}
	if s.cfg.Password == "" {
		return nil, ErrPasswordRequired
	}
	if strings.TrimSpace(s.cfg.DN.CommonName) == "" {
		return nil, ErrCommonNameRequired
	}
	// The CSR file must be writable before keys exist, or the store ends up
	// keyed with nothing to enroll.
	if path := strings.TrimSpace(s.cfg.CSRPath); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("identity: csr dir: %w", err)
		}
	}
	s.setPhase(PhaseKeying)

	csr, err := s.p.GenerateCSR(ctx, s.cfg.DN, s.cfg.Password, s.cfg.Addresses)
	if err != nil {
		return nil, fmt.Errorf("identity: generate csr: %w", err)
	}
	caps := append([]string(nil), csr.Capabilities...)
	for _, c := range s.cfg.AppCapabilities {
		if c = strings.TrimSpace(c); c != "" && !contains(caps, c) {
			caps = append(caps, c)
		}
	}
	csr.SetCapabilities(caps)

	s.mu.Lock()
	s.csr = csr
	s.mu.Unlock()

	if path := strings.TrimSpace(s.cfg.CSRPath); path != "" {
		if err := WriteCSRFile(path, csr); err != nil {
			return nil, err
		}
		log.Info().Str("path", path).Msg("identity.Session.Provision csr written")
	}
	log.Warn().
		Str("dn", s.cfg.DN.CommonName).
		Strs("capabilities", caps).
		Msg("identity.Session.Provision keys generated; enroll the CSR and restart")
	return csr, nil
}

// Activate runs unlock -> sync -> subscribe -> contacts and transitions locked->active.
func (s *Session) Activate(ctx context.Context) error {
	if err := s.expect(PhaseLocked, PhaseActive); err != nil {
		return err
	}
	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"unlock", func(ctx context.Context) error { return s.p.Unlock(ctx, s.cfg.Password) }},
		{"sync identity data", s.p.SyncIdentityData},
		{"subscribe", s.p.Subscribe},
		{"synchronize contacts", s.p.SynchronizeContacts},
	}
	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("identity: %s: %w", step.name, err)
		}
		log.Debug().Str("step", step.name).Msg("identity.Session.Activate")
	}

	s.mu.Lock()
	s.phase = PhaseActive
	s.keyState = provider.KeyStateActive
	s.mu.Unlock()
	log.Info().Str("store", s.cfg.StoreName).Msg("identity.Session.Activate ready")
	return nil
}

// ResolveContact looks up a configured peer alias.
func (s *Session) ResolveContact(alias string) (provider.Contact, error) {
	if !s.IsActive() {
		return provider.Contact{}, ErrNotActive
	}
	c, err := s.p.ResolveContact(strings.TrimSpace(alias))
	if err != nil {
		return provider.Contact{}, fmt.Errorf("identity: resolve contact %q: %w", alias, err)
	}
	return c, nil
}

// SyncIdentityData refreshes identity material; valid only while active.
func (s *Session) SyncIdentityData(ctx context.Context) error {
	if !s.IsActive() {
		return ErrNotActive
	}
	return s.p.SyncIdentityData(ctx)
}

// Close transitions any phase to closed.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return
	}
	s.phase = PhaseClosed
	log.Debug().Str("store", s.cfg.StoreName).Msg("identity.Session.Close")
}

// CSR returns the CSR emitted by Provision, if any.
func (s *Session) CSR() (*provider.CSR, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.csr, s.csr != nil
}

func (s *Session) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase == PhaseActive
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		StoreName: s.cfg.StoreName,
		Phase:     s.phase,
		KeyState:  s.keyState,
	}
}

func (s *Session) expect(from, to Phase) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.phase != from {
		return transitionError(s.phase, to)
	}
	return nil
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func transitionError(from, to Phase) error {
	return fmt.Errorf("%w: %s -> %s", ErrLifecycleOrder, from, to)
}

// WriteCSRFile writes the CSR and its JSON capability list for enrollment.
func WriteCSRFile(path string, csr *provider.CSR) error {
	caps, err := json.Marshal(csr.Capabilities)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("identity: csr dir: %w", err)
	}
	body := fmt.Sprintf("CSR: %s\nCAPS: %s\n", strings.TrimSpace(csr.Content), caps)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		return fmt.Errorf("identity: write csr: %w", err)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
