package local

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/echoctl/internal/protocol/session"
	"github.com/danmuck/echoctl/internal/provider"
	"github.com/danmuck/echoctl/internal/relay"
	"github.com/mitchellh/go-homedir"
	"github.com/rs/zerolog/log"
)

const (
	helloTimeout   = 10 * time.Second
	inboundBacklog = 16
)

// Config wires the provider to a relay and a presence listener.
type Config struct {
	RelayURL   string
	RelayToken string
	// PresenceAddr is the TCP address inbound sessions are accepted on.
	PresenceAddr string
	Scrypt       ScryptParams
}

func DefaultConfig() Config {
	return Config{
		RelayURL:     "http://127.0.0.1:9400",
		PresenceAddr: "127.0.0.1:0",
		Scrypt:       DefaultScryptParams(),
	}
}

// Provider implements provider.Provider against a relay.
type Provider struct {
	cfg   Config
	relay *relay.Client

	mu       sync.Mutex
	dir      string
	alias    string
	state    provider.KeyState
	priv     ed25519.PrivateKey
	identity relay.Identity
	contacts map[string]provider.Contact

	listener net.Listener
	inbound  chan *inbound
	closed   chan struct{}

	seq      uint64
	sessions map[string]*Session
}

type inbound struct {
	conn  net.Conn
	rd    *bufio.Reader
	hello session.Frame
}

func New(cfg Config) *Provider {
	if cfg.Scrypt.N == 0 {
		cfg.Scrypt = DefaultScryptParams()
	}
	if cfg.PresenceAddr == "" {
		cfg.PresenceAddr = DefaultConfig().PresenceAddr
	}
	return &Provider{
		cfg:      cfg,
		relay:    relay.NewClient(cfg.RelayURL, cfg.RelayToken),
		contacts: make(map[string]provider.Contact),
		inbound:  make(chan *inbound, inboundBacklog),
		closed:   make(chan struct{}),
		sessions: make(map[string]*Session),
	}
}

// Alias returns the identity alias once the key store has been read.
func (p *Provider) Alias() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alias
}

// StoreDir returns the resolved key store directory.
func (p *Provider) StoreDir() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dir
}

func (p *Provider) Initialize(ctx context.Context, storeName string) (provider.KeyState, error) {
	dir, err := homedir.Expand(strings.TrimSpace(storeName))
	if err != nil {
		return provider.KeyStateUnkeyed, fmt.Errorf("%w: %v", provider.ErrKeyStoreCorrupt, err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return provider.KeyStateUnkeyed, fmt.Errorf("%w: %v", provider.ErrKeyStoreCorrupt, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.dir = dir
	kf, err := readKeyFile(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		p.state = provider.KeyStateUnkeyed
	case err != nil:
		return provider.KeyStateUnkeyed, fmt.Errorf("%w: %v", provider.ErrKeyStoreCorrupt, err)
	default:
		p.alias = kf.Alias
		p.state = provider.KeyStateLocked
	}
	log.Debug().Str("dir", dir).Str("state", p.state.String()).Msg("local.Provider.Initialize")
	return p.state, nil
}

func (p *Provider) GenerateCSR(ctx context.Context, dn provider.DistinguishedName, password string, addresses []string) (*provider.CSR, error) {
	alias := strings.TrimSpace(dn.CommonName)
	if alias == "" {
		return nil, fmt.Errorf("%w: common name required", provider.ErrInvalidState)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dir == "" || p.state != provider.KeyStateUnkeyed {
		return nil, fmt.Errorf("%w: generate csr requires an unkeyed store", provider.ErrInvalidState)
	}

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}
	content, err := createCSR(dn, addresses, priv)
	if err != nil {
		return nil, err
	}
	kf, err := sealKey(alias, password, priv, p.cfg.Scrypt)
	if err != nil {
		return nil, err
	}
	// The key is persisted last; any earlier failure leaves the store unkeyed.
	if err := writeKeyFile(p.dir, kf); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrKeyStoreCorrupt, err)
	}
	p.alias = alias
	p.state = provider.KeyStateLocked
	return &provider.CSR{
		Content:      content,
		Capabilities: append([]string(nil), DefaultCapabilities...),
	}, nil
}

func (p *Provider) Unlock(ctx context.Context, password string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case provider.KeyStateActive:
		return nil
	case provider.KeyStateUnkeyed:
		return fmt.Errorf("%w: store has no key", provider.ErrInvalidState)
	}
	kf, err := readKeyFile(p.dir)
	if err != nil {
		return fmt.Errorf("%w: %v", provider.ErrKeyStoreCorrupt, err)
	}
	priv, err := openKey(kf, password)
	if errors.Is(err, errWrongPassword) {
		return provider.ErrInvalidCredential
	}
	if err != nil {
		return fmt.Errorf("%w: %v", provider.ErrKeyStoreCorrupt, err)
	}
	p.priv = priv
	p.alias = kf.Alias
	p.state = provider.KeyStateActive
	return nil
}

// SyncIdentityData fetches this identity's directory entry and checks that
// it was enrolled with the local key.
func (p *Provider) SyncIdentityData(ctx context.Context) error {
	alias, pub, err := p.activeKey()
	if err != nil {
		return err
	}
	id, err := p.relay.Identity(ctx, alias)
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			return fmt.Errorf("%w: %s is not enrolled", provider.ErrInvalidState, alias)
		}
		return err
	}
	if !id.Enrolled() {
		return fmt.Errorf("%w: %s is not enrolled", provider.ErrInvalidState, alias)
	}
	if relay.Fingerprint(id.PublicKey) != relay.Fingerprint(pub) {
		return fmt.Errorf("%w: %s enrolled with a different key", provider.ErrInvalidState, alias)
	}
	p.mu.Lock()
	p.identity = id
	p.mu.Unlock()
	return nil
}

func (p *Provider) Subscribe(ctx context.Context) error {
	alias, _, err := p.activeKey()
	if err != nil {
		return err
	}
	err = p.relay.Subscribe(ctx, alias)
	if errors.Is(err, relay.ErrNotFound) || errors.Is(err, relay.ErrNotEnrolled) {
		return fmt.Errorf("%w: %v", provider.ErrInvalidState, err)
	}
	return err
}

func (p *Provider) SynchronizeContacts(ctx context.Context) error {
	if _, _, err := p.activeKey(); err != nil {
		return err
	}
	list, err := p.relay.Contacts(ctx)
	if err != nil {
		return err
	}
	contacts := make(map[string]provider.Contact, len(list))
	for _, c := range list {
		contacts[c.Alias] = provider.Contact{Alias: c.Alias, Handle: c.Handle}
	}
	p.mu.Lock()
	p.contacts = contacts
	p.mu.Unlock()
	return nil
}

func (p *Provider) ResolveContact(alias string) (provider.Contact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.contacts[alias]
	if !ok {
		return provider.Contact{}, fmt.Errorf("%w: %s", provider.ErrNoSuchContact, alias)
	}
	return c, nil
}

// SendMessage queues payload at the relay. Delivery is store-and-forward so
// Flush has no effect.
func (p *Provider) SendMessage(ctx context.Context, payload []byte, service string, to provider.Contact, opts provider.SendOptions) error {
	alias, _, err := p.activeKey()
	if err != nil {
		return err
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	_, err = p.relay.SendMail(ctx, alias, to.Alias, service, payload, opts.Priority)
	return mapRelayError(err)
}

func (p *Provider) GetMessages(ctx context.Context, service string) ([]provider.Message, error) {
	alias, _, err := p.activeKey()
	if err != nil {
		return nil, err
	}
	mail, err := p.relay.DrainMail(ctx, alias, service)
	if err != nil {
		return nil, mapRelayError(err)
	}
	if len(mail) == 0 {
		return nil, provider.ErrNoMessages
	}
	out := make([]provider.Message, 0, len(mail))
	for _, m := range mail {
		out = append(out, provider.Message{
			Sender:   p.contactFor(m.From),
			Service:  m.Service,
			Payload:  m.Payload,
			Priority: m.Priority,
		})
	}
	return out, nil
}

// EnablePresence opens the inbound session listener and publishes its
// address. Repeated calls republish the same address.
func (p *Provider) EnablePresence(ctx context.Context) error {
	alias, _, err := p.activeKey()
	if err != nil {
		return err
	}
	p.mu.Lock()
	if p.listener == nil {
		ln, err := net.Listen("tcp", p.cfg.PresenceAddr)
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("local: presence listen: %w", err)
		}
		p.listener = ln
		go p.acceptLoop(ln, alias)
	}
	addr := p.listener.Addr().String()
	p.mu.Unlock()

	if err := p.relay.SetPresence(ctx, alias, addr); err != nil {
		return mapRelayError(err)
	}
	log.Info().Str("alias", alias).Str("addr", addr).Msg("local.Provider presence published")
	return nil
}

// PresenceAddr returns the bound presence listener address, if any.
func (p *Provider) PresenceAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

func (p *Provider) ConstructSession() (provider.Session, error) {
	if _, _, err := p.activeKey(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	s := &Session{
		p:     p,
		id:    p.alias + "." + strconv.FormatUint(p.seq, 10),
		state: provider.SessionConstructed,
	}
	p.sessions[s.id] = s
	return s, nil
}

// ReleaseSession closes s if needed and drops it from the handle registry.
func (p *Provider) ReleaseSession(ps provider.Session) error {
	s, ok := ps.(*Session)
	if !ok || s.p != p {
		return fmt.Errorf("%w: foreign session", provider.ErrSessionState)
	}
	p.mu.Lock()
	_, live := p.sessions[s.id]
	delete(p.sessions, s.id)
	p.mu.Unlock()
	if !live {
		return fmt.Errorf("%w: %s already released", provider.ErrSessionState, s.id)
	}
	return s.Close()
}

// OpenSessions counts handles that have been constructed or accepted and not released.
func (p *Provider) OpenSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Close stops the presence listener and closes every registered session.
func (p *Provider) Close() error {
	p.mu.Lock()
	select {
	case <-p.closed:
		p.mu.Unlock()
		return nil
	default:
		close(p.closed)
	}
	ln := p.listener
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (p *Provider) activeKey() (string, ed25519.PublicKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != provider.KeyStateActive {
		return "", nil, fmt.Errorf("%w: identity is %s", provider.ErrInvalidState, p.state)
	}
	return p.alias, p.priv.Public().(ed25519.PublicKey), nil
}

func (p *Provider) contactFor(alias string) provider.Contact {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.contacts[alias]; ok {
		return c
	}
	return provider.Contact{Alias: alias}
}

func (p *Provider) acceptLoop(ln net.Listener, alias string) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-p.closed:
			default:
				log.Warn().Err(err).Msg("local.Provider presence listener stopped")
			}
			return
		}
		go p.handshake(conn, alias)
	}
}

// handshake validates an inbound hello, queues the connection for Accept,
// and acknowledges it.
func (p *Provider) handshake(conn net.Conn, alias string) {
	_ = conn.SetDeadline(time.Now().Add(helloTimeout))
	rd := bufio.NewReader(conn)
	hello, err := session.ExpectFrame(rd, session.FrameHello)
	if err != nil {
		log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("local.Provider bad hello")
		_ = conn.Close()
		return
	}
	if hello.To != alias {
		_ = session.WriteFrame(conn, session.Reject(hello.SessionID, "wrong recipient"))
		_ = conn.Close()
		return
	}
	// Sessions are acknowledged before Accept picks them up, like a listen backlog.
	if err := session.WriteFrame(conn, session.Accept(hello.SessionID)); err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})
	select {
	case p.inbound <- &inbound{conn: conn, rd: rd, hello: hello}:
	case <-p.closed:
		_ = conn.Close()
	default:
		log.Warn().Str("from", hello.From).Msg("local.Provider inbound backlog full")
		_ = conn.Close()
	}
}

// mapRelayError turns relay directory misses into provider sentinels.
func mapRelayError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, relay.ErrNotFound), errors.Is(err, relay.ErrNotEnrolled):
		return fmt.Errorf("%w: %v", provider.ErrNoSuchContact, err)
	case errors.Is(err, relay.ErrUnauthorized):
		return fmt.Errorf("%w: %v", provider.ErrInvalidCredential, err)
	default:
		return err
	}
}
