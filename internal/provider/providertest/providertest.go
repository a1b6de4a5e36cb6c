// Package providertest provides a scripted in-memory provider.Provider.
//
// Every call is recorded in order; failures are queued per operation with
// FailNext and consumed one per call. Session handles are counted so tests
// can assert that every construct/accept is matched by a release.
package providertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/echoctl/internal/provider"
)

const (
	OpInitialize     = "initialize"
	OpGenerateCSR    = "generate_csr"
	OpUnlock         = "unlock"
	OpSync           = "sync_identity_data"
	OpSubscribe      = "subscribe"
	OpContacts       = "synchronize_contacts"
	OpResolve        = "resolve_contact"
	OpSend           = "send_message"
	OpGetMessages    = "get_messages"
	OpEnablePresence = "enable_presence"
	OpConstruct      = "construct_session"
	OpRelease        = "release_session"
	OpConnect        = "connect"
	OpAccept         = "accept"
	OpWrite          = "write"
	OpRead           = "read"
	OpClose          = "close"
)

// Sent is one recorded SendMessage call.
type Sent struct {
	Payload []byte
	Service string
	To      provider.Contact
	Opts    provider.SendOptions
	At      time.Time
}

// Connect is one recorded Session.Connect call.
type Connect struct {
	SessionID string
	To        provider.Contact
	Transport provider.TransportType
	Timeout   time.Duration
}

// Read is one scripted Session.Read result.
type Read struct {
	Data []byte
	Err  error
}

type acceptScript struct {
	peer  provider.Contact
	reads []Read
}

// Provider is a scripted provider.Provider.
type Provider struct {
	mu sync.Mutex

	state       provider.KeyState
	password    string
	contacts    map[string]provider.Contact
	csrContent  string
	defaultCaps []string

	fail    map[string][]error
	calls   []string
	sent    []Sent
	inbox   [][]provider.Message
	writes  [][]byte
	connect []Connect
	accepts []acceptScript
	dialed  [][]Read

	seq        int
	live       map[string]struct{}
	maxLive    int
	released   []string
	presenceOn bool

	// OnCall runs after each recorded call, outside the provider lock.
	OnCall func(op string)
}

// New returns a provider in the given key state with the given contacts.
func New(state provider.KeyState, password string, contacts ...provider.Contact) *Provider {
	p := &Provider{
		state:       state,
		password:    password,
		contacts:    make(map[string]provider.Contact),
		csrContent:  "-----BEGIN CERTIFICATE REQUEST-----\nfake\n-----END CERTIFICATE REQUEST-----\n",
		defaultCaps: []string{"provider::messaging", "provider::sessions"},
		fail:        make(map[string][]error),
		live:        make(map[string]struct{}),
	}
	for _, c := range contacts {
		p.contacts[c.Alias] = c
	}
	return p
}

// FailNext queues errors for op; a nil entry lets that call succeed.
func (p *Provider) FailNext(op string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[op] = append(p.fail[op], errs...)
}

// QueueMessages queues one GetMessages batch.
func (p *Provider) QueueMessages(msgs ...provider.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inbox = append(p.inbox, msgs)
}

// QueueAccept queues one inbound peer with its scripted reads.
func (p *Provider) QueueAccept(peer provider.Contact, reads ...Read) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accepts = append(p.accepts, acceptScript{peer: peer, reads: reads})
}

// QueueConnectReads scripts the reads of the next session that connects.
func (p *Provider) QueueConnectReads(reads ...Read) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialed = append(p.dialed, reads)
}

// Calls returns the ordered call log.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// CallCount returns how many times op was called.
func (p *Provider) CallCount(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (p *Provider) Sent() []Sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Sent(nil), p.sent...)
}

func (p *Provider) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes...)
}

func (p *Provider) Connects() []Connect {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Connect(nil), p.connect...)
}

// LiveSessions is constructed+accepted handles not yet released.
func (p *Provider) LiveSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// MaxLiveSessions is the high-water mark of LiveSessions.
func (p *Provider) MaxLiveSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxLive
}

func (p *Provider) Released() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.released...)
}

func (p *Provider) PresenceEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.presenceOn
}

// record logs op and pops its next scripted failure.
func (p *Provider) record(op string) error {
	p.mu.Lock()
	p.calls = append(p.calls, op)
	var err error
	if q := p.fail[op]; len(q) > 0 {
		err = q[0]
		p.fail[op] = q[1:]
	}
	hook := p.OnCall
	p.mu.Unlock()
	if hook != nil {
		hook(op)
	}
	return err
}

func (p *Provider) Initialize(ctx context.Context, storeName string) (provider.KeyState, error) {
	if err := p.record(OpInitialize); err != nil {
		return provider.KeyStateUnkeyed, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, nil
}

func (p *Provider) GenerateCSR(ctx context.Context, dn provider.DistinguishedName, password string, addresses []string) (*provider.CSR, error) {
	if err := p.record(OpGenerateCSR); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return &provider.CSR{
		Content:      p.csrContent,
		Capabilities: append([]string(nil), p.defaultCaps...),
	}, nil
}

func (p *Provider) Unlock(ctx context.Context, password string) error {
	if err := p.record(OpUnlock); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == provider.KeyStateUnkeyed {
		return provider.ErrInvalidState
	}
	if password != p.password {
		return provider.ErrInvalidCredential
	}
	p.state = provider.KeyStateActive
	return nil
}

func (p *Provider) SyncIdentityData(ctx context.Context) error {
	return p.record(OpSync)
}

func (p *Provider) Subscribe(ctx context.Context) error {
	return p.record(OpSubscribe)
}

func (p *Provider) SynchronizeContacts(ctx context.Context) error {
	return p.record(OpContacts)
}

func (p *Provider) ResolveContact(alias string) (provider.Contact, error) {
	if err := p.record(OpResolve); err != nil {
		return provider.Contact{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.contacts[alias]
	if !ok {
		return provider.Contact{}, fmt.Errorf("%w: %s", provider.ErrNoSuchContact, alias)
	}
	return c, nil
}

func (p *Provider) SendMessage(ctx context.Context, payload []byte, service string, to provider.Contact, opts provider.SendOptions) error {
	p.mu.Lock()
	p.sent = append(p.sent, Sent{
		Payload: append([]byte(nil), payload...),
		Service: service,
		To:      to,
		Opts:    opts,
		At:      time.Now(),
	})
	p.mu.Unlock()
	return p.record(OpSend)
}

func (p *Provider) GetMessages(ctx context.Context, service string) ([]provider.Message, error) {
	if err := p.record(OpGetMessages); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.inbox) == 0 {
		return nil, provider.ErrNoMessages
	}
	batch := p.inbox[0]
	p.inbox = p.inbox[1:]
	return batch, nil
}

func (p *Provider) EnablePresence(ctx context.Context) error {
	if err := p.record(OpEnablePresence); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presenceOn = true
	return nil
}

func (p *Provider) ConstructSession() (provider.Session, error) {
	if err := p.record(OpConstruct); err != nil {
		return nil, err
	}
	return p.newSession(provider.Contact{}, nil), nil
}

func (p *Provider) ReleaseSession(s provider.Session) error {
	err := p.record(OpRelease)
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, s.ID())
	p.released = append(p.released, s.ID())
	return err
}

func (p *Provider) newSession(peer provider.Contact, reads []Read) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	s := &Session{
		p:     p,
		id:    fmt.Sprintf("sess.%d", p.seq),
		state: provider.SessionConstructed,
		peer:  peer,
		reads: reads,
	}
	p.live[s.id] = struct{}{}
	if len(p.live) > p.maxLive {
		p.maxLive = len(p.live)
	}
	return s
}

// Session is a scripted provider.Session.
type Session struct {
	p     *Provider
	id    string
	mu    sync.Mutex
	state provider.SessionState
	peer  provider.Contact
	reads []Read
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() provider.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state provider.SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) Connect(ctx context.Context, to provider.Contact, transport provider.TransportType, timeout time.Duration) error {
	s.p.mu.Lock()
	s.p.connect = append(s.p.connect, Connect{SessionID: s.id, To: to, Transport: transport, Timeout: timeout})
	s.p.mu.Unlock()
	s.setState(provider.SessionConnecting)
	if err := s.p.record(OpConnect); err != nil {
		s.setState(provider.SessionClosed)
		return err
	}
	s.p.mu.Lock()
	var reads []Read
	if len(s.p.dialed) > 0 {
		reads = s.p.dialed[0]
		s.p.dialed = s.p.dialed[1:]
	}
	s.p.mu.Unlock()
	s.mu.Lock()
	s.peer = to
	s.reads = reads
	s.state = provider.SessionOpen
	s.mu.Unlock()
	return nil
}

// Accept pops a scripted failure, then a queued peer, else blocks on ctx.
func (s *Session) Accept(ctx context.Context) (provider.Session, error) {
	if err := s.p.record(OpAccept); err != nil {
		return nil, err
	}
	s.p.mu.Lock()
	if len(s.p.accepts) == 0 {
		s.p.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	next := s.p.accepts[0]
	s.p.accepts = s.p.accepts[1:]
	s.p.mu.Unlock()

	accepted := s.p.newSession(next.peer, next.reads)
	accepted.setState(provider.SessionOpen)
	return accepted, nil
}

func (s *Session) Peer() (provider.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != provider.SessionOpen {
		return provider.Contact{}, provider.ErrSessionState
	}
	return s.peer, nil
}

func (s *Session) Write(ctx context.Context, payload []byte) error {
	if s.State() != provider.SessionOpen {
		return provider.ErrSessionState
	}
	if err := s.p.record(OpWrite); err != nil {
		return err
	}
	s.p.mu.Lock()
	s.p.writes = append(s.p.writes, append([]byte(nil), payload...))
	s.p.mu.Unlock()
	return nil
}

func (s *Session) Read(ctx context.Context, maxBytes int, timeout time.Duration) ([]byte, error) {
	if s.State() != provider.SessionOpen {
		return nil, provider.ErrSessionState
	}
	if err := s.p.record(OpRead); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reads) == 0 {
		return nil, provider.NewSessionError(provider.KindTimeout, "read", context.DeadlineExceeded)
	}
	next := s.reads[0]
	s.reads = s.reads[1:]
	if next.Err != nil {
		return nil, next.Err
	}
	data := next.Data
	if maxBytes > 0 && len(data) > maxBytes {
		data = data[:maxBytes]
	}
	return append([]byte(nil), data...), nil
}

func (s *Session) Close() error {
	err := s.p.record(OpClose)
	s.setState(provider.SessionClosed)
	return err
}

var (
	_ provider.Provider = (*Provider)(nil)
	_ provider.Session  = (*Session)(nil)
)
