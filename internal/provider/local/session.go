package local

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/echoctl/internal/protocol/session"
	"github.com/danmuck/echoctl/internal/provider"
	"github.com/danmuck/echoctl/internal/relay"
	"github.com/rs/zerolog/log"
)

// Session is one TCP-backed secure session handle.
type Session struct {
	p  *Provider
	id string

	mu        sync.Mutex
	state     provider.SessionState
	peer      provider.Contact
	transport provider.TransportType
	conn      net.Conn
	rd        *bufio.Reader
	pending   []byte
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() provider.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect resolves to's presence address, dials it, and completes the
// hello/hello.ack exchange within timeout.
func (s *Session) Connect(ctx context.Context, to provider.Contact, transport provider.TransportType, timeout time.Duration) error {
	s.mu.Lock()
	if s.state != provider.SessionConstructed {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: connect from %s", provider.ErrSessionState, state)
	}
	s.state = provider.SessionConnecting
	s.mu.Unlock()

	conn, rd, err := s.dial(ctx, to, transport, timeout)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = provider.SessionClosed
		return err
	}
	if s.state != provider.SessionConnecting {
		_ = conn.Close()
		return fmt.Errorf("%w: closed while connecting", provider.ErrSessionState)
	}
	s.conn = conn
	s.rd = rd
	s.peer = to
	s.transport = transport
	s.state = provider.SessionOpen
	return nil
}

func (s *Session) dial(ctx context.Context, to provider.Contact, transport provider.TransportType, timeout time.Duration) (net.Conn, *bufio.Reader, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	presence, err := s.p.relay.Presence(ctx, to.Alias)
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %s has no presence", provider.ErrPresenceRequired, to.Alias)
		}
		return nil, nil, classify("connect", err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", presence.Addr)
	if err != nil {
		return nil, nil, classify("connect", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	rd := bufio.NewReader(conn)
	if err := session.WriteFrame(conn, session.Hello(s.id, s.p.Alias(), to.Alias, transport.String())); err != nil {
		_ = conn.Close()
		return nil, nil, classify("connect", err)
	}
	ack, err := session.ExpectFrame(rd, session.FrameHelloAck)
	if err == nil {
		err = session.AckError(ack)
	}
	if err != nil {
		_ = conn.Close()
		return nil, nil, classify("connect", err)
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, rd, nil
}

// Accept waits for the next inbound session on the presence listener and
// returns it as a new open handle; s itself is left untouched.
func (s *Session) Accept(ctx context.Context) (provider.Session, error) {
	if state := s.State(); state != provider.SessionConstructed {
		return nil, fmt.Errorf("%w: accept from %s", provider.ErrSessionState, state)
	}
	if s.p.PresenceAddr() == "" {
		return nil, provider.ErrPresenceRequired
	}
	var in *inbound
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.p.closed:
		return nil, provider.NewSessionError(provider.KindConnectionReset, "accept", net.ErrClosed)
	case in = <-s.p.inbound:
	}

	transport := provider.TransportLossless
	if in.hello.Transport == provider.TransportLossy.String() {
		transport = provider.TransportLossy
	}

	accepted, err := s.p.ConstructSession()
	if err != nil {
		_ = in.conn.Close()
		return nil, err
	}
	as := accepted.(*Session)
	as.mu.Lock()
	as.conn = in.conn
	as.rd = in.rd
	as.peer = s.p.contactFor(in.hello.From)
	as.transport = transport
	as.state = provider.SessionOpen
	as.mu.Unlock()
	log.Debug().Str("session", as.id).Str("peer", in.hello.From).Msg("local.Session.Accept")
	return as, nil
}

func (s *Session) Peer() (provider.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != provider.SessionOpen {
		return provider.Contact{}, fmt.Errorf("%w: peer on %s session", provider.ErrSessionState, s.state)
	}
	return s.peer, nil
}

func (s *Session) Write(ctx context.Context, payload []byte) error {
	conn, _, err := s.openConn()
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if err := session.WriteFrame(conn, session.Data(payload)); err != nil {
		return classify("write", err)
	}
	return nil
}

// Read returns up to maxBytes of the next data frame. Bytes beyond maxBytes
// are kept for the following Read.
func (s *Session) Read(ctx context.Context, maxBytes int, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	if len(s.pending) > 0 {
		out := take(&s.pending, maxBytes)
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	conn, rd, err := s.openConn()
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	f, err := session.ReadFrame(rd)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, classify("read", err)
	}
	if f.Type == session.FrameClose {
		return nil, provider.NewSessionError(provider.KindConnectionReset, "read", io.EOF)
	}
	if f.Type != session.FrameData {
		return nil, provider.NewSessionError(provider.KindProtocol, "read", fmt.Errorf("unexpected %s frame", f.Type))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = f.Data
	return take(&s.pending, maxBytes), nil
}

// Close sends a close frame when open and shuts the connection. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == provider.SessionClosed {
		return nil
	}
	wasOpen := s.state == provider.SessionOpen
	s.state = provider.SessionClosed
	if s.conn == nil {
		return nil
	}
	if wasOpen {
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = session.WriteFrame(s.conn, session.Close())
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *Session) openConn() (net.Conn, *bufio.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != provider.SessionOpen || s.conn == nil {
		return nil, nil, fmt.Errorf("%w: session %s is %s", provider.ErrSessionState, s.id, s.state)
	}
	return s.conn, s.rd, nil
}

func take(buf *[]byte, max int) []byte {
	b := *buf
	if max <= 0 || max >= len(b) {
		*buf = nil
		return append([]byte(nil), b...)
	}
	out := append([]byte(nil), b[:max]...)
	*buf = b[max:]
	return out
}

// classify maps transport failures onto provider.SessionError kinds.
func classify(op string, err error) error {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout(),
		errors.Is(err, context.DeadlineExceeded):
		return provider.NewSessionError(provider.KindTimeout, op, err)
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return provider.NewSessionError(provider.KindConnectionReset, op, err)
	case errors.Is(err, session.ErrInvalidFrame),
		errors.Is(err, session.ErrFrameTooLarge),
		errors.Is(err, session.ErrRejected):
		return provider.NewSessionError(provider.KindProtocol, op, err)
	default:
		return provider.NewSessionError(provider.KindConnectionReset, op, err)
	}
}

var (
	_ provider.Provider = (*Provider)(nil)
	_ provider.Session  = (*Session)(nil)
)
