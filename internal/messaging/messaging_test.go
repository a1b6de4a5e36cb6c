package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/echoctl/internal/provider"
	"github.com/danmuck/echoctl/internal/provider/providertest"
	"github.com/danmuck/echoctl/internal/testutil/testlog"
)

var bob = provider.Contact{Alias: "bob", Handle: "h.bob"}

type waits struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (w *waits) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.delays = append(w.delays, d)
	w.mu.Unlock()
	return ctx.Err()
}

func clientConfig(payloads ...string) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.Payloads = payloads
	return cfg
}

func TestClientSendsPayloadsInOrderEveryCycle(t *testing.T) {
	testlog.Start(t)
	p := providertest.New(provider.KeyStateActive, "pw", bob)
	cfg := clientConfig("p1", "p2", "p3")
	cfg.MaxCycles = 3
	c := NewClient(p, bob, cfg)
	w := &waits{}
	c.SetWaitFunc(w.wait)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	sent := p.Sent()
	if len(sent) != 9 {
		t.Fatalf("expected 9 sends, got %d", len(sent))
	}
	for i, s := range sent {
		want := cfg.Payloads[i%3]
		if string(s.Payload) != want {
			t.Fatalf("send[%d]=%q want %q", i, s.Payload, want)
		}
		if s.To != bob || s.Service != DefaultService {
			t.Fatalf("send[%d] unexpected target: %+v", i, s)
		}
		if s.Opts.Priority != 30 || s.Opts.Timeout != 2*time.Second || s.Opts.Flush {
			t.Fatalf("send[%d] unexpected opts: %+v", i, s.Opts)
		}
	}
	if len(w.delays) != 9 {
		t.Fatalf("expected one pacing wait per send, got %d", len(w.delays))
	}
	for i, d := range w.delays {
		if d != 500*time.Millisecond {
			t.Fatalf("wait[%d]=%v", i, d)
		}
	}
}

func TestClientContinuePolicySkipsFailedPayload(t *testing.T) {
	testlog.Start(t)
	p := providertest.New(provider.KeyStateActive, "pw", bob)
	p.FailNext(providertest.OpSend, nil, errors.New("relay timeout"))
	cfg := clientConfig("a", "b", "c")
	cfg.MaxCycles = 1
	c := NewClient(p, bob, cfg)
	c.SetWaitFunc((&waits{}).wait)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := p.CallCount(providertest.OpSend); got != 3 {
		t.Fatalf("expected all payloads attempted, got %d", got)
	}
}

func TestClientAbortPolicyReturnsError(t *testing.T) {
	testlog.Start(t)
	p := providertest.New(provider.KeyStateActive, "pw", bob)
	boom := errors.New("relay timeout")
	p.FailNext(providertest.OpSend, nil, boom)
	cfg := clientConfig("a", "b", "c")
	cfg.Policy = PolicyAbort
	c := NewClient(p, bob, cfg)
	c.SetWaitFunc((&waits{}).wait)

	if err := c.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected abort error, got %v", err)
	}
	if got := p.CallCount(providertest.OpSend); got != 2 {
		t.Fatalf("expected stop after second send, got %d", got)
	}
}

func TestClientFatalErrorPropagatesUnderContinue(t *testing.T) {
	testlog.Start(t)
	p := providertest.New(provider.KeyStateActive, "pw", bob)
	p.FailNext(providertest.OpSend, provider.ErrInvalidState)
	c := NewClient(p, bob, clientConfig("a"))
	c.SetWaitFunc((&waits{}).wait)
	if err := c.Run(context.Background()); !errors.Is(err, provider.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestClientStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	p := providertest.New(provider.KeyStateActive, "pw", bob)
	ctx, cancel := context.WithCancel(context.Background())
	p.OnCall = func(op string) {
		if op == providertest.OpSend && p.CallCount(providertest.OpSend) == 5 {
			cancel()
		}
	}
	c := NewClient(p, bob, clientConfig("hi", "bye"))
	c.SetWaitFunc(func(ctx context.Context, d time.Duration) error { return ctx.Err() })

	if err := c.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := p.CallCount(providertest.OpSend); got != 5 {
		t.Fatalf("unexpected sends after cancel: %d", got)
	}
}

func TestClientRequiresPayloads(t *testing.T) {
	testlog.Start(t)
	c := NewClient(providertest.New(provider.KeyStateActive, "pw"), bob, DefaultClientConfig())
	if err := c.Run(context.Background()); !errors.Is(err, ErrNoPayloads) {
		t.Fatalf("expected ErrNoPayloads, got %v", err)
	}
}

func TestParseFailurePolicy(t *testing.T) {
	testlog.Start(t)
	if p, err := ParseFailurePolicy(""); err != nil || p != PolicyContinue {
		t.Fatalf("empty policy got=%q err=%v", p, err)
	}
	if p, err := ParseFailurePolicy(" ABORT "); err != nil || p != PolicyAbort {
		t.Fatalf("abort policy got=%q err=%v", p, err)
	}
	if _, err := ParseFailurePolicy("retry"); !errors.Is(err, ErrUnknownPolicy) {
		t.Fatalf("expected ErrUnknownPolicy, got %v", err)
	}
}

func TestServerPollFailuresAreSoft(t *testing.T) {
	testlog.Start(t)
	p := providertest.New(provider.KeyStateActive, "pw")
	p.FailNext(providertest.OpGetMessages, errors.New("relay unreachable"))
	p.QueueMessages(provider.Message{Sender: bob, Service: DefaultService, Payload: []byte("hi")})
	cfg := DefaultServerConfig()
	cfg.MaxPolls = 4
	s := NewServer(p, cfg)
	w := &waits{}
	s.SetWaitFunc(w.wait)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := p.CallCount(providertest.OpGetMessages); got != 4 {
		t.Fatalf("expected 4 polls, got %d", got)
	}
	if s.Received() != 1 {
		t.Fatalf("expected one received message, got %d", s.Received())
	}
	if s.EmptyPolls() != 2 {
		t.Fatalf("expected 2 empty polls, got %d", s.EmptyPolls())
	}
	for _, d := range w.delays {
		if d != time.Second {
			t.Fatalf("unexpected poll interval: %v", d)
		}
	}
	if got := p.CallCount(providertest.OpSend); got != 0 {
		t.Fatalf("server without echo must not send, got %d", got)
	}
}

func TestServerEchoesToSender(t *testing.T) {
	testlog.Start(t)
	p := providertest.New(provider.KeyStateActive, "pw")
	p.QueueMessages(
		provider.Message{Sender: bob, Service: DefaultService, Payload: []byte("hi")},
		provider.Message{Sender: bob, Service: DefaultService, Payload: []byte("bye")},
	)
	p.FailNext(providertest.OpSend, errors.New("echo dropped"))
	cfg := DefaultServerConfig()
	cfg.Echo = true
	s := NewServer(p, cfg)

	if n := s.PollOnce(context.Background()); n != 2 {
		t.Fatalf("expected 2 messages, got %d", n)
	}
	sent := p.Sent()
	if len(sent) != 2 || string(sent[1].Payload) != "bye" || sent[1].To != bob {
		t.Fatalf("unexpected echoes: %+v", sent)
	}
	if sent[0].Opts.Priority != DefaultPriority {
		t.Fatalf("unexpected echo opts: %+v", sent[0].Opts)
	}
}
