package local

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/echoctl/internal/config"
	"github.com/danmuck/echoctl/internal/provider"
	"github.com/danmuck/echoctl/internal/relay"
	"github.com/danmuck/echoctl/internal/testutil/testlog"
)

const relayToken = "relay-token"

func startRelay(t *testing.T) string {
	t.Helper()
	cfg := config.DefaultRelayConfig()
	cfg.Token = relayToken
	srv := relay.NewServer(cfg, relay.NewMemoryStore())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func newProvider(relayURL string) *Provider {
	return New(Config{
		RelayURL:     relayURL,
		RelayToken:   relayToken,
		PresenceAddr: "127.0.0.1:0",
		Scrypt:       fastScrypt,
	})
}

// activeProvider provisions alias, enrolls it, and brings a fresh provider
// over the same store to Active.
func activeProvider(t *testing.T, relayURL, alias string) *Provider {
	t.Helper()
	ctx := context.Background()
	store := filepath.Join(t.TempDir(), alias)

	first := newProvider(relayURL)
	state, err := first.Initialize(ctx, store)
	if err != nil || state != provider.KeyStateUnkeyed {
		t.Fatalf("initialize %s got=%s err=%v", alias, state, err)
	}
	csr, err := first.GenerateCSR(ctx, provider.DistinguishedName{CommonName: alias}, "pw", []string{"127.0.0.1", "localhost"})
	if err != nil {
		t.Fatalf("generate csr: %v", err)
	}
	if _, err := relay.NewClient(relayURL, relayToken).Enroll(ctx, relay.EnrollRequest{
		CSR:          csr.Content,
		Capabilities: csr.Capabilities,
	}); err != nil {
		t.Fatalf("enroll %s: %v", alias, err)
	}

	p := newProvider(relayURL)
	t.Cleanup(func() { _ = p.Close() })
	state, err = p.Initialize(ctx, store)
	if err != nil || state != provider.KeyStateLocked {
		t.Fatalf("reinitialize %s got=%s err=%v", alias, state, err)
	}
	if err := p.Unlock(ctx, "pw"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := p.SyncIdentityData(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := p.Subscribe(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return p
}

func TestLifecycleStatesAndCredentials(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	url := startRelay(t)
	store := filepath.Join(t.TempDir(), "alice")

	p := newProvider(url)
	if err := p.Unlock(ctx, "pw"); !errors.Is(err, provider.ErrInvalidState) {
		t.Fatalf("unlock before initialize must fail with ErrInvalidState, got %v", err)
	}
	if _, err := p.Initialize(ctx, store); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := p.Unlock(ctx, "pw"); !errors.Is(err, provider.ErrInvalidState) {
		t.Fatalf("unlock unkeyed must fail with ErrInvalidState, got %v", err)
	}
	csr, err := p.GenerateCSR(ctx, provider.DistinguishedName{CommonName: "alice", Organization: "danmuck"}, "pw", nil)
	if err != nil {
		t.Fatalf("generate csr: %v", err)
	}
	if len(csr.Capabilities) != len(DefaultCapabilities) {
		t.Fatalf("unexpected capabilities: %+v", csr.Capabilities)
	}
	if _, err := p.GenerateCSR(ctx, provider.DistinguishedName{CommonName: "alice"}, "pw", nil); !errors.Is(err, provider.ErrInvalidState) {
		t.Fatalf("second csr must fail, got %v", err)
	}

	q := newProvider(url)
	if state, _ := q.Initialize(ctx, store); state != provider.KeyStateLocked {
		t.Fatalf("expected locked, got %s", state)
	}
	if err := q.Unlock(ctx, "nope"); !errors.Is(err, provider.ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
	if err := q.Unlock(ctx, "pw"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := q.SyncIdentityData(ctx); !errors.Is(err, provider.ErrInvalidState) {
		t.Fatalf("sync before enrollment must be ErrInvalidState, got %v", err)
	}
}

func TestInitializeCorruptStore(t *testing.T) {
	testlog.Start(t)
	store := t.TempDir()
	if err := os.WriteFile(filepath.Join(store, keyFileName), []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := newProvider("http://127.0.0.1:1").Initialize(context.Background(), store)
	if !errors.Is(err, provider.ErrKeyStoreCorrupt) {
		t.Fatalf("expected ErrKeyStoreCorrupt, got %v", err)
	}
}

func TestGenerateCSRFailureLeavesStoreUnkeyed(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	store := t.TempDir()
	p := newProvider("http://127.0.0.1:1")
	if state, err := p.Initialize(ctx, store); err != nil || state != provider.KeyStateUnkeyed {
		t.Fatalf("initialize got=%s err=%v", state, err)
	}

	// A non-empty directory at the key path makes the final rename fail.
	blocker := filepath.Join(store, keyFileName)
	if err := os.MkdirAll(filepath.Join(blocker, "occupied"), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	dn := provider.DistinguishedName{CommonName: "alice"}
	if _, err := p.GenerateCSR(ctx, dn, "pw", nil); !errors.Is(err, provider.ErrKeyStoreCorrupt) {
		t.Fatalf("expected ErrKeyStoreCorrupt, got %v", err)
	}
	if p.state != provider.KeyStateUnkeyed || p.alias != "" {
		t.Fatalf("failed generate must leave the store unkeyed, got state=%s alias=%q", p.state, p.alias)
	}
	if _, err := os.Stat(blocker + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp key file left behind: %v", err)
	}

	if err := os.RemoveAll(blocker); err != nil {
		t.Fatalf("remove blocker: %v", err)
	}
	csr, err := p.GenerateCSR(ctx, dn, "pw", nil)
	if err != nil {
		t.Fatalf("retry generate csr: %v", err)
	}
	if csr.Content == "" || p.state != provider.KeyStateLocked {
		t.Fatalf("retry should key the store, got state=%s", p.state)
	}
}

func TestMessagingThroughRelay(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	url := startRelay(t)
	alice := activeProvider(t, url, "alice")
	bob := activeProvider(t, url, "bob")
	for _, p := range []*Provider{alice, bob} {
		if err := p.SynchronizeContacts(ctx); err != nil {
			t.Fatalf("contacts: %v", err)
		}
	}

	to, err := alice.ResolveContact("bob")
	if err != nil || to.Handle == "" {
		t.Fatalf("resolve bob got=%+v err=%v", to, err)
	}
	if _, err := alice.ResolveContact("mallory"); !errors.Is(err, provider.ErrNoSuchContact) {
		t.Fatalf("expected ErrNoSuchContact, got %v", err)
	}

	if _, err := bob.GetMessages(ctx, "echo"); !errors.Is(err, provider.ErrNoMessages) {
		t.Fatalf("expected ErrNoMessages, got %v", err)
	}
	opts := provider.SendOptions{Priority: 30, Timeout: 2 * time.Second}
	for _, text := range []string{"hi", "bye"} {
		if err := alice.SendMessage(ctx, []byte(text), "echo", to, opts); err != nil {
			t.Fatalf("send %s: %v", text, err)
		}
	}
	msgs, err := bob.GetMessages(ctx, "echo")
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 2 || string(msgs[0].Payload) != "hi" || msgs[1].Sender.Alias != "alice" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if msgs[0].Sender.Handle == "" {
		t.Fatalf("sender should resolve to a contact handle: %+v", msgs[0].Sender)
	}
	ghost := provider.Contact{Alias: "ghost"}
	if err := alice.SendMessage(ctx, []byte("x"), "echo", ghost, opts); !errors.Is(err, provider.ErrNoSuchContact) {
		t.Fatalf("expected ErrNoSuchContact for unknown recipient, got %v", err)
	}
}

func TestSessionConnectAcceptExchange(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	url := startRelay(t)
	alice := activeProvider(t, url, "alice")
	bob := activeProvider(t, url, "bob")
	for _, p := range []*Provider{alice, bob} {
		if err := p.SynchronizeContacts(ctx); err != nil {
			t.Fatalf("contacts: %v", err)
		}
		if err := p.EnablePresence(ctx); err != nil {
			t.Fatalf("presence: %v", err)
		}
	}

	type result struct {
		data []byte
		peer provider.Contact
		err  error
	}
	done := make(chan result, 1)
	go func() {
		listener, err := bob.ConstructSession()
		if err != nil {
			done <- result{err: err}
			return
		}
		accepted, err := listener.Accept(ctx)
		_ = bob.ReleaseSession(listener)
		if err != nil {
			done <- result{err: err}
			return
		}
		defer bob.ReleaseSession(accepted)
		peer, err := accepted.Peer()
		if err != nil {
			done <- result{err: err}
			return
		}
		first, err := accepted.Read(ctx, 3, 5*time.Second)
		if err != nil {
			done <- result{err: err}
			return
		}
		rest, err := accepted.Read(ctx, 1024, 5*time.Second)
		if err == nil {
			err = accepted.Write(ctx, append(first, rest...))
		}
		done <- result{data: append(first, rest...), peer: peer, err: err}
	}()

	to, _ := alice.ResolveContact("bob")
	s, err := alice.ConstructSession()
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	if err := s.Connect(ctx, to, provider.TransportLossy, 5*time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if s.State() != provider.SessionOpen {
		t.Fatalf("unexpected state: %s", s.State())
	}
	if err := s.Write(ctx, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		t.Fatalf("server side timed out")
	}
	if res.err != nil {
		t.Fatalf("server side: %v", res.err)
	}
	if string(res.data) != "hello" || res.peer.Alias != "alice" {
		t.Fatalf("unexpected server result: data=%q peer=%+v", res.data, res.peer)
	}
	echo, err := s.Read(ctx, 1024, 5*time.Second)
	if err != nil || string(echo) != "hello" {
		t.Fatalf("echo got=%q err=%v", echo, err)
	}

	if err := alice.ReleaseSession(s); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := alice.ReleaseSession(s); !errors.Is(err, provider.ErrSessionState) {
		t.Fatalf("double release must fail, got %v", err)
	}
	if alice.OpenSessions() != 0 || bob.OpenSessions() != 0 {
		t.Fatalf("handles leaked: alice=%d bob=%d", alice.OpenSessions(), bob.OpenSessions())
	}
}

func TestSessionReadTimeoutAndPresence(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	url := startRelay(t)
	alice := activeProvider(t, url, "alice")
	bob := activeProvider(t, url, "bob")
	_ = alice.SynchronizeContacts(ctx)
	to, _ := alice.ResolveContact("bob")

	s, _ := alice.ConstructSession()
	err := s.Connect(ctx, to, provider.TransportLossy, time.Second)
	if !errors.Is(err, provider.ErrPresenceRequired) {
		t.Fatalf("expected ErrPresenceRequired before bob publishes, got %v", err)
	}
	if s.State() != provider.SessionClosed {
		t.Fatalf("failed connect should close the handle, got %s", s.State())
	}
	_ = alice.ReleaseSession(s)

	listener, _ := bob.ConstructSession()
	if _, err := listener.Accept(ctx); !errors.Is(err, provider.ErrPresenceRequired) {
		t.Fatalf("accept without presence must fail, got %v", err)
	}
	_ = bob.ReleaseSession(listener)
	if err := bob.EnablePresence(ctx); err != nil {
		t.Fatalf("presence: %v", err)
	}

	s, _ = alice.ConstructSession()
	defer alice.ReleaseSession(s)
	if err := s.Connect(ctx, to, provider.TransportLossless, 2*time.Second); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, err = s.Read(ctx, 1024, 50*time.Millisecond)
	if kind, ok := provider.KindOf(err); !ok || kind != provider.KindTimeout {
		t.Fatalf("expected timeout session error, got %v", err)
	}
	if !provider.IsRecoverable(err) {
		t.Fatalf("timeout must be recoverable")
	}
}
