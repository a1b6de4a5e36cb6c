package relay

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/echoctl/internal/config"
	"github.com/danmuck/echoctl/internal/testutil/testlog"
)

func storeCases(t *testing.T) map[string]Store {
	t.Helper()
	mem := NewMemoryStore()
	bdg, err := OpenInMemoryBadgerStore()
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = bdg.Close() })
	return map[string]Store{"memory": mem, "badger": bdg}
}

func TestStoreIdentityAndPresence(t *testing.T) {
	testlog.Start(t)
	for name, s := range storeCases(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.GetIdentity("bob"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			for _, alias := range []string{"carol", "alice", "bob"} {
				if err := s.PutIdentity(Identity{Alias: alias, Revision: 1}); err != nil {
					t.Fatalf("put %s: %v", alias, err)
				}
			}
			ids, err := s.ListIdentities()
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(ids) != 3 || ids[0].Alias != "alice" || ids[2].Alias != "carol" {
				t.Fatalf("unexpected order: %+v", ids)
			}

			if _, err := s.GetPresence("bob"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected missing presence, got %v", err)
			}
			at := time.Unix(1700000000, 0).UTC()
			if err := s.PutPresence(Presence{Alias: "bob", Addr: "127.0.0.1:9500", UpdatedAt: at}); err != nil {
				t.Fatalf("put presence: %v", err)
			}
			p, err := s.GetPresence("bob")
			if err != nil || p.Addr != "127.0.0.1:9500" || !p.UpdatedAt.Equal(at) {
				t.Fatalf("unexpected presence %+v err=%v", p, err)
			}
		})
	}
}

func TestStoreMailQueueOrderFilterAndLimit(t *testing.T) {
	testlog.Start(t)
	for name, s := range storeCases(t) {
		t.Run(name, func(t *testing.T) {
			push := func(service, text string) Mail {
				t.Helper()
				m, err := s.PushMail(Mail{From: "alice", To: "bob", Service: service, Payload: []byte(text)}, 3)
				if err != nil {
					t.Fatalf("push %s: %v", text, err)
				}
				return m
			}
			first := push("echo", "hi")
			push("other", "x")
			third := push("echo", "bye")
			if first.ID == 0 || third.ID <= first.ID {
				t.Fatalf("ids not increasing: %d %d", first.ID, third.ID)
			}
			if _, err := s.PushMail(Mail{From: "alice", To: "bob", Service: "echo"}, 3); !errors.Is(err, ErrMailboxFull) {
				t.Fatalf("expected ErrMailboxFull, got %v", err)
			}
			if _, err := s.PushMail(Mail{From: "alice", To: "bo", Service: "echo"}, 3); err != nil {
				t.Fatalf("other mailbox must not share the limit: %v", err)
			}

			got, err := s.DrainMail("bob", "echo")
			if err != nil {
				t.Fatalf("drain: %v", err)
			}
			if len(got) != 2 || string(got[0].Payload) != "hi" || string(got[1].Payload) != "bye" {
				t.Fatalf("unexpected drain: %+v", got)
			}
			again, _ := s.DrainMail("bob", "echo")
			if len(again) != 0 {
				t.Fatalf("drain must remove mail, got %+v", again)
			}
			rest, _ := s.DrainMail("bob", "")
			if len(rest) != 1 || rest[0].Service != "other" {
				t.Fatalf("unexpected remaining mail: %+v", rest)
			}
		})
	}
}

func TestStoreMailLimitHoldsUnderConcurrentPush(t *testing.T) {
	testlog.Start(t)
	const limit, pushers = 5, 40
	for name, s := range storeCases(t) {
		t.Run(name, func(t *testing.T) {
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				accepted int
			)
			for i := 0; i < pushers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.PushMail(Mail{From: "alice", To: "carol", Service: "echo"}, limit)
					if err != nil && !errors.Is(err, ErrMailboxFull) {
						t.Errorf("push: %v", err)
						return
					}
					if err == nil {
						mu.Lock()
						accepted++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if accepted != limit {
				t.Fatalf("expected %d accepted pushes, got %d", limit, accepted)
			}
			got, err := s.DrainMail("carol", "")
			if err != nil {
				t.Fatalf("drain: %v", err)
			}
			if len(got) != limit {
				t.Fatalf("mailbox holds %d, limit %d", len(got), limit)
			}
		})
	}
}

func TestBadgerStorePersistsAcrossReopen(t *testing.T) {
	testlog.Start(t)
	dir := filepath.Join(t.TempDir(), "relay")
	s, err := OpenBadgerStore(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.PutIdentity(Identity{Alias: "bob", PublicKey: []byte{1, 2, 3}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.PushMail(Mail{From: "alice", To: "bob", Service: "echo", Payload: []byte("hi")}, 0); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = OpenBadgerStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	id, err := s.GetIdentity("bob")
	if err != nil || !id.Enrolled() {
		t.Fatalf("identity lost: %+v err=%v", id, err)
	}
	mail, err := s.DrainMail("bob", "echo")
	if err != nil || len(mail) != 1 {
		t.Fatalf("mail lost: %+v err=%v", mail, err)
	}
}

func TestSeedContactsKeepsExisting(t *testing.T) {
	testlog.Start(t)
	s := NewMemoryStore()
	_ = s.PutIdentity(Identity{Alias: "bob", PublicKey: []byte{9}, Revision: 4})
	err := SeedContacts(s, []config.ContactConfig{
		{Alias: "bob", Capabilities: []string{"x"}},
		{Alias: "alice", Capabilities: []string{"a", "a", " "}},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	bob, _ := s.GetIdentity("bob")
	if bob.Revision != 4 {
		t.Fatalf("seed overwrote existing entry: %+v", bob)
	}
	alice, _ := s.GetIdentity("alice")
	if alice.Enrolled() || len(alice.Capabilities) != 1 {
		t.Fatalf("unexpected seeded entry: %+v", alice)
	}
}
