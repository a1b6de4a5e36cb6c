package relay

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v3"
	"github.com/mitchellh/go-homedir"
	"github.com/rs/zerolog/log"
)

var (
	identityPrefix = []byte("id/")
	presencePrefix = []byte("presence/")
	mailPrefix     = []byte("mail/")
	mailSeqKey     = []byte("seq/mail")
)

// BadgerStore persists relay state in a badger key-value store.
//
// Mail keys are mail/<to>/<big-endian id> so a prefix scan yields one
// recipient's queue in arrival order.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence

	// pushMu serializes PushMail; badger does not flag a conflict when two
	// transactions insert distinct keys under the same counted prefix.
	pushMu sync.Mutex
}

// OpenBadgerStore opens (or creates) a store under dir; "~" is expanded.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	path, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("relay: expand data dir: %w", err)
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("relay: data dir: %w", err)
	}
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{})
	return openBadger(opts)
}

// OpenInMemoryBadgerStore opens a badger store with no files on disk.
func OpenInMemoryBadgerStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(badgerLogger{})
	return openBadger(opts)
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("relay: open badger: %w", err)
	}
	seq, err := db.GetSequence(mailSeqKey, 64)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("relay: mail sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

func (b *BadgerStore) PutIdentity(id Identity) error {
	return b.putJSON(key(identityPrefix, id.Alias), id)
}

func (b *BadgerStore) GetIdentity(alias string) (Identity, error) {
	var id Identity
	if err := b.getJSON(key(identityPrefix, alias), &id); err != nil {
		return Identity{}, fmt.Errorf("identity %q: %w", alias, err)
	}
	return id, nil
}

func (b *BadgerStore) ListIdentities() ([]Identity, error) {
	var out []Identity
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = identityPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var id Identity
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &id)
			}); err != nil {
				return err
			}
			out = append(out, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("relay: list identities: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out, nil
}

func (b *BadgerStore) PutPresence(p Presence) error {
	return b.putJSON(key(presencePrefix, p.Alias), p)
}

func (b *BadgerStore) GetPresence(alias string) (Presence, error) {
	var p Presence
	if err := b.getJSON(key(presencePrefix, alias), &p); err != nil {
		return Presence{}, fmt.Errorf("presence %q: %w", alias, err)
	}
	return p, nil
}

func (b *BadgerStore) PushMail(m Mail, limit int) (Mail, error) {
	b.pushMu.Lock()
	defer b.pushMu.Unlock()

	id, err := b.seq.Next()
	if err != nil {
		return Mail{}, fmt.Errorf("relay: mail sequence: %w", err)
	}
	// Sequence starts at 0; keep IDs 1-based like the memory store.
	m.ID = id + 1
	raw, err := json.Marshal(m)
	if err != nil {
		return Mail{}, err
	}
	prefix := mailboxPrefix(m.To)
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], m.ID)

	err = b.db.Update(func(txn *badger.Txn) error {
		if limit > 0 && countPrefix(txn, prefix) >= limit {
			return fmt.Errorf("%w: %s", ErrMailboxFull, m.To)
		}
		return txn.Set(k, raw)
	})
	if errors.Is(err, ErrMailboxFull) {
		return Mail{}, err
	}
	if err != nil {
		return Mail{}, fmt.Errorf("relay: push mail %q: %w", m.To, err)
	}
	return m, nil
}

func (b *BadgerStore) DrainMail(to, service string) ([]Mail, error) {
	var out []Mail
	err := b.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = mailboxPrefix(to)
		it := txn.NewIterator(opts)
		var drained [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var m Mail
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				it.Close()
				return err
			}
			if service != "" && m.Service != service {
				continue
			}
			out = append(out, m)
			drained = append(drained, item.KeyCopy(nil))
		}
		it.Close()
		for _, k := range drained {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("relay: drain mail %q: %w", to, err)
	}
	return out, nil
}

func (b *BadgerStore) Close() error {
	if err := b.seq.Release(); err != nil {
		log.Warn().Err(err).Msg("relay.BadgerStore release sequence")
	}
	return b.db.Close()
}

func (b *BadgerStore) putJSON(k []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, raw)
	}); err != nil {
		return fmt.Errorf("relay: put %s: %w", k, err)
	}
	return nil
}

func (b *BadgerStore) getJSON(k []byte, out any) error {
	return b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
}

func countPrefix(txn *badger.Txn, prefix []byte) int {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	n := 0
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n
}

func key(prefix []byte, name string) []byte {
	return append(append([]byte(nil), prefix...), name...)
}

func mailboxPrefix(to string) []byte {
	return append(key(mailPrefix, to), '/')
}

// badgerLogger routes badger's internal logging through zerolog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("badger: "+format, args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	log.Warn().Msgf("badger: "+format, args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("badger: "+format, args...)
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	log.Trace().Msgf("badger: "+format, args...)
}

var _ Store = (*BadgerStore)(nil)
