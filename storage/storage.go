// Package storage provides the concrete key/value backends the core package
// depends on only through its narrow Storage interface (core.Storage): an
// in-memory map for tests and small deployments, and a bbolt-backed store
// for a persistent node.
package storage

import (
	"sync"

	bolt "go.etcd.io/bbolt"
	"github.com/sirupsen/logrus"
)

// MemStore is a sync.RWMutex-guarded in-memory map, grounded on the
// teacher's memState (core/virtual_machine.go): a plain map plus a single
// mutex, no sharding, good enough for tests and ephemeral nodes.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func (m *MemStore) Get(key []byte) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *MemStore) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[string(key)] = v
	return nil
}

func (m *MemStore) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *MemStore) DeletePrefix(prefix []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := string(prefix)
	for k := range m.data {
		if len(k) >= len(p) && k[:len(p)] == p {
			delete(m.data, k)
		}
	}
	return nil
}

func (m *MemStore) GetOrSet(key, def []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.data[string(key)]; ok {
		out := make([]byte, len(v))
		copy(out, v)
		return out, nil
	}
	v := make([]byte, len(def))
	copy(v, def)
	m.data[string(key)] = v
	return v, nil
}

var bucketName = []byte("teral")

// BoltStore is a go.etcd.io/bbolt-backed implementation of core.Storage,
// grounded on the teacher's ledger bootstrap idiom (core/ledger.go's
// NewLedger): open-or-create the backing file, log loudly once, and treat
// a failure to open as fatal to the caller rather than something to paper
// over.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if necessary) a bbolt database at path and
// ensures the single bucket Teral keeps all of its keys in exists.
func OpenBoltStore(path string) (*BoltStore, error) {
	logrus.WithField("path", path).Info("storage: opening bbolt store")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Close() error { return b.db.Close() }

func (b *BoltStore) Get(key []byte) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, out != nil, err
}

func (b *BoltStore) Set(key, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(key, value)
	})
}

func (b *BoltStore) Delete(key []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key)
	})
}

// DeletePrefix deletes every key beginning with prefix via a cursor range
// scan, as §4.5's "batch write if the backend supports one" suggests for
// keeping the deletes within a single bbolt transaction.
func (b *BoltStore) DeletePrefix(prefix []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetOrSet performs the read-then-maybe-write inside a single bbolt Update
// transaction so the check-and-set is atomic with respect to other writers.
func (b *BoltStore) GetOrSet(key, def []byte) ([]byte, error) {
	var out []byte
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		if v := bucket.Get(key); v != nil {
			out = append([]byte(nil), v...)
			return nil
		}
		out = append([]byte(nil), def...)
		return bucket.Put(key, def)
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
