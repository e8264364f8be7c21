package cache

import (
	"errors"
	"strings"
	"sync"

	"github.com/offline-cache/offline-cache/pkg/snapshot"
)

// ErrStorageUnavailable is returned (wrapped) when the underlying storage
// cannot be opened, read or written.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Provider manages named generations of the response store.
// A generation maps request identities to stored response snapshots.
//
// Implementations must be thread-safe!
type Provider interface {
	// Open returns a handle to the named generation, creating it if absent.
	// Open is idempotent: opening the same name twice returns handles to
	// the same underlying generation.
	Open(name string) (Store, error)
	// Names returns the names of all existing generations.
	Names() ([]string, error)
	// Remove deletes the named generation and everything stored in it.
	Remove(name string) error
}

// Store is a handle to a single generation.
// Put and Get are atomic per key; concurrent writes to the same key are
// last-write-wins.
type Store interface {
	// Get returns the stored snapshot for the given key, if it exists.
	Get(key string) (snapshot.Snapshot, bool, error)
	// Put stores the given snapshot under the given key, replacing any
	// previous snapshot stored under it.
	Put(key string, snap snapshot.Snapshot) error
	// Delete removes the snapshot stored under the given key.
	Delete(key string) error
	// Keys calls the given callback for each key in the generation.
	Keys(cb func(string))
}

type MemCache struct {
	mutex *sync.RWMutex
	gens  map[string]map[string]snapshot.Snapshot
}

// NewMemCache returns an in-memory provider, mainly useful for testing.
func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		gens:  make(map[string]map[string]snapshot.Snapshot),
	}
}

func (m MemCache) Open(name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.gens[name]; !ok {
		m.gens[name] = make(map[string]snapshot.Snapshot)
	}
	return memStore{mutex: m.mutex, db: m.gens[name]}, nil
}

func (m MemCache) Names() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.gens))
	for name := range m.gens {
		names = append(names, name)
	}
	return names, nil
}

func (m MemCache) Remove(name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.gens, name)
	return nil
}

type memStore struct {
	mutex *sync.RWMutex
	db    map[string]snapshot.Snapshot
}

func (s memStore) Get(key string) (snapshot.Snapshot, bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	snap, ok := s.db[key]
	return snap, ok, nil
}

func (s memStore) Put(key string, snap snapshot.Snapshot) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.db[key] = snap
	return nil
}

func (s memStore) Delete(key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.db, key)
	return nil
}

func (s memStore) Keys(cb func(string)) {
	s.mutex.RLock()
	keys := make([]string, 0, len(s.db))
	for key := range s.db {
		keys = append(keys, key)
	}
	s.mutex.RUnlock()
	for _, key := range keys {
		cb(key)
	}
}

// validName rejects generation names that would break the key encoding of
// the persistent providers.
func validName(name string) bool {
	return name != "" && !strings.ContainsRune(name, 0)
}
