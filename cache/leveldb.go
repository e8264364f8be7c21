package cache

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/offline-cache/offline-cache/pkg/snapshot"
)

// Key layout:
//
//	g:<name>         marker row, so empty generations still enumerate
//	e:<name>\x00<key> one row per stored snapshot
const (
	genMarkerPrefix = "g:"
	entryPrefix     = "e:"
	genKeySep       = "\x00"
)

type LevelDBCache struct {
	db *leveldb.DB
}

// NewLevelDBCache opens (or creates) a LevelDB-backed cache at the given path.
func NewLevelDBCache(path string) (LevelDBCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return LevelDBCache{}, fmt.Errorf("open leveldb: %w: %v", ErrStorageUnavailable, err)
	}
	return LevelDBCache{db: db}, nil
}

func (l LevelDBCache) Close() error {
	return l.db.Close()
}

func (l LevelDBCache) Open(name string) (Store, error) {
	if !validName(name) {
		return nil, fmt.Errorf("open %q: %w", name, ErrStorageUnavailable)
	}
	if err := l.db.Put([]byte(genMarkerPrefix+name), nil, nil); err != nil {
		return nil, fmt.Errorf("open %q: %w: %v", name, ErrStorageUnavailable, err)
	}
	return levelDBStore{db: l.db, gen: name}, nil
}

func (l LevelDBCache) Names() ([]string, error) {
	names := make([]string, 0)
	iter := l.db.NewIterator(util.BytesPrefix([]byte(genMarkerPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		names = append(names, string(iter.Key()[len(genMarkerPrefix):]))
	}
	if err := iter.Error(); err != nil {
		return names, fmt.Errorf("list generations: %w: %v", ErrStorageUnavailable, err)
	}
	return names, nil
}

func (l LevelDBCache) Remove(name string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(genMarkerPrefix + name))
	iter := l.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+name+genKeySep)), nil)
	for iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		batch.Delete(key)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	return l.db.Write(batch, nil)
}

type levelDBStore struct {
	db  *leveldb.DB
	gen string
}

func (s levelDBStore) entryKey(key string) []byte {
	return []byte(entryPrefix + s.gen + genKeySep + key)
}

func (s levelDBStore) Get(key string) (snapshot.Snapshot, bool, error) {
	bytes, err := s.db.Get(s.entryKey(key), nil)
	if err == leveldb.ErrNotFound {
		return snapshot.Snapshot{}, false, nil
	}
	if err != nil {
		return snapshot.Snapshot{}, false, fmt.Errorf("get %q: %w: %v", key, ErrStorageUnavailable, err)
	}
	snap, err := snapshot.Decode(bytes)
	if err != nil {
		return snapshot.Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s levelDBStore) Put(key string, snap snapshot.Snapshot) error {
	bytes, err := snapshot.Encode(snap)
	if err != nil {
		return err
	}
	if err := s.db.Put(s.entryKey(key), bytes, nil); err != nil {
		return fmt.Errorf("put %q: %w: %v", key, ErrStorageUnavailable, err)
	}
	return nil
}

func (s levelDBStore) Delete(key string) error {
	return s.db.Delete(s.entryKey(key), nil)
}

func (s levelDBStore) Keys(cb func(string)) {
	prefix := entryPrefix + s.gen + genKeySep
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		cb(string(iter.Key()[len(prefix):]))
	}
}
