package cache

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/glebarez/go-sqlite"

	"github.com/offline-cache/offline-cache/pkg/snapshot"
)

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache opens (or creates) the cache database in the given file.
// Use "file::memory:?cache=shared" for an in-memory database.
func NewSQLiteCache(filename string) SQLiteCache {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("CREATE TABLE IF NOT EXISTS generations (name TEXT PRIMARY KEY)")
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("CREATE TABLE IF NOT EXISTS entries (gen TEXT, key TEXT, bytes BLOB, PRIMARY KEY (gen, key))")
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		panic(err)
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}
}

func (s SQLiteCache) Open(name string) (Store, error) {
	if !validName(name) {
		return nil, fmt.Errorf("open %q: %w", name, ErrStorageUnavailable)
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO generations (name) VALUES (?)", name)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w: %v", name, ErrStorageUnavailable, err)
	}
	return sqliteStore{db: s.db, writeMutex: s.writeMutex, gen: name}, nil
}

func (s SQLiteCache) Names() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM generations")
	if err != nil {
		return nil, fmt.Errorf("list generations: %w: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteCache) Remove(name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.Exec("DELETE FROM entries WHERE gen = ?", name); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM generations WHERE name = ?", name)
	return err
}

type sqliteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	gen        string
}

func (s sqliteStore) Get(key string) (snapshot.Snapshot, bool, error) {
	var bytes []byte
	err := s.db.QueryRow("SELECT bytes FROM entries WHERE gen = ? AND key = ?", s.gen, key).Scan(&bytes)
	if err == sql.ErrNoRows {
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

func (s sqliteStore) Put(key string, snap snapshot.Snapshot) error {
	bytes, err := snapshot.Encode(snap)
	if err != nil {
		return err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.Exec("INSERT OR REPLACE INTO entries (gen, key, bytes) VALUES (?, ?, ?)", s.gen, key, bytes)
	if err != nil {
		return fmt.Errorf("put %q: %w: %v", key, ErrStorageUnavailable, err)
	}
	return nil
}

func (s sqliteStore) Delete(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM entries WHERE gen = ? AND key = ?", s.gen, key)
	return err
}

func (s sqliteStore) Keys(cb func(string)) {
	rows, err := s.db.Query("SELECT key FROM entries WHERE gen = ?", s.gen)
	if err != nil {
		return
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return
		}
		cb(key)
	}
}
