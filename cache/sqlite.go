package cache

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, err
	}
	if strings.Contains(filename, ":memory:") || strings.Contains(filename, "mode=memory") {
		// the database lives as long as its connection
		db.SetMaxOpenConns(1)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cache (
		cache_name TEXT NOT NULL,
		key TEXT NOT NULL,
		bytes BLOB,
		PRIMARY KEY (cache_name, key)
	)`)
	if err != nil {
		db.Close()
		return SQLiteCache{}, err
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		db.Close()
		return SQLiteCache{}, err
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Match(ctx context.Context, cacheName, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT bytes FROM cache WHERE cache_name = ? AND key = ?", cacheName, key,
	).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s SQLiteCache) Put(ctx context.Context, cacheName, key string, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO cache (cache_name, key, bytes) VALUES (?, ?, ?)",
		cacheName, key, bytes)
	return err
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}
