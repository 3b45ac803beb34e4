// Package metadata stores the time each cache entry was written.
//
// The blob cache has no notion of expiry, so freshness is tracked here,
// in a separate sqlite database keyed by the same cache key.
// The two stores are only correlated by key; a record may be missing
// for an entry that exists (and the other way around).
package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// SchemaVersion is the schema version stores open at by default.
const SchemaVersion = 1

var (
	// ErrClosed is returned when using a store after Close.
	ErrClosed = errors.New("metadata store closed")
	// ErrVersionDowngrade is returned when opening a database at a lower
	// version than it is already at.
	ErrVersionDowngrade = errors.New("metadata version downgrade")
)

// Record is the metadata kept for a single cache entry.
type Record struct {
	CacheKey string
	// Unix time in milliseconds when the cache entry was written.
	Timestamp int64
}

// Store is a handle to a named metadata database.
// It is safe for concurrent use.
type Store struct {
	name     string
	version  int
	dir      string
	inMemory bool
	reg      *registry
	log      zerolog.Logger

	mu     sync.Mutex
	conn   *conn
	closed bool
}

// Option configures a Store.
type Option func(*Store)

// Dir sets the directory the database file is created in.
func Dir(dir string) Option {
	return func(s *Store) { s.dir = dir }
}

// InMemory keeps the database in memory.
// The data lives as long as some store with the same name holds it open.
func InMemory() Option {
	return func(s *Store) { s.inMemory = true }
}

// Version sets the schema version to open the database at.
// Opening at a higher version than a live handle makes that handle close.
func Version(v int) Option {
	return func(s *Store) { s.version = v }
}

// Logger sets the logger. Logging is disabled by default.
func Logger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

func withRegistry(r *registry) Option {
	return func(s *Store) { s.reg = r }
}

// Open returns a store for the named database.
// Nothing is opened until the store is first used.
func Open(name string, opts ...Option) *Store {
	s := &Store{
		name:    name,
		version: SchemaVersion,
		reg:     defaultRegistry,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the database name.
func (s *Store) Name() string {
	return s.name
}

// SaveMetadata inserts the record, replacing any record with the same cache key.
func (s *Store) SaveMetadata(ctx context.Context, rec Record) error {
	return s.transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO metadata (cache_key, timestamp) VALUES (?, ?)
			ON CONFLICT(cache_key) DO UPDATE SET timestamp = excluded.timestamp`,
			rec.CacheKey, rec.Timestamp)
		return err
	})
}

// GetMetadata returns the record for the cache key.
// The boolean is false if there is no record; an error means the lookup itself failed.
func (s *Store) GetMetadata(ctx context.Context, cacheKey string) (Record, bool, error) {
	rec := Record{CacheKey: cacheKey}
	found := false
	err := s.transaction(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, "SELECT timestamp FROM metadata WHERE cache_key = ?", cacheKey).Scan(&rec.Timestamp)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Close releases the store's reference to the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.conn == nil {
		return nil
	}
	c := s.conn
	s.conn = nil
	return s.reg.release(c)
}

// transaction runs fn in a transaction on a live handle.
// If the handle was closed by a version change in the meantime, it reconnects once.
func (s *Store) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	for attempt := 0; attempt < 2; attempt++ {
		c, err := s.connect(ctx)
		if err != nil {
			return err
		}
		c.mu.RLock()
		if c.closed {
			c.mu.RUnlock()
			s.drop(c)
			continue
		}
		err = runTx(ctx, c.db, fn)
		c.mu.RUnlock()
		if err != nil {
			return fmt.Errorf("metadata %s: %w", s.name, err)
		}
		return nil
	}
	return ErrClosed
}

func runTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// connect lazily acquires the shared handle.
func (s *Store) connect(ctx context.Context) (*conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.conn != nil {
		return s.conn, nil
	}
	c, err := s.reg.acquire(ctx, s.name, s.version, s.dsn(), s.log)
	if err != nil {
		return nil, err
	}
	s.conn = c
	return c, nil
}

// drop forgets a handle that was closed under us.
// Only the first caller to see it releases the store's reference.
func (s *Store) drop(c *conn) {
	s.mu.Lock()
	if s.conn != c {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.mu.Unlock()
	s.reg.release(c)
}

func (s *Store) dsn() string {
	if s.inMemory {
		return "file:" + url.PathEscape(s.name) + "?mode=memory&cache=shared"
	}
	path := filepath.Join(s.dir, s.name+".db")
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}
