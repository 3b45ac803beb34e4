package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rs/zerolog"
)

// registry holds the open database handles of the process, one per database name.
// Handles are reference counted and shared by all stores opened at the same version.
type registry struct {
	mu    sync.Mutex
	conns map[string]*conn
}

var defaultRegistry = newRegistry()

func newRegistry() *registry {
	return &registry{conns: make(map[string]*conn)}
}

// conn is a shared database handle.
// Transactions hold mu for reading; a version change takes it for writing,
// so the handle is only closed once in-flight transactions are done.
type conn struct {
	name    string
	version int
	db      *sql.DB
	refs    int
	mu      sync.RWMutex
	closed  bool
}

// versionChange closes the handle on behalf of a newer version being opened.
func (c *conn) versionChange() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}

// acquire returns a handle for the named database at the given version,
// creating or upgrading the schema as needed.
func (r *registry) acquire(ctx context.Context, name string, version int, dsn string, log zerolog.Logger) (*conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.conns[name]
	if old != nil {
		switch {
		case old.version == version:
			old.refs++
			return old, nil
		case old.version > version:
			return nil, fmt.Errorf("%w: %s is open at version %d, requested %d", ErrVersionDowngrade, name, old.version, version)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open metadata db %s: %w", name, err)
	}
	// sqlite serialises writers anyway, and a single connection avoids
	// shared-cache lock errors for in-memory databases
	db.SetMaxOpenConns(1)
	// keep a connection around so that the database (in particular an in-memory one)
	// stays alive while the old handle is released
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to metadata db %s: %w", name, err)
	}

	if old != nil {
		log.Debug().Str("db", name).Int("from", old.version).Int("to", version).Msg("Closing metadata db for version change")
		if err := old.versionChange(); err != nil {
			log.Warn().Err(err).Str("db", name).Msg("Could not close previous metadata db handle")
		}
		delete(r.conns, name)
	}

	if err := upgrade(ctx, db, version); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not upgrade metadata db %s: %w", name, err)
	}

	c := &conn{name: name, version: version, db: db, refs: 1}
	r.conns[name] = c
	log.Trace().Str("db", name).Int("version", version).Msg("Opened metadata db")
	return c, nil
}

// release drops one reference to the handle, closing it when no references remain.
func (r *registry) release(c *conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.refs--
	if c.refs > 0 {
		return nil
	}
	if r.conns[c.name] == c {
		delete(r.conns, c.name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}

// upgrade establishes the schema and records the version.
// It only ever adds to the schema, so reopening at the same or a newer version keeps all records.
func upgrade(ctx context.Context, db *sql.DB, version int) error {
	var current int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current > version {
		return fmt.Errorf("%w: schema is at version %d, requested %d", ErrVersionDowngrade, current, version)
	}
	if current == version {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS metadata (
		cache_key TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL
	)`); err != nil {
		return err
	}
	// PRAGMA does not take bind parameters
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return err
	}
	return tx.Commit()
}
