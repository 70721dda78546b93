package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/treefetch/treefetch/pkg/attrs"
	"github.com/treefetch/treefetch/pkg/store"
)

// Error is a backing-store failure. Reads degrade to a miss instead; writes
// surface this.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetcher cache %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result is a cache hit: the resolved identity of the input plus the
// materialised tree.
type Result struct {
	InfoAttrs attrs.Attrs
	StorePath store.Path
	Immutable bool
}

// Cache pins input attribute sets to materialised store paths. Immutable
// entries never expire; mutable entries are fresh for the TTL the caller
// supplies at lookup time.
type Cache interface {
	// Add inserts or replaces the entry for inAttrs.
	Add(ctx context.Context, st store.Store, inAttrs, infoAttrs attrs.Attrs, storePath store.Path, immutable bool) error
	// Lookup returns the entry for inAttrs, or nil on a miss. An entry
	// whose store path is no longer valid, or whose age exceeds ttl for a
	// mutable entry, is a miss. Backing-store read errors are logged and
	// reported as a miss.
	Lookup(ctx context.Context, st store.Store, inAttrs attrs.Attrs, ttl time.Duration) (*Result, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS CacheEntries (
    input     TEXT PRIMARY KEY NOT NULL,
    info      TEXT NOT NULL,
    path      TEXT NOT NULL,
    immutable INTEGER NOT NULL,
    timestamp INTEGER NOT NULL
);
`

type sqliteCache struct {
	db *sql.DB
}

var _ Cache = &sqliteCache{}

// Open opens (creating if necessary) the cache database at the given path.
// Concurrent access from multiple processes is safe; inserts are atomic and
// the last writer wins.
func Open(path string) (Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=10000&_journal_mode=WAL")
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &Error{Op: "open", Err: err}
	}
	return &sqliteCache{db: db}, nil
}

// DefaultPath returns the cache database location under the user's home
// directory.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}
	return filepath.Join(home, ".treefetch", "fetcher-cache.sqlite"), nil
}

func (c *sqliteCache) Add(ctx context.Context, st store.Store, inAttrs, infoAttrs attrs.Attrs, storePath store.Path, immutable bool) error {
	inJSON, err := inAttrs.MarshalCanonical()
	if err != nil {
		return &Error{Op: "add", Err: err}
	}
	infoJSON, err := infoAttrs.MarshalCanonical()
	if err != nil {
		return &Error{Op: "add", Err: err}
	}

	immutableInt := 0
	if immutable {
		immutableInt = 1
	}

	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO CacheEntries (input, info, path, immutable, timestamp) VALUES (?, ?, ?, ?, ?)`,
		string(inJSON), string(infoJSON), string(storePath), immutableInt, time.Now().Unix())
	if err != nil {
		return &Error{Op: "add", Err: err}
	}
	return nil
}

func (c *sqliteCache) Lookup(ctx context.Context, st store.Store, inAttrs attrs.Attrs, ttl time.Duration) (*Result, error) {
	inJSON, err := inAttrs.MarshalCanonical()
	if err != nil {
		return nil, &Error{Op: "lookup", Err: err}
	}

	var (
		infoJSON  string
		path      string
		immutable int
		timestamp int64
	)
	err = c.db.QueryRowContext(ctx,
		`SELECT info, path, immutable, timestamp FROM CacheEntries WHERE input = ?`,
		string(inJSON)).Scan(&infoJSON, &path, &immutable, &timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		log.Printf("warning: fetcher cache read for %s failed, treating as miss: %v", inJSON, err)
		return nil, nil
	}

	infoAttrs, err := attrs.Parse([]byte(infoJSON))
	if err != nil {
		log.Printf("warning: corrupt fetcher cache entry for %s, treating as miss: %v", inJSON, err)
		return nil, nil
	}

	if immutable == 0 {
		age := time.Since(time.Unix(timestamp, 0))
		if age > ttl {
			return nil, nil
		}
	}

	storePath := store.Path(path)
	if !st.IsValidPath(storePath) {
		return nil, nil
	}

	return &Result{
		InfoAttrs: infoAttrs,
		StorePath: storePath,
		Immutable: immutable != 0,
	}, nil
}

// Close releases the database handle.
func (c *sqliteCache) Close() error {
	return c.db.Close()
}
