// Package store is the durable local key-value store behind offline reporting.
// Records live in named collections (reports, media, cache, tombstones) inside
// a single SQLite database.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] (or an interface it satisfies) and call its methods.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// schemaVersion is written to PRAGMA user_version. Bump it together with a
// migration step in migrate.
const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS collections (
    name TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS records (
    collection TEXT NOT NULL REFERENCES collections (name),
    key        TEXT NOT NULL,
    value      BLOB NOT NULL,
    updated_at TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (collection, key)
);
`

// Collection names a group of records.
type Collection string

const (
	Reports    Collection = "reports"
	Media      Collection = "media"
	Cache      Collection = "cache"
	Tombstones Collection = "tombstones"
)

// DefaultCollections are created by [Store.Init].
var DefaultCollections = []Collection{Reports, Media, Cache, Tombstones}

// Record is anything that can be stored. The key is taken from the record
// itself so callers cannot store a report under a foreign id.
type Record interface {
	RecordKey() string
}

// Options tunes a Store.
type Options struct {
	// Quota caps the database size in bytes. Zero means unknown/unlimited;
	// Stats then reports zero available space.
	Quota int64

	// Logger receives stats-refresh warnings. Defaults to slog.Default().
	Logger *slog.Logger
}

// Store is the SQLite-backed record repository.
type Store struct {
	db    *sql.DB
	quota int64
	log   *slog.Logger
	now   func() time.Time

	mu    sync.RWMutex
	known map[Collection]bool
	stats Stats
}

// Open opens (or creates) the database at path and initialises it. Use
// ":memory:" for a throwaway store.
func Open(path string, opts Options) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, &StorageError{Op: "open", Err: fmt.Errorf("creating data directory: %w", err)}
		}
		dsn = path + "?_journal_mode=WAL&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	// Single writer to avoid SQLITE_BUSY under WAL. This also keeps a
	// ":memory:" database alive on one connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	s := newStore(db, opts)
	if err := s.Init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func newStore(db *sql.DB, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:    db,
		quota: opts.Quota,
		log:   logger,
		now:   time.Now,
		known: make(map[Collection]bool),
	}
}

// Init creates the schema and default collections if absent. It is safe to
// call any number of times and never removes existing records.
func (s *Store) Init(ctx context.Context) error {
	if err := migrate(ctx, s.db); err != nil {
		return &StorageError{Op: "init", Err: err}
	}
	for _, c := range DefaultCollections {
		if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO collections (name) VALUES (?)`, string(c)); err != nil {
			return &StorageError{Op: "init", Collection: c, Err: err}
		}
	}
	if err := s.loadCollections(ctx); err != nil {
		return &StorageError{Op: "init", Err: err}
	}
	s.refreshStats(ctx)
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently and records the version. A
// database written by a newer schema is refused rather than downgraded.
func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, schemaVersion)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	if version < schemaVersion {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
			return fmt.Errorf("writing schema version: %w", err)
		}
	}
	return nil
}

func (s *Store) loadCollections(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM collections`)
	if err != nil {
		return fmt.Errorf("listing collections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	known := make(map[Collection]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scanning collection name: %w", err)
		}
		known[Collection(name)] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.known = known
	s.mu.Unlock()
	return nil
}

func (s *Store) checkCollection(op string, c Collection) error {
	s.mu.RLock()
	ok := s.known[c]
	s.mu.RUnlock()
	if !ok {
		return &StorageError{Op: op, Collection: c, Err: ErrUnknownCollection}
	}
	return nil
}

// Put inserts or replaces rec in collection c, keyed by rec.RecordKey().
func (s *Store) Put(ctx context.Context, c Collection, rec Record) error {
	if err := s.checkCollection("put", c); err != nil {
		return err
	}
	key := rec.RecordKey()
	if key == "" {
		return &StorageError{Op: "put", Collection: c, Err: errors.New("record has an empty key")}
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return &StorageError{Op: "put", Collection: c, Key: key, Err: fmt.Errorf("encoding record: %w", err)}
	}

	if s.quota > 0 && s.LastStats().Usage+int64(len(value)) > s.quota {
		return &StorageError{Op: "put", Collection: c, Key: key, Err: ErrQuotaExceeded}
	}

	const q = `
		INSERT INTO records (collection, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, key) DO UPDATE SET
		    value      = excluded.value,
		    updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, string(c), key, value, s.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return &StorageError{Op: "put", Collection: c, Key: key, Err: classifySQLite(err)}
	}

	s.refreshStats(ctx)
	return nil
}

// Get decodes the record stored under key into dst. It returns false, nil
// when no such record exists.
func (s *Store) Get(ctx context.Context, c Collection, key string, dst any) (bool, error) {
	if err := s.checkCollection("get", c); err != nil {
		return false, err
	}

	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM records WHERE collection = ? AND key = ?`, string(c), key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, &StorageError{Op: "get", Collection: c, Key: key, Err: err}
	}
	if err := json.Unmarshal(value, dst); err != nil {
		return false, &StorageError{Op: "get", Collection: c, Key: key, Err: fmt.Errorf("decoding record: %w", err)}
	}
	return true, nil
}

// GetAll returns the encoded value of every record in c, in no particular
// order. Use [All] for typed access.
func (s *Store) GetAll(ctx context.Context, c Collection) ([]json.RawMessage, error) {
	if err := s.checkCollection("get_all", c); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT value FROM records WHERE collection = ?`, string(c))
	if err != nil {
		return nil, &StorageError{Op: "get_all", Collection: c, Err: err}
	}
	defer func() { _ = rows.Close() }()

	var values []json.RawMessage
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, &StorageError{Op: "get_all", Collection: c, Err: err}
		}
		values = append(values, json.RawMessage(v))
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "get_all", Collection: c, Err: err}
	}
	return values, nil
}

// Delete removes the record under key. Deleting a missing key is a no-op.
func (s *Store) Delete(ctx context.Context, c Collection, key string) error {
	if err := s.checkCollection("delete", c); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND key = ?`, string(c), key,
	); err != nil {
		return &StorageError{Op: "delete", Collection: c, Key: key, Err: err}
	}
	s.refreshStats(ctx)
	return nil
}

// Clear removes every record in c.
func (s *Store) Clear(ctx context.Context, c Collection) error {
	if err := s.checkCollection("clear", c); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ?`, string(c)); err != nil {
		return &StorageError{Op: "clear", Collection: c, Err: err}
	}
	s.refreshStats(ctx)
	return nil
}

// --- helpers -----------------------------------------------------------------

// Lister is satisfied by [*Store] and by test doubles.
type Lister interface {
	GetAll(ctx context.Context, c Collection) ([]json.RawMessage, error)
}

// All decodes every record in c as T.
func All[T any](ctx context.Context, l Lister, c Collection) ([]*T, error) {
	values, err := l.GetAll(ctx, c)
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(values))
	for _, v := range values {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return nil, &StorageError{Op: "get_all", Collection: c, Err: fmt.Errorf("decoding record: %w", err)}
		}
		out = append(out, &item)
	}
	return out, nil
}

// classifySQLite maps disk-full conditions onto ErrQuotaExceeded so callers
// see one error regardless of whether the configured quota or the disk ran out.
func classifySQLite(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrFull {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}
