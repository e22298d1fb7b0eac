// Package store manages the on-device SQLite database: reference entities
// (points, symptoms), user data (favorites, notes, search history), the
// per-collection sync status, and the two durable sync queues.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// ErrNotFound is returned by queue transitions that target a missing entry.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS points (
    id                TEXT    PRIMARY KEY,
    code              TEXT    NOT NULL DEFAULT '',
    name              TEXT    NOT NULL,
    chinese_name      TEXT    NOT NULL DEFAULT '',
    meridian          TEXT    NOT NULL DEFAULT '',
    location          TEXT    NOT NULL DEFAULT '',
    functions         TEXT    NOT NULL DEFAULT '',
    indications       TEXT    NOT NULL DEFAULT '',
    contraindications TEXT    NOT NULL DEFAULT '',
    image_url         TEXT    NOT NULL DEFAULT '',
    coordinates       TEXT    NOT NULL DEFAULT '',
    favorite_count    INTEGER NOT NULL DEFAULT 0,
    updated_at        TEXT    NOT NULL DEFAULT '',
    synced            INTEGER NOT NULL DEFAULT 1,
    last_sync         TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS symptoms (
    id          TEXT    PRIMARY KEY,
    name        TEXT    NOT NULL,
    description TEXT    NOT NULL DEFAULT '',
    category    TEXT    NOT NULL DEFAULT '',
    synonyms    TEXT    NOT NULL DEFAULT '[]',
    use_count   INTEGER NOT NULL DEFAULT 0,
    synced      INTEGER NOT NULL DEFAULT 1,
    last_sync   TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS favorites (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    point_id   TEXT    NOT NULL,
    user_id    TEXT    NOT NULL,
    synced     INTEGER NOT NULL DEFAULT 0,
    operation  TEXT    NOT NULL DEFAULT 'UPSERT',
    created_at TEXT    NOT NULL DEFAULT '',
    updated_at TEXT    NOT NULL DEFAULT '',
    UNIQUE (point_id, user_id)
);

CREATE TABLE IF NOT EXISTS notes (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    remote_id  TEXT    NOT NULL DEFAULT '',
    point_id   TEXT    NOT NULL,
    user_id    TEXT    NOT NULL DEFAULT '',
    content    TEXT    NOT NULL,
    synced     INTEGER NOT NULL DEFAULT 0,
    created_at TEXT    NOT NULL DEFAULT '',
    updated_at TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS search_history (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    query      TEXT    NOT NULL,
    type       TEXT    NOT NULL,
    created_at TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sync_status (
    table_name TEXT PRIMARY KEY,
    last_sync  TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'success'
);

CREATE TABLE IF NOT EXISTS sync_queue (
    id           TEXT    PRIMARY KEY,
    entity_type  TEXT    NOT NULL,
    operation    TEXT    NOT NULL,
    data         TEXT    NOT NULL,
    reference    TEXT    NOT NULL DEFAULT '',
    timestamp    INTEGER NOT NULL,
    retry_count  INTEGER NOT NULL DEFAULT 0,
    last_error   TEXT    NOT NULL DEFAULT '',
    last_attempt INTEGER NOT NULL DEFAULT 0,
    status       TEXT    NOT NULL DEFAULT 'pending',
    created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS image_sync_queue (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    point_id     TEXT    NOT NULL,
    image_uri    TEXT    NOT NULL DEFAULT '',
    payload      TEXT    NOT NULL DEFAULT '',
    status       TEXT    NOT NULL DEFAULT 'pending',
    retry_count  INTEGER NOT NULL DEFAULT 0,
    last_attempt INTEGER NOT NULL DEFAULT 0,
    last_error   TEXT    NOT NULL DEFAULT '',
    created_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_points_meridian     ON points (meridian);
CREATE INDEX IF NOT EXISTS idx_symptoms_category   ON symptoms (category);
CREATE INDEX IF NOT EXISTS idx_favorites_user      ON favorites (user_id);
CREATE INDEX IF NOT EXISTS idx_notes_point         ON notes (point_id);
CREATE INDEX IF NOT EXISTS idx_sync_queue_status   ON sync_queue (status, timestamp);
CREATE INDEX IF NOT EXISTS idx_sync_queue_ref      ON sync_queue (reference);
CREATE INDEX IF NOT EXISTS idx_image_queue_status  ON image_sync_queue (status, created_at);
CREATE INDEX IF NOT EXISTS idx_image_queue_point   ON image_sync_queue (point_id);
`

// DefaultMaxRetries is the failed-attempt count at which a queue entry stops
// being retried automatically.
const DefaultMaxRetries = 5

// Store is the SQLite-backed local repository.
type Store struct {
	db         *sql.DB
	maxRetries int
	now        func() time.Time
}

// Option customises a [Store] at open time.
type Option func(*Store)

// WithMaxRetries overrides [DefaultMaxRetries].
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// DefaultDBPath returns the default path for the local database:
// ~/.local/share/offlinesync/local.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "offlinesync", "local.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	s := &Store{db: db, maxRetries: DefaultMaxRetries, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// MaxRetries returns the failed-attempt limit applied by the queues.
func (s *Store) MaxRetries() int {
	return s.maxRetries
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// withTx runs fn inside a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scan helpers can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// toMillis encodes queue timestamps as epoch milliseconds; zero stays zero.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// requireRow maps a zero-row UPDATE/DELETE to [ErrNotFound].
func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
