// Package state manages the SQLite cache database: the collections known for
// each account, the cached items with their dirty/deleted flags, the change
// tokens used to avoid full re-downloads, and conflicts awaiting a user
// decision.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("record not found")

const schema = `
CREATE TABLE IF NOT EXISTS collections (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id     TEXT    NOT NULL,
    resource_type  TEXT    NOT NULL,
    url            TEXT    NOT NULL,
    display_name   TEXT    NOT NULL DEFAULT '',
    ctag           TEXT    NOT NULL DEFAULT '',
    sync_token     TEXT    NOT NULL DEFAULT '',
    device_id      INTEGER,
    sync_enabled   INTEGER NOT NULL DEFAULT 1,
    visible        INTEGER NOT NULL DEFAULT 1,
    can_write      INTEGER NOT NULL DEFAULT 1,
    can_delete     INTEGER NOT NULL DEFAULT 1,
    last_attempted TEXT    NOT NULL DEFAULT '',
    last_synced    TEXT    NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_collections_url    ON collections (account_id, url);
CREATE UNIQUE INDEX IF NOT EXISTS idx_collections_device ON collections (device_id) WHERE device_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS items (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    collection_id INTEGER NOT NULL REFERENCES collections (id) ON DELETE CASCADE,
    uid           TEXT    NOT NULL,
    href          TEXT    NOT NULL DEFAULT '',
    etag          TEXT    NOT NULL DEFAULT '',
    dirty         INTEGER NOT NULL DEFAULT 0,
    deleted       INTEGER NOT NULL DEFAULT 0,
    device_id     INTEGER,
    local_rev     INTEGER NOT NULL DEFAULT 0,
    modified_at   TEXT    NOT NULL DEFAULT '',
    title         TEXT    NOT NULL DEFAULT '',
    starts_at     TEXT    NOT NULL DEFAULT '',
    ends_at       TEXT    NOT NULL DEFAULT '',
    payload       BLOB
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_items_uid    ON items (collection_id, uid);
CREATE UNIQUE INDEX IF NOT EXISTS idx_items_device ON items (collection_id, device_id) WHERE device_id IS NOT NULL;
CREATE INDEX        IF NOT EXISTS idx_items_href   ON items (collection_id, href);
CREATE INDEX        IF NOT EXISTS idx_items_flags  ON items (collection_id, dirty, deleted);

CREATE TABLE IF NOT EXISTS conflicts (
    item_id            INTEGER PRIMARY KEY REFERENCES items (id) ON DELETE CASCADE,
    remote_etag        TEXT    NOT NULL DEFAULT '',
    remote_payload     BLOB,
    remote_deleted     INTEGER NOT NULL DEFAULT 0,
    remote_modified_at TEXT    NOT NULL DEFAULT '',
    detected_at        TEXT    NOT NULL DEFAULT ''
);
`

// Store is the SQLite-backed cache database.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the cache database under the
// XDG data directory, e.g. ~/.local/share/pimsync/cache.db.
func DefaultDBPath() (string, error) {
	path, err := xdg.DataFile(filepath.Join("pimsync", "cache.db"))
	if err != nil {
		return "", fmt.Errorf("resolving data directory: %w", err)
	}
	return path, nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL. Row-level consistency
	// between concurrent engines relies on this connection being serialised.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
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

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTimePtr(s string) *time.Time {
	t, err := parseTime(s)
	if err != nil || t.IsZero() {
		return nil
	}
	return &t
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
