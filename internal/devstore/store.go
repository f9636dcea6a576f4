// Package devstore is the device-native store: the SQLite database that
// user-facing applications read and write directly. Rows carry a dirty and a
// deleted bit. Writes made through the app-facing methods set the bits and
// publish an [Event]; writes made through the sync-adapter methods clear them
// and publish nothing, so the engine never re-detects its own writes.
//
// Applications in other processes may write the database file directly as
// long as they set dirty (or deleted) on every row they touch. A [Watcher]
// turns those file writes into events.
package devstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adrg/xdg"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/pimsync/internal/model"
)

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("device record not found")
	// ErrLocallyModified is reported for a sync-adapter write that would
	// overwrite a row the user edited since the last collection pass.
	ErrLocallyModified = errors.New("row modified on device")
)

const schema = `
CREATE TABLE IF NOT EXISTS collections (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id TEXT    NOT NULL,
    resource   TEXT    NOT NULL,
    name       TEXT    NOT NULL DEFAULT '',
    visible    INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS entries (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    collection_id INTEGER NOT NULL REFERENCES collections (id) ON DELETE CASCADE,
    uid           TEXT    NOT NULL DEFAULT '',
    title         TEXT    NOT NULL DEFAULT '',
    starts_at     TEXT    NOT NULL DEFAULT '',
    ends_at       TEXT    NOT NULL DEFAULT '',
    payload       BLOB,
    dirty         INTEGER NOT NULL DEFAULT 0,
    deleted       INTEGER NOT NULL DEFAULT 0,
    modified_at   TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_entries_changed ON entries (collection_id, dirty, deleted);
`

// Collection is a device-native calendar, address book or task list.
type Collection struct {
	ID        int64
	AccountID string
	Resource  model.ResourceType
	Name      string
	Visible   bool
}

// Row is one device-native event, contact or task.
type Row struct {
	ID           int64
	CollectionID int64
	UID          string
	Title        string
	StartsAt     *time.Time
	EndsAt       *time.Time
	Payload      []byte
	Dirty        bool
	Deleted      bool
	ModifiedAt   time.Time

	// modifiedRaw is modified_at as stored, for compare-and-clear.
	modifiedRaw string
}

// Event announces an app-facing write. CollectionID and RowID are zero when
// the write was observed on the database file and its target is unknown.
type Event struct {
	CollectionID int64
	RowID        int64
	At           time.Time
}

// RowError is the failure of one row inside a batch.
type RowError struct {
	Index int
	Err   error
}

// Store is the SQLite-backed device-native store.
type Store struct {
	db   *sql.DB
	path string

	mu   sync.Mutex
	subs []chan<- Event
}

// DefaultDBPath returns the default device store location under the XDG
// data directory.
func DefaultDBPath() (string, error) {
	path, err := xdg.DataFile(filepath.Join("pimsync", "device.db"))
	if err != nil {
		return "", fmt.Errorf("resolving data directory: %w", err)
	}
	return path, nil
}

// Open opens (or creates) the device store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating device store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening device store %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying device store schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path is the database file the store was opened on.
func (s *Store) Path() string { return s.path }

// Subscribe registers ch for app-facing write events. Sends never block; an
// event is dropped for a subscriber whose channel is full.
func (s *Store) Subscribe(ch chan<- Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, ch)
}

func (s *Store) publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// ---------------------------------------------------------------------------
// Collections
// ---------------------------------------------------------------------------

// CreateCollection inserts a collection and sets c.ID.
func (s *Store) CreateCollection(ctx context.Context, c *Collection) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (account_id, resource, name, visible) VALUES (?, ?, ?, ?)`,
		c.AccountID, c.Resource.String(), c.Name, boolInt(c.Visible))
	if err != nil {
		return fmt.Errorf("creating device collection %q: %w", c.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading device collection id: %w", err)
	}
	c.ID = id
	return nil
}

// GetCollection returns a collection or [ErrNotFound].
func (s *Store) GetCollection(ctx context.Context, id int64) (*Collection, error) {
	var (
		c        Collection
		resource string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, resource, name, visible FROM collections WHERE id = ?`, id).
		Scan(&c.ID, &c.AccountID, &resource, &c.Name, &c.Visible)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading device collection %d: %w", id, err)
	}
	c.Resource, _ = model.ParseResourceType(resource)
	return &c, nil
}

// UpdateCollection renames a collection and updates its visibility.
func (s *Store) UpdateCollection(ctx context.Context, c *Collection) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE collections SET name = ?, visible = ? WHERE id = ?`, c.Name, boolInt(c.Visible), c.ID)
	if err != nil {
		return fmt.Errorf("updating device collection %d: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCollection removes a collection with all its rows.
func (s *Store) DeleteCollection(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting device collection %d: %w", id, err)
	}
	return nil
}

// ListCollections returns every device collection.
func (s *Store) ListCollections(ctx context.Context) ([]*Collection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, account_id, resource, name, visible FROM collections ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing device collections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Collection
	for rows.Next() {
		var (
			c        Collection
			resource string
		)
		if err := rows.Scan(&c.ID, &c.AccountID, &resource, &c.Name, &c.Visible); err != nil {
			return nil, fmt.Errorf("scanning device collection: %w", err)
		}
		c.Resource, _ = model.ParseResourceType(resource)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

const rowColumns = `id, collection_id, uid, title, starts_at, ends_at, payload, dirty, deleted, modified_at`

// GetRow returns a row, tombstoned or not, or [ErrNotFound].
func (s *Store) GetRow(ctx context.Context, id int64) (*Row, error) {
	return scanRow(s.db.QueryRowContext(ctx, `SELECT `+rowColumns+` FROM entries WHERE id = ?`, id))
}

// ListRows returns the visible rows of a collection.
func (s *Store) ListRows(ctx context.Context, collectionID int64) ([]*Row, error) {
	return s.queryRows(ctx,
		`SELECT `+rowColumns+` FROM entries WHERE collection_id = ? AND deleted = 0 ORDER BY id`, collectionID)
}

// ChangedRows returns rows flagged dirty or deleted since the last
// reconciliation.
func (s *Store) ChangedRows(ctx context.Context, collectionID int64) ([]*Row, error) {
	return s.queryRows(ctx,
		`SELECT `+rowColumns+` FROM entries WHERE collection_id = ? AND (dirty = 1 OR deleted = 1) ORDER BY id`,
		collectionID)
}

// DirtyCollections returns the IDs of collections with at least one dirty or
// deleted row.
func (s *Store) DirtyCollections(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT collection_id FROM entries WHERE dirty = 1 OR deleted = 1 ORDER BY collection_id`)
	if err != nil {
		return nil, fmt.Errorf("querying dirty device collections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning collection id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) queryRows(ctx context.Context, q string, args ...any) ([]*Row, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying device rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (*Row, error) {
	var (
		r                            Row
		startsAt, endsAt, modifiedAt string
	)
	err := s.Scan(&r.ID, &r.CollectionID, &r.UID, &r.Title, &startsAt, &endsAt, &r.Payload, &r.Dirty, &r.Deleted, &modifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning device row: %w", err)
	}
	r.modifiedRaw = modifiedAt
	r.StartsAt = parseTimePtr(startsAt)
	r.EndsAt = parseTimePtr(endsAt)
	if t := parseTimePtr(modifiedAt); t != nil {
		r.ModifiedAt = *t
	}
	return &r, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
