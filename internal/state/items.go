package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/njoerd114/pimsync/internal/model"
)

// Item is one cached event, contact or task.
type Item struct {
	ID           int64
	CollectionID int64
	UID          string

	// Href and ETag are empty until the item has been uploaded or pulled.
	Href string
	ETag string

	// Dirty marks a local edit not yet confirmed by the server. Deleted marks
	// a local tombstone; tombstoned items are hidden from ListItems and
	// GetItemByUID but kept until the server confirms the deletion.
	Dirty   bool
	Deleted bool

	DeviceID *int64

	// LocalRev increments on every local edit. A push only clears Dirty when
	// the revision it uploaded is still current.
	LocalRev int64

	ModifiedAt time.Time
	Title      string
	StartsAt   *time.Time
	EndsAt     *time.Time
	Payload    []byte

	// Conflicted is true when a remote version awaits user resolution.
	// Read-only; derived from the conflicts table.
	Conflicted bool
}

// Stats summarises the cached state of one collection.
type Stats struct {
	Items     int
	Dirty     int
	Deleted   int
	Conflicts int
}

const itemSelect = `
	SELECT i.id, i.collection_id, i.uid, i.href, i.etag, i.dirty, i.deleted, i.device_id,
	       i.local_rev, i.modified_at, i.title, i.starts_at, i.ends_at, i.payload,
	       c.item_id IS NOT NULL
	FROM items i
	LEFT JOIN conflicts c ON c.item_id = i.id`

// ListItems returns the visible (non-tombstoned) items of a collection.
func (s *Store) ListItems(ctx context.Context, collectionID int64) ([]*Item, error) {
	return s.queryItems(ctx, itemSelect+` WHERE i.collection_id = ? AND i.deleted = 0 ORDER BY i.id`, collectionID)
}

// ListAllItems returns every item of a collection including tombstones. Only
// the sync engine should need this.
func (s *Store) ListAllItems(ctx context.Context, collectionID int64) ([]*Item, error) {
	return s.queryItems(ctx, itemSelect+` WHERE i.collection_id = ? ORDER BY i.id`, collectionID)
}

// ListDirty returns items with a pending local edit that are not tombstoned.
func (s *Store) ListDirty(ctx context.Context, collectionID int64) ([]*Item, error) {
	return s.queryItems(ctx,
		itemSelect+` WHERE i.collection_id = ? AND i.dirty = 1 AND i.deleted = 0 ORDER BY i.id`, collectionID)
}

// ListDeleted returns the local tombstones of a collection.
func (s *Store) ListDeleted(ctx context.Context, collectionID int64) ([]*Item, error) {
	return s.queryItems(ctx, itemSelect+` WHERE i.collection_id = ? AND i.deleted = 1 ORDER BY i.id`, collectionID)
}

// GetItem returns the item with the given ID, tombstoned or not.
func (s *Store) GetItem(ctx context.Context, id int64) (*Item, error) {
	return scanItem(s.db.QueryRowContext(ctx, itemSelect+` WHERE i.id = ?`, id))
}

// GetItemByUID returns the visible item with the given UID. A tombstoned item
// yields [ErrNotFound].
func (s *Store) GetItemByUID(ctx context.Context, collectionID int64, uid string) (*Item, error) {
	return scanItem(s.db.QueryRowContext(ctx,
		itemSelect+` WHERE i.collection_id = ? AND i.uid = ? AND i.deleted = 0`, collectionID, uid))
}

// FindItemByUID is GetItemByUID including tombstones.
func (s *Store) FindItemByUID(ctx context.Context, collectionID int64, uid string) (*Item, error) {
	return scanItem(s.db.QueryRowContext(ctx,
		itemSelect+` WHERE i.collection_id = ? AND i.uid = ?`, collectionID, uid))
}

// GetItemByHref returns the item stored at the given resource URL, including
// tombstones.
func (s *Store) GetItemByHref(ctx context.Context, collectionID int64, href string) (*Item, error) {
	if href == "" {
		return nil, ErrNotFound
	}
	return scanItem(s.db.QueryRowContext(ctx,
		itemSelect+` WHERE i.collection_id = ? AND i.href = ? ORDER BY i.id LIMIT 1`, collectionID, href))
}

// GetItemByDeviceID resolves a device-native row ID to its cache item.
func (s *Store) GetItemByDeviceID(ctx context.Context, collectionID, deviceID int64) (*Item, error) {
	return scanItem(s.db.QueryRowContext(ctx,
		itemSelect+` WHERE i.collection_id = ? AND i.device_id = ?`, collectionID, deviceID))
}

// InsertItem creates a new item and sets it.ID.
func (s *Store) InsertItem(ctx context.Context, it *Item) error {
	const q = `
		INSERT INTO items
		    (collection_id, uid, href, etag, dirty, deleted, device_id, local_rev,
		     modified_at, title, starts_at, ends_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q,
		it.CollectionID,
		it.UID,
		it.Href,
		it.ETag,
		boolInt(it.Dirty),
		boolInt(it.Deleted),
		nullInt64(it.DeviceID),
		it.LocalRev,
		formatTime(it.ModifiedAt),
		it.Title,
		formatTimePtr(it.StartsAt),
		formatTimePtr(it.EndsAt),
		it.Payload,
	)
	if err != nil {
		return fmt.Errorf("inserting item %q: %w", it.UID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading id of item %q: %w", it.UID, err)
	}
	it.ID = id
	return nil
}

// ApplyRemote overwrites an item with a server version and marks it clean.
// Any pending local edit or tombstone is discarded.
func (s *Store) ApplyRemote(ctx context.Context, id int64, href, etag string, payload []byte, meta model.Meta) error {
	const q = `
		UPDATE items SET
		    href        = ?,
		    etag        = ?,
		    payload     = ?,
		    title       = ?,
		    starts_at   = ?,
		    ends_at     = ?,
		    modified_at = ?,
		    dirty       = 0,
		    deleted     = 0
		WHERE id = ?`
	_, err := s.db.ExecContext(ctx, q,
		href, etag, payload, meta.Title,
		formatTimePtr(meta.StartsAt), formatTimePtr(meta.EndsAt), formatTime(meta.ModifiedAt), id)
	if err != nil {
		return fmt.Errorf("applying remote version to item %d: %w", id, err)
	}
	return nil
}

// SaveLocalEdit stores a local edit, marks the item dirty and bumps its
// revision. A tombstoned item is revived by an edit.
func (s *Store) SaveLocalEdit(ctx context.Context, id int64, payload []byte, meta model.Meta) error {
	const q = `
		UPDATE items SET
		    payload     = ?,
		    title       = ?,
		    starts_at   = ?,
		    ends_at     = ?,
		    modified_at = ?,
		    dirty       = 1,
		    deleted     = 0,
		    local_rev   = local_rev + 1
		WHERE id = ?`
	_, err := s.db.ExecContext(ctx, q,
		payload, meta.Title, formatTimePtr(meta.StartsAt), formatTimePtr(meta.EndsAt), formatTime(meta.ModifiedAt), id)
	if err != nil {
		return fmt.Errorf("saving local edit of item %d: %w", id, err)
	}
	return nil
}

// MarkDeleted turns an item into a local tombstone deleted at at.
func (s *Store) MarkDeleted(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE items SET deleted = 1, modified_at = ?, local_rev = local_rev + 1 WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("marking item %d deleted: %w", id, err)
	}
	return nil
}

// MarkSynced records the href and etag returned by a successful upload of
// revision rev. Dirty is only cleared when the item was not edited again while
// the upload was in flight; cleared reports whether that happened.
func (s *Store) MarkSynced(ctx context.Context, id, rev int64, href, etag string) (cleared bool, err error) {
	const q = `
		UPDATE items SET
		    href  = ?,
		    etag  = ?,
		    dirty = CASE WHEN local_rev = ? THEN 0 ELSE dirty END
		WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, href, etag, rev, id); err != nil {
		return false, fmt.Errorf("marking item %d synced: %w", id, err)
	}

	var dirty bool
	if err := s.db.QueryRowContext(ctx, `SELECT dirty FROM items WHERE id = ?`, id).Scan(&dirty); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("reading dirty flag of item %d: %w", id, err)
	}
	return !dirty, nil
}

// SetRemoteRef overwrites href and etag without touching flags. Clearing both
// makes the next push re-create the resource.
func (s *Store) SetRemoteRef(ctx context.Context, id int64, href, etag string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE items SET href = ?, etag = ? WHERE id = ?`, href, etag, id); err != nil {
		return fmt.Errorf("setting remote reference of item %d: %w", id, err)
	}
	return nil
}

// SetItemDeviceID records the device-native row an item is materialised as.
func (s *Store) SetItemDeviceID(ctx context.Context, id int64, deviceID *int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE items SET device_id = ? WHERE id = ?`, nullInt64(deviceID), id); err != nil {
		return fmt.Errorf("mapping item %d to device row: %w", id, err)
	}
	return nil
}

// DeleteItem hard-deletes an item and any pending conflict for it.
func (s *Store) DeleteItem(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting item id=%d: %w", id, err)
	}
	return nil
}

// CollectionStats counts items by state for status reporting.
func (s *Store) CollectionStats(ctx context.Context, collectionID int64) (Stats, error) {
	const q = `
		SELECT
		    COALESCE(SUM(CASE WHEN i.deleted = 0 THEN 1 ELSE 0 END), 0),
		    COALESCE(SUM(CASE WHEN i.dirty = 1 AND i.deleted = 0 THEN 1 ELSE 0 END), 0),
		    COALESCE(SUM(i.deleted), 0),
		    COUNT(c.item_id)
		FROM items i
		LEFT JOIN conflicts c ON c.item_id = i.id
		WHERE i.collection_id = ?`
	var st Stats
	err := s.db.QueryRowContext(ctx, q, collectionID).Scan(&st.Items, &st.Dirty, &st.Deleted, &st.Conflicts)
	if err != nil {
		return Stats{}, fmt.Errorf("counting items of collection %d: %w", collectionID, err)
	}
	return st, nil
}

func (s *Store) queryItems(ctx context.Context, q string, args ...any) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func scanItem(s scanner) (*Item, error) {
	var (
		it                           Item
		deviceID                     sql.NullInt64
		modifiedAt, startsAt, endsAt string
	)
	err := s.Scan(
		&it.ID,
		&it.CollectionID,
		&it.UID,
		&it.Href,
		&it.ETag,
		&it.Dirty,
		&it.Deleted,
		&deviceID,
		&it.LocalRev,
		&modifiedAt,
		&it.Title,
		&startsAt,
		&endsAt,
		&it.Payload,
		&it.Conflicted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning item row: %w", err)
	}

	it.DeviceID = int64Ptr(deviceID)
	it.ModifiedAt, _ = parseTime(modifiedAt)
	it.StartsAt = parseTimePtr(startsAt)
	it.EndsAt = parseTimePtr(endsAt)
	return &it, nil
}

// Meta returns the item's metadata in the form the payload parser produces.
func (it *Item) Meta() model.Meta {
	return model.Meta{
		UID:        it.UID,
		Title:      it.Title,
		StartsAt:   it.StartsAt,
		EndsAt:     it.EndsAt,
		ModifiedAt: it.ModifiedAt,
	}
}
