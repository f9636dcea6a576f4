package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/njoerd114/pimsync/internal/model"
)

// Collection is one calendar, address book or task list of an account.
type Collection struct {
	ID          int64
	AccountID   string
	Resource    model.ResourceType
	URL         string
	DisplayName string

	// CTag and SyncToken are the change tokens last seen from the server.
	// Both are empty until the first successful pull.
	CTag      string
	SyncToken string

	// DeviceID is the device-native collection this one is materialised as.
	// Nil until the reconciler first creates it.
	DeviceID *int64

	SyncEnabled bool
	Visible     bool
	CanWrite    bool
	CanDelete   bool

	LastAttempted time.Time
	LastSynced    time.Time
}

const collectionColumns = `
	id, account_id, resource_type, url, display_name, ctag, sync_token, device_id,
	sync_enabled, visible, can_write, can_delete, last_attempted, last_synced`

// UpsertCollection inserts a collection or refreshes the server-reflected
// attributes (name, permissions, resource type) of an existing one identified
// by (AccountID, URL). Change tokens, the device mapping and the user's
// enable/visible choices are left untouched on update. c.ID is set on return.
func (s *Store) UpsertCollection(ctx context.Context, c *Collection) error {
	const q = `
		INSERT INTO collections
		    (account_id, resource_type, url, display_name, sync_enabled, visible, can_write, can_delete)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, url) DO UPDATE SET
		    resource_type = excluded.resource_type,
		    display_name  = excluded.display_name,
		    can_write     = excluded.can_write,
		    can_delete    = excluded.can_delete`
	_, err := s.db.ExecContext(ctx, q,
		c.AccountID,
		c.Resource.String(),
		c.URL,
		c.DisplayName,
		boolInt(c.SyncEnabled),
		boolInt(c.Visible),
		boolInt(c.CanWrite),
		boolInt(c.CanDelete),
	)
	if err != nil {
		return fmt.Errorf("upserting collection %q: %w", c.URL, err)
	}

	// LastInsertId is unreliable for the update branch of an upsert.
	row := s.db.QueryRowContext(ctx,
		`SELECT id FROM collections WHERE account_id = ? AND url = ?`, c.AccountID, c.URL)
	if err := row.Scan(&c.ID); err != nil {
		return fmt.Errorf("reading id of collection %q: %w", c.URL, err)
	}
	return nil
}

// GetCollection returns the collection with the given ID or [ErrNotFound].
func (s *Store) GetCollection(ctx context.Context, id int64) (*Collection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+collectionColumns+` FROM collections WHERE id = ?`, id)
	return scanCollection(row)
}

// GetCollectionByDeviceID resolves the device-native collection ID to the
// cache collection mapped to it, or returns [ErrNotFound].
func (s *Store) GetCollectionByDeviceID(ctx context.Context, deviceID int64) (*Collection, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+collectionColumns+` FROM collections WHERE device_id = ?`, deviceID)
	return scanCollection(row)
}

// ListCollections returns the collections of an account. An empty accountID
// matches every account; [model.ResourceAll] matches every resource type.
func (s *Store) ListCollections(ctx context.Context, accountID string, r model.ResourceType) ([]*Collection, error) {
	q := `SELECT ` + collectionColumns + ` FROM collections WHERE 1 = 1`
	var args []any
	if accountID != "" {
		q += ` AND account_id = ?`
		args = append(args, accountID)
	}
	if r != model.ResourceAll {
		q += ` AND resource_type = ?`
		args = append(args, r.String())
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying collections for %q: %w", accountID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Collection
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetCollectionDeviceID records (or clears, with nil) the device-native
// collection a cache collection is materialised as.
func (s *Store) SetCollectionDeviceID(ctx context.Context, id int64, deviceID *int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE collections SET device_id = ? WHERE id = ?`, nullInt64(deviceID), id)
	if err != nil {
		return fmt.Errorf("mapping collection %d to device collection: %w", id, err)
	}
	return nil
}

// SetCollectionFlags updates the user-controlled sync/visibility flags.
func (s *Store) SetCollectionFlags(ctx context.Context, id int64, syncEnabled, visible bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE collections SET sync_enabled = ?, visible = ? WHERE id = ?`,
		boolInt(syncEnabled), boolInt(visible), id)
	if err != nil {
		return fmt.Errorf("updating flags of collection %d: %w", id, err)
	}
	return nil
}

// DeleteCollection removes a collection and, through the foreign key, all of
// its items and conflicts.
func (s *Store) DeleteCollection(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting collection id=%d: %w", id, err)
	}
	return nil
}

func scanCollection(s scanner) (*Collection, error) {
	var (
		c                       Collection
		resource                string
		deviceID                sql.NullInt64
		lastAttempted, lastSync string
	)
	err := s.Scan(
		&c.ID,
		&c.AccountID,
		&resource,
		&c.URL,
		&c.DisplayName,
		&c.CTag,
		&c.SyncToken,
		&deviceID,
		&c.SyncEnabled,
		&c.Visible,
		&c.CanWrite,
		&c.CanDelete,
		&lastAttempted,
		&lastSync,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning collection row: %w", err)
	}

	c.Resource, _ = model.ParseResourceType(resource)
	c.DeviceID = int64Ptr(deviceID)
	c.LastAttempted, _ = parseTime(lastAttempted)
	c.LastSynced, _ = parseTime(lastSync)
	return &c, nil
}
