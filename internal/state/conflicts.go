package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Conflict is a remote version retained while the user decides between it and
// the local edit of the same item.
type Conflict struct {
	ItemID           int64
	RemoteETag       string
	RemotePayload    []byte
	RemoteDeleted    bool
	RemoteModifiedAt time.Time
	DetectedAt       time.Time
}

// SaveConflict records or replaces the pending remote version of an item.
func (s *Store) SaveConflict(ctx context.Context, c *Conflict) error {
	const q = `
		INSERT INTO conflicts (item_id, remote_etag, remote_payload, remote_deleted, remote_modified_at, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
		    remote_etag        = excluded.remote_etag,
		    remote_payload     = excluded.remote_payload,
		    remote_deleted     = excluded.remote_deleted,
		    remote_modified_at = excluded.remote_modified_at,
		    detected_at        = excluded.detected_at`
	_, err := s.db.ExecContext(ctx, q,
		c.ItemID,
		c.RemoteETag,
		c.RemotePayload,
		boolInt(c.RemoteDeleted),
		formatTime(c.RemoteModifiedAt),
		formatTime(c.DetectedAt),
	)
	if err != nil {
		return fmt.Errorf("saving conflict for item %d: %w", c.ItemID, err)
	}
	return nil
}

// GetConflict returns the pending conflict of an item or [ErrNotFound].
func (s *Store) GetConflict(ctx context.Context, itemID int64) (*Conflict, error) {
	const q = `
		SELECT item_id, remote_etag, remote_payload, remote_deleted, remote_modified_at, detected_at
		FROM conflicts WHERE item_id = ?`
	return scanConflict(s.db.QueryRowContext(ctx, q, itemID))
}

// ListConflicts returns the pending conflicts of a collection, or of every
// collection when collectionID is zero.
func (s *Store) ListConflicts(ctx context.Context, collectionID int64) ([]*Conflict, error) {
	q := `
		SELECT c.item_id, c.remote_etag, c.remote_payload, c.remote_deleted, c.remote_modified_at, c.detected_at
		FROM conflicts c
		JOIN items i ON i.id = c.item_id`
	var args []any
	if collectionID != 0 {
		q += ` WHERE i.collection_id = ?`
		args = append(args, collectionID)
	}
	q += ` ORDER BY c.item_id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conflicts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConflict drops the pending conflict of an item. Missing rows are not
// an error.
func (s *Store) DeleteConflict(ctx context.Context, itemID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conflicts WHERE item_id = ?`, itemID); err != nil {
		return fmt.Errorf("deleting conflict for item %d: %w", itemID, err)
	}
	return nil
}

func scanConflict(s scanner) (*Conflict, error) {
	var (
		c                    Conflict
		modifiedAt, detected string
	)
	err := s.Scan(&c.ItemID, &c.RemoteETag, &c.RemotePayload, &c.RemoteDeleted, &modifiedAt, &detected)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conflict row: %w", err)
	}
	c.RemoteModifiedAt, _ = parseTime(modifiedAt)
	c.DetectedAt, _ = parseTime(detected)
	return &c, nil
}
