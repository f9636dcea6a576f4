package devstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// App-facing writes: set dirty/deleted and publish an event.
// ---------------------------------------------------------------------------

// InsertRow adds a row on behalf of an application and sets r.ID.
func (s *Store) InsertRow(ctx context.Context, r *Row) error {
	if r.ModifiedAt.IsZero() {
		r.ModifiedAt = time.Now().UTC()
	}
	r.Dirty, r.Deleted = true, false
	id, err := s.insert(ctx, r)
	if err != nil {
		return err
	}
	r.ID = id
	s.publish(Event{CollectionID: r.CollectionID, RowID: id, At: time.Now()})
	return nil
}

// UpdateRow stores an application edit of an existing row.
func (s *Store) UpdateRow(ctx context.Context, r *Row) error {
	if r.ModifiedAt.IsZero() {
		r.ModifiedAt = time.Now().UTC()
	}
	const q = `
		UPDATE entries SET
		    uid = ?, title = ?, starts_at = ?, ends_at = ?, payload = ?, modified_at = ?, dirty = 1
		WHERE id = ? AND deleted = 0`
	res, err := s.db.ExecContext(ctx, q,
		r.UID, r.Title, formatTimePtr(r.StartsAt), formatTimePtr(r.EndsAt), r.Payload, formatTime(r.ModifiedAt), r.ID)
	if err != nil {
		return fmt.Errorf("updating device row %d: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.Dirty = true
	s.publish(Event{CollectionID: r.CollectionID, RowID: r.ID, At: time.Now()})
	return nil
}

// DeleteRow tombstones a row on behalf of an application. The row stays until
// the sync engine has collected the deletion.
func (s *Store) DeleteRow(ctx context.Context, id int64) error {
	var collectionID int64
	err := s.db.QueryRowContext(ctx, `SELECT collection_id FROM entries WHERE id = ?`, id).Scan(&collectionID)
	if err != nil {
		return ErrNotFound
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE entries SET deleted = 1, modified_at = ? WHERE id = ?`, formatTime(time.Now()), id); err != nil {
		return fmt.Errorf("deleting device row %d: %w", id, err)
	}
	s.publish(Event{CollectionID: collectionID, RowID: id, At: time.Now()})
	return nil
}

// ---------------------------------------------------------------------------
// Sync-adapter writes: clear dirty, publish nothing.
// ---------------------------------------------------------------------------

// UpsertRows writes rows into a collection as the sync adapter. Each row is
// applied on its own; a failing row does not undo the others. Rows with
// ID == 0, or whose ID no longer exists, are inserted and get their new ID.
// A row the user has modified since it was last collected is left alone and
// reported with [ErrLocallyModified].
func (s *Store) UpsertRows(ctx context.Context, collectionID int64, rows []*Row) ([]RowError, error) {
	if _, err := s.GetCollection(ctx, collectionID); err != nil {
		return nil, fmt.Errorf("upserting into device collection %d: %w", collectionID, err)
	}

	var failed []RowError
	for i, r := range rows {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		r.CollectionID = collectionID
		if err := s.upsertClean(ctx, r); err != nil {
			failed = append(failed, RowError{Index: i, Err: err})
		}
	}
	return failed, nil
}

func (s *Store) upsertClean(ctx context.Context, r *Row) error {
	r.Dirty, r.Deleted = false, false
	if r.ID != 0 {
		const q = `
			UPDATE entries SET
			    uid = ?, title = ?, starts_at = ?, ends_at = ?, payload = ?, modified_at = ?
			WHERE id = ? AND collection_id = ? AND dirty = 0 AND deleted = 0`
		res, err := s.db.ExecContext(ctx, q,
			r.UID, r.Title, formatTimePtr(r.StartsAt), formatTimePtr(r.EndsAt), r.Payload, formatTime(r.ModifiedAt),
			r.ID, r.CollectionID)
		if err != nil {
			return fmt.Errorf("writing device row %d: %w", r.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		existing, err := s.GetRow(ctx, r.ID)
		switch {
		case err == nil && existing.CollectionID == r.CollectionID:
			return fmt.Errorf("device row %d: %w", r.ID, ErrLocallyModified)
		case err != nil && !errors.Is(err, ErrNotFound):
			return err
		}
		// Row vanished from the device (or moved); materialise it again.
	}

	id, err := s.insert(ctx, r)
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

// DeleteRows hard-deletes rows as the sync adapter. Missing rows are ignored.
func (s *Store) DeleteRows(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id); err != nil {
			return fmt.Errorf("purging device row %d: %w", id, err)
		}
	}
	return nil
}

// ClearChanged acknowledges that a row's edit has been collected. It is a
// no-op when the row was modified again after r was read, so an edit racing
// with collection is picked up by the next pass.
func (s *Store) ClearChanged(ctx context.Context, r *Row) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE entries SET dirty = 0 WHERE id = ? AND deleted = 0 AND modified_at = ?`, r.ID, r.modifiedRaw)
	if err != nil {
		return fmt.Errorf("clearing dirty bit of device row %d: %w", r.ID, err)
	}
	return nil
}

func (s *Store) insert(ctx context.Context, r *Row) (int64, error) {
	const q = `
		INSERT INTO entries
		    (collection_id, uid, title, starts_at, ends_at, payload, dirty, deleted, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q,
		r.CollectionID, r.UID, r.Title, formatTimePtr(r.StartsAt), formatTimePtr(r.EndsAt), r.Payload,
		boolInt(r.Dirty), boolInt(r.Deleted), formatTime(r.ModifiedAt))
	if err != nil {
		return 0, fmt.Errorf("inserting device row %q: %w", r.UID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading device row id: %w", err)
	}
	return id, nil
}
