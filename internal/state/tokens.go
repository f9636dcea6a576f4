package state

import (
	"context"
	"fmt"
	"time"
)

// SaveCollectionTags stores the ctag and sync token observed at the end of a
// successful pull and stamps both last_attempted and last_synced.
func (s *Store) SaveCollectionTags(ctx context.Context, id int64, ctag, syncToken string, at time.Time) error {
	const q = `
		UPDATE collections SET
		    ctag           = ?,
		    sync_token     = ?,
		    last_attempted = ?,
		    last_synced    = ?
		WHERE id = ?`
	ts := formatTime(at)
	if _, err := s.db.ExecContext(ctx, q, ctag, syncToken, ts, ts, id); err != nil {
		return fmt.Errorf("saving change tokens of collection %d: %w", id, err)
	}
	return nil
}

// TouchCollection refreshes only last_attempted, used when a pull is skipped
// because the collection tag did not change.
func (s *Store) TouchCollection(ctx context.Context, id int64, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE collections SET last_attempted = ? WHERE id = ?`, formatTime(at), id); err != nil {
		return fmt.Errorf("touching collection %d: %w", id, err)
	}
	return nil
}

// ResetSyncToken forgets the ctag and sync token so the next pull performs a
// full enumeration.
func (s *Store) ResetSyncToken(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE collections SET ctag = '', sync_token = '' WHERE id = ?`, id); err != nil {
		return fmt.Errorf("resetting sync token of collection %d: %w", id, err)
	}
	return nil
}
