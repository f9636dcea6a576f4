package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/njoerd114/pimsync/internal/devstore"
	"github.com/njoerd114/pimsync/internal/model"
	"github.com/njoerd114/pimsync/internal/state"
	"github.com/njoerd114/pimsync/internal/syncerr"
)

// SyncGuard is raised while the engine writes to the device-native store.
// The [Detector] drops change events observed while it is raised.
type SyncGuard struct {
	depth atomic.Int32
}

// Enter raises the guard until the returned function is called.
func (g *SyncGuard) Enter() (leave func()) {
	g.depth.Add(1)
	return func() { g.depth.Add(-1) }
}

// Active reports whether any engine write is in progress.
func (g *SyncGuard) Active() bool {
	return g.depth.Load() > 0
}

// Reconciler keeps the device-native store in step with the cache. It owns
// the mapping between cache and device IDs in both directions. Every device
// operation runs through a single-slot executor so concurrent sync runs never
// write the device store at the same time.
type Reconciler struct {
	cache  StateStore
	device DeviceStore
	guard  *SyncGuard
	exec   *semaphore.Weighted
	log    *slog.Logger
	now    func() time.Time
}

// NewReconciler creates a Reconciler. guard may be shared with a [Detector].
func NewReconciler(cache StateStore, device DeviceStore, guard *SyncGuard, logger *slog.Logger) *Reconciler {
	if guard == nil {
		guard = &SyncGuard{}
	}
	return &Reconciler{
		cache:  cache,
		device: device,
		guard:  guard,
		exec:   semaphore.NewWeighted(1),
		log:    logger,
		now:    time.Now,
	}
}

// Guard returns the guard raised around device writes.
func (r *Reconciler) Guard() *SyncGuard { return r.guard }

// run executes fn on the device executor with the sync guard raised.
func (r *Reconciler) run(ctx context.Context, fn func() error) error {
	if err := r.exec.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.exec.Release(1)
	leave := r.guard.Enter()
	defer leave()
	return fn()
}

// Materialize ensures coll has a device-native counterpart and returns its
// ID. created is true when the device collection had to be (re)created, in
// which case every cached item must be applied again.
func (r *Reconciler) Materialize(ctx context.Context, coll *state.Collection) (deviceID int64, created bool, err error) {
	err = r.run(ctx, func() error {
		want := devstore.Collection{
			AccountID: coll.AccountID,
			Resource:  coll.Resource,
			Name:      coll.DisplayName,
			Visible:   coll.Visible,
		}
		if coll.DeviceID != nil {
			existing, err := r.device.GetCollection(ctx, *coll.DeviceID)
			switch {
			case err == nil:
				deviceID = existing.ID
				if existing.Name != want.Name || existing.Visible != want.Visible {
					want.ID = existing.ID
					if err := r.device.UpdateCollection(ctx, &want); err != nil {
						return fmt.Errorf("updating device collection %d: %w", existing.ID, err)
					}
				}
				return nil
			case !errors.Is(err, devstore.ErrNotFound):
				return fmt.Errorf("reading device collection %d: %w", *coll.DeviceID, err)
			}
			r.log.Warn("device collection vanished, recreating",
				"collection", coll.DisplayName, "device_id", *coll.DeviceID)
		}

		if err := r.device.CreateCollection(ctx, &want); err != nil {
			return fmt.Errorf("creating device collection: %w", err)
		}
		if err := r.cache.SetCollectionDeviceID(ctx, coll.ID, &want.ID); err != nil {
			return err
		}
		deviceID, created = want.ID, true
		coll.DeviceID = &want.ID
		return nil
	})
	if err != nil {
		return 0, false, syncerr.LocalStore("materialize collection", err)
	}
	return deviceID, created, nil
}

// ApplyToDevice writes items into the device collection of coll in
// sync-adapter mode and records the device row IDs in the cache. A row the
// user edited since the last collection pass is left alone; the next pass
// collects it. Tombstoned items are ignored.
func (r *Reconciler) ApplyToDevice(ctx context.Context, coll *state.Collection, items []*state.Item) (applied, failed int, err error) {
	live := make([]*state.Item, 0, len(items))
	for _, it := range items {
		if !it.Deleted {
			live = append(live, it)
		}
	}
	if len(live) == 0 {
		return 0, 0, nil
	}

	deviceID, _, err := r.Materialize(ctx, coll)
	if err != nil {
		return 0, 0, err
	}

	rows := make([]*devstore.Row, len(live))
	for i, it := range live {
		rows[i] = &devstore.Row{
			UID:        it.UID,
			Title:      it.Title,
			StartsAt:   it.StartsAt,
			EndsAt:     it.EndsAt,
			Payload:    it.Payload,
			ModifiedAt: it.ModifiedAt,
		}
		if it.DeviceID != nil {
			rows[i].ID = *it.DeviceID
		}
	}

	var rowErrs []devstore.RowError
	err = r.run(ctx, func() error {
		var err error
		rowErrs, err = r.device.UpsertRows(ctx, deviceID, rows)
		return err
	})
	if err != nil {
		return 0, 0, syncerr.LocalStore("apply to device", err)
	}

	skip := make(map[int]bool, len(rowErrs))
	for _, re := range rowErrs {
		skip[re.Index] = true
		if errors.Is(re.Err, devstore.ErrLocallyModified) {
			r.log.Debug("device row edited during sync, deferring", "uid", live[re.Index].UID)
			continue
		}
		failed++
		r.log.Warn("writing device row failed", "uid", live[re.Index].UID, "error", re.Err)
	}

	for i, it := range live {
		if skip[i] {
			continue
		}
		applied++
		if it.DeviceID != nil && *it.DeviceID == rows[i].ID {
			continue
		}
		id := rows[i].ID
		if err := r.cache.SetItemDeviceID(ctx, it.ID, &id); err != nil {
			return applied, failed, syncerr.LocalStore("map device row", err)
		}
		it.DeviceID = &id
	}
	return applied, failed, nil
}

// RemoveFromDevice deletes the device rows of items.
func (r *Reconciler) RemoveFromDevice(ctx context.Context, items []*state.Item) error {
	var ids []int64
	for _, it := range items {
		if it.DeviceID != nil {
			ids = append(ids, *it.DeviceID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	err := r.run(ctx, func() error { return r.device.DeleteRows(ctx, ids) })
	if err != nil {
		return syncerr.LocalStore("remove from device", err)
	}
	return nil
}

// RemoveCollection deletes the device-native counterpart of coll, if any.
func (r *Reconciler) RemoveCollection(ctx context.Context, coll *state.Collection) error {
	if coll.DeviceID == nil {
		return nil
	}
	err := r.run(ctx, func() error { return r.device.DeleteCollection(ctx, *coll.DeviceID) })
	if err != nil {
		return syncerr.LocalStore("remove device collection", err)
	}
	return nil
}

// CollectFromDevice copies every row the user changed on the device into the
// cache as a local edit or tombstone, then acknowledges the row. Rows are
// matched to cache items by device ID, then by UID, and finally by title
// and start and end time among items not yet mapped to a row. The last match
// is best effort: two unmapped items with identical keys are told apart by
// cache order only.
func (r *Reconciler) CollectFromDevice(ctx context.Context, coll *state.Collection) (CollectResult, error) {
	var res CollectResult
	if coll.DeviceID == nil {
		return res, nil
	}

	var rows []*devstore.Row
	err := r.run(ctx, func() error {
		var err error
		rows, err = r.device.ChangedRows(ctx, *coll.DeviceID)
		return err
	})
	if err != nil {
		return res, syncerr.LocalStore("read device changes", err)
	}
	if len(rows) == 0 {
		return res, nil
	}

	cached, err := r.cache.ListItems(ctx, coll.ID)
	if err != nil {
		return res, syncerr.LocalStore("collect from device", err)
	}
	var unmapped []*state.Item
	for _, it := range cached {
		if it.DeviceID == nil {
			unmapped = append(unmapped, it)
		}
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		item, err := r.match(ctx, coll, row, &unmapped)
		if err != nil {
			return res, syncerr.LocalStore("collect from device", err)
		}

		if row.Deleted {
			if err := r.collectDeletion(ctx, item, row); err != nil {
				return res, err
			}
			if item != nil {
				res.Deleted++
			}
			continue
		}

		created, err := r.collectEdit(ctx, coll, item, row)
		if err != nil {
			if syncerr.KindOf(err) == syncerr.KindItem {
				res.Failed++
				r.log.Warn("skipping unreadable device row", "row", row.ID, "error", err)
				continue
			}
			return res, err
		}
		if created {
			res.Created++
		} else {
			res.Edited++
		}
	}

	if res.Edited+res.Created+res.Deleted > 0 {
		r.log.Info("collected device changes",
			"collection", coll.DisplayName,
			"edited", res.Edited,
			"created", res.Created,
			"deleted", res.Deleted,
		)
	}
	return res, nil
}

func (r *Reconciler) match(ctx context.Context, coll *state.Collection, row *devstore.Row, unmapped *[]*state.Item) (*state.Item, error) {
	it, err := r.cache.GetItemByDeviceID(ctx, coll.ID, row.ID)
	if err == nil {
		return it, nil
	}
	if !errors.Is(err, state.ErrNotFound) {
		return nil, err
	}

	uid := row.UID
	if uid == "" && len(row.Payload) > 0 {
		if meta, err := model.ParsePayload(coll.Resource, row.Payload); err == nil {
			uid = meta.UID
		}
	}
	if uid != "" {
		it, err := r.cache.FindItemByUID(ctx, coll.ID, uid)
		if err == nil {
			return it, nil
		}
		if !errors.Is(err, state.ErrNotFound) {
			return nil, err
		}
	}

	for i, it := range *unmapped {
		if it.Title == row.Title && sameTime(it.StartsAt, row.StartsAt) && sameTime(it.EndsAt, row.EndsAt) {
			*unmapped = append((*unmapped)[:i], (*unmapped)[i+1:]...)
			return it, nil
		}
	}
	return nil, nil
}

func (r *Reconciler) collectDeletion(ctx context.Context, item *state.Item, row *devstore.Row) error {
	if item != nil && !item.Deleted {
		var err error
		if item.Href == "" {
			// Never reached the server; nothing to tell it.
			err = r.cache.DeleteItem(ctx, item.ID)
		} else {
			at := row.ModifiedAt
			if at.IsZero() {
				at = r.now().UTC()
			}
			err = r.cache.MarkDeleted(ctx, item.ID, at)
		}
		if err != nil {
			return syncerr.LocalStore("collect device deletion", err)
		}
	}
	err := r.run(ctx, func() error { return r.device.DeleteRows(ctx, []int64{row.ID}) })
	if err != nil {
		return syncerr.LocalStore("purge device tombstone", err)
	}
	return nil
}

// collectEdit stores a device edit in the cache. Rows that cannot be read
// come back as a KindItem error.
func (r *Reconciler) collectEdit(ctx context.Context, coll *state.Collection, item *state.Item, row *devstore.Row) (created bool, err error) {
	payload := row.Payload
	if len(payload) == 0 {
		return false, syncerr.New(syncerr.KindItem, "collect device edit", errors.New("row has no payload"))
	}

	meta, err := model.ParsePayload(coll.Resource, payload)
	if errors.Is(err, model.ErrNoUID) {
		uid := row.UID
		switch {
		case item != nil:
			uid = item.UID
		case uid == "":
			uid = uuid.NewString()
		}
		if payload, err = model.SetUID(coll.Resource, payload, uid); err == nil {
			meta, err = model.ParsePayload(coll.Resource, payload)
		}
	}
	if err != nil {
		return false, syncerr.New(syncerr.KindItem, "collect device edit", err)
	}
	if !row.ModifiedAt.IsZero() {
		meta.ModifiedAt = row.ModifiedAt.UTC()
	}

	deviceID := row.ID
	if item != nil {
		if err := r.cache.SaveLocalEdit(ctx, item.ID, payload, meta); err != nil {
			return false, syncerr.LocalStore("collect device edit", err)
		}
		if item.DeviceID == nil || *item.DeviceID != deviceID {
			if err := r.cache.SetItemDeviceID(ctx, item.ID, &deviceID); err != nil {
				return false, syncerr.LocalStore("collect device edit", err)
			}
		}
	} else {
		it := &state.Item{
			CollectionID: coll.ID,
			UID:          meta.UID,
			Dirty:        true,
			DeviceID:     &deviceID,
			LocalRev:     1,
			ModifiedAt:   meta.ModifiedAt,
			Title:        meta.Title,
			StartsAt:     meta.StartsAt,
			EndsAt:       meta.EndsAt,
			Payload:      payload,
		}
		if err := r.cache.InsertItem(ctx, it); err != nil {
			return false, syncerr.LocalStore("collect new device row", err)
		}
		created = true
	}

	err = r.run(ctx, func() error { return r.device.ClearChanged(ctx, row) })
	if err != nil {
		return created, syncerr.LocalStore("acknowledge device row", err)
	}
	return created, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
