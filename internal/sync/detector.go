package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/njoerd114/pimsync/internal/devstore"
	"github.com/njoerd114/pimsync/internal/state"
)

const (
	// DefaultDebounce is the quiet period after the last device change
	// before a push-only run is requested.
	DefaultDebounce = 2 * time.Second

	eventBuffer = 256
)

// Trigger requests a sync run. It must not block for the duration of the
// run.
type Trigger func(ctx context.Context, req Request)

// Detector turns device-native change events into push-only sync requests.
// A single goroutine consumes the event channel and restarts a timer on
// every event; when the timer fires, one request is made for each collection
// that has dirty or deleted rows. Events arriving while the [SyncGuard] is
// raised are the engine's own writes and are dropped.
type Detector struct {
	events  chan devstore.Event
	window  time.Duration
	guard   *SyncGuard
	device  DeviceStore
	cache   StateStore
	trigger Trigger
	log     *slog.Logger
}

// NewDetector creates a Detector. A window of zero selects
// [DefaultDebounce].
func NewDetector(device DeviceStore, cache StateStore, guard *SyncGuard, window time.Duration, trigger Trigger, logger *slog.Logger) *Detector {
	if window <= 0 {
		window = DefaultDebounce
	}
	if guard == nil {
		guard = &SyncGuard{}
	}
	return &Detector{
		events:  make(chan devstore.Event, eventBuffer),
		window:  window,
		guard:   guard,
		device:  device,
		cache:   cache,
		trigger: trigger,
		log:     logger,
	}
}

// Events is the channel event sources deliver to. Senders should not block
// on it; the detector queries the store on fire, so a dropped event loses
// nothing as long as a later one arrives.
func (d *Detector) Events() chan<- devstore.Event { return d.events }

// Run consumes events until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	timer := time.NewTimer(d.window)
	timer.Stop()
	defer timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return

		case <-d.events:
			if d.guard.Active() {
				continue
			}
			timer.Reset(d.window)
			pending = true

		case <-timer.C:
			if !pending {
				continue
			}
			pending = false
			d.flush(ctx)
		}
	}
}

// flush requests a push-only run for every collection with device changes.
func (d *Detector) flush(ctx context.Context) {
	ids, err := d.device.DirtyCollections(ctx)
	if err != nil {
		d.log.Error("querying dirty device collections", "error", err)
		return
	}
	for _, deviceID := range ids {
		coll, err := d.cache.GetCollectionByDeviceID(ctx, deviceID)
		if errors.Is(err, state.ErrNotFound) {
			d.log.Debug("ignoring changes in unmapped device collection", "device_id", deviceID)
			continue
		}
		if err != nil {
			d.log.Error("mapping device collection", "device_id", deviceID, "error", err)
			continue
		}
		if !coll.SyncEnabled {
			continue
		}
		d.log.Info("device changes detected", "account", coll.AccountID, "collection", coll.DisplayName)
		d.trigger(ctx, Request{
			AccountID:    coll.AccountID,
			Resource:     coll.Resource,
			CollectionID: coll.ID,
			Mode:         ModePushOnly,
		})
	}
}
