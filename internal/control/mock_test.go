package control

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/njoerd114/pimsync/internal/model"
	"github.com/njoerd114/pimsync/internal/state"
	syncp "github.com/njoerd114/pimsync/internal/sync"
	"github.com/njoerd114/pimsync/internal/syncerr"
)

var testLogger = slog.Default()

// fakeSyncer records requests and returns a canned report.
type fakeSyncer struct {
	mu        sync.Mutex
	ran       []syncp.Request
	triggered []syncp.Request
	report    syncp.Report
}

func (f *fakeSyncer) RunSync(_ context.Context, req syncp.Request) (syncp.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, req)
	return f.report, nil
}

func (f *fakeSyncer) Trigger(_ context.Context, req syncp.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, req)
}

func (f *fakeSyncer) triggers() []syncp.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]syncp.Request(nil), f.triggered...)
}

// fakeRunner accepts the accounts it knows and records resolutions.
type fakeRunner struct {
	accounts map[string]bool
	inflight []string

	mu       sync.Mutex
	resolved map[int64]bool
	cache    *state.Store
}

func (f *fakeRunner) Validate(_ context.Context, req syncp.Request) error {
	if req.AccountID != "" && !f.accounts[req.AccountID] {
		return syncerr.New(syncerr.KindConfig, "plan sync", errUnknownAccount)
	}
	return nil
}

func (f *fakeRunner) InFlight() []string { return f.inflight }

func (f *fakeRunner) ResolveConflict(ctx context.Context, itemID int64, keepLocal bool) error {
	if _, err := f.cache.GetConflict(ctx, itemID); err != nil {
		return err
	}
	f.mu.Lock()
	f.resolved[itemID] = keepLocal
	f.mu.Unlock()
	return f.cache.DeleteConflict(ctx, itemID)
}

var errUnknownAccount = errors.New("unknown account")

type fixture struct {
	cache  *state.Store
	syncer *fakeSyncer
	runner *fakeRunner
	srv    *Server
	coll   *state.Collection
	item   *state.Item
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cache, err := state.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })

	ctx := context.Background()
	coll := &state.Collection{
		AccountID:   "work",
		Resource:    model.ResourceCalendar,
		URL:         "https://dav.example.com/cal/work/",
		DisplayName: "Work",
		SyncEnabled: true,
		Visible:     true,
		CanWrite:    true,
		CanDelete:   true,
	}
	if err := cache.UpsertCollection(ctx, coll); err != nil {
		t.Fatal(err)
	}
	it := &state.Item{
		CollectionID: coll.ID,
		UID:          "standup",
		Href:         "/cal/work/standup.ics",
		ETag:         `"1"`,
		Dirty:        true,
		LocalRev:     1,
		ModifiedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Title:        "Standup",
		Payload:      []byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"),
	}
	if err := cache.InsertItem(ctx, it); err != nil {
		t.Fatal(err)
	}
	if err := cache.SaveConflict(ctx, &state.Conflict{
		ItemID:           it.ID,
		RemoteETag:       `"2"`,
		RemotePayload:    []byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"),
		RemoteModifiedAt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		DetectedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}); err != nil {
		t.Fatal(err)
	}

	syncer := &fakeSyncer{}
	runner := &fakeRunner{accounts: map[string]bool{"work": true}, resolved: map[int64]bool{}, cache: cache}
	return &fixture{
		cache:  cache,
		syncer: syncer,
		runner: runner,
		srv:    NewServer(syncer, runner, cache, NewMetrics(), testLogger),
		coll:   coll,
		item:   it,
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
