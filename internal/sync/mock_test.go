package sync

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/njoerd114/pimsync/internal/dav"
	"github.com/njoerd114/pimsync/internal/davtest"
	"github.com/njoerd114/pimsync/internal/devstore"
	"github.com/njoerd114/pimsync/internal/model"
	"github.com/njoerd114/pimsync/internal/state"
)

var testLogger = slog.Default()

// --- Payloads ----------------------------------------------------------------

func event(uid, summary string, modified time.Time) []byte {
	return []byte("BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//pimsync//test//EN\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:" + uid + "\r\n" +
		"DTSTAMP:20260101T000000Z\r\n" +
		"LAST-MODIFIED:" + modified.UTC().Format("20060102T150405Z") + "\r\n" +
		"DTSTART:20260310T090000Z\r\n" +
		"DTEND:20260310T100000Z\r\n" +
		"SUMMARY:" + summary + "\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n")
}

func eventNoUID(summary string) []byte {
	return []byte("BEGIN:VCALENDAR\r\n" +
		"VERSION:2.0\r\n" +
		"PRODID:-//pimsync//test//EN\r\n" +
		"BEGIN:VEVENT\r\n" +
		"DTSTAMP:20260101T000000Z\r\n" +
		"DTSTART:20260310T090000Z\r\n" +
		"SUMMARY:" + summary + "\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n")
}

var (
	t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

// --- Harness -----------------------------------------------------------------

// harness wires one account with one calendar on an in-memory DAV server to
// real SQLite cache and device stores.
type harness struct {
	t      *testing.T
	ctx    context.Context
	srv    *davtest.Server
	calURL string
	cache  *state.Store
	device *devstore.Store
	remote *hookRemote
	rec    *Reconciler
	engine *Engine
	acct   model.Account
}

func newHarness(t *testing.T, policy model.ConflictPolicy) *harness {
	t.Helper()
	srv := davtest.New()
	t.Cleanup(srv.Close)
	calURL := srv.AddCollection("work", "Work", model.ResourceCalendar)

	dir := t.TempDir()
	cache, err := state.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	device, err := devstore.Open(filepath.Join(dir, "device.db"))
	if err != nil {
		t.Fatalf("devstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = device.Close() })

	client, err := dav.New(dav.Options{BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("dav.New: %v", err)
	}

	acct := model.Account{ID: "acct", BaseURL: srv.URL + "/", Calendars: true, ConflictPolicy: policy}
	remote := &hookRemote{RemoteClient: client}
	rec := NewReconciler(cache, device, nil, testLogger)
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		srv:    srv,
		calURL: calURL,
		cache:  cache,
		device: device,
		remote: remote,
		rec:    rec,
		engine: NewEngine(acct, remote, cache, rec, testLogger),
		acct:   acct,
	}
	if err := h.engine.RefreshCollections(h.ctx); err != nil {
		t.Fatalf("RefreshCollections: %v", err)
	}
	return h
}

// collection re-reads the calendar from the cache.
func (h *harness) collection() *state.Collection {
	h.t.Helper()
	colls, err := h.cache.ListCollections(h.ctx, h.acct.ID, model.ResourceCalendar)
	if err != nil || len(colls) != 1 {
		h.t.Fatalf("ListCollections = %d, %v", len(colls), err)
	}
	return colls[0]
}

func (h *harness) sync(mode Mode) CollectionResult {
	h.t.Helper()
	res, err := h.engine.Sync(h.ctx, h.collection(), mode)
	if err != nil {
		h.t.Fatalf("Sync: %v", err)
	}
	return res
}

func (h *harness) deviceCollection() int64 {
	h.t.Helper()
	c := h.collection()
	if c.DeviceID == nil {
		h.t.Fatal("collection has no device counterpart")
	}
	return *c.DeviceID
}

// deviceTitles maps UID to title of every visible device row.
func (h *harness) deviceTitles() map[string]string {
	h.t.Helper()
	rows, err := h.device.ListRows(h.ctx, h.deviceCollection())
	if err != nil {
		h.t.Fatal(err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.UID] = r.Title
	}
	return out
}

func (h *harness) deviceRow(uid string) *devstore.Row {
	h.t.Helper()
	rows, err := h.device.ListRows(h.ctx, h.deviceCollection())
	if err != nil {
		h.t.Fatal(err)
	}
	for _, r := range rows {
		if r.UID == uid {
			return r
		}
	}
	h.t.Fatalf("no device row with uid %q", uid)
	return nil
}

// remoteTitles maps UID to title of every object on the server.
func (h *harness) remoteTitles() map[string]string {
	h.t.Helper()
	out := make(map[string]string)
	for _, href := range h.srv.Hrefs(h.calURL) {
		data, _, ok := h.srv.Object(href)
		if !ok {
			continue
		}
		meta, err := model.ParsePayload(model.ResourceCalendar, data)
		if err != nil {
			h.t.Fatalf("server object %s: %v", href, err)
		}
		out[meta.UID] = meta.Title
	}
	return out
}

// cacheTitles maps UID to title of every visible cache item.
func (h *harness) cacheTitles() map[string]string {
	h.t.Helper()
	items, err := h.cache.ListItems(h.ctx, h.collection().ID)
	if err != nil {
		h.t.Fatal(err)
	}
	out := make(map[string]string, len(items))
	for _, it := range items {
		out[it.UID] = it.Title
	}
	return out
}

func (h *harness) item(uid string) *state.Item {
	h.t.Helper()
	it, err := h.cache.FindItemByUID(h.ctx, h.collection().ID, uid)
	if err != nil {
		h.t.Fatalf("FindItemByUID(%q): %v", uid, err)
	}
	return it
}

// putRemote stores an event on the server as another client would.
func (h *harness) putRemote(uid, summary string, modified time.Time) string {
	href, _ := h.srv.PutObject(h.calURL, uid+".ics", event(uid, summary, modified))
	return href
}

// editOnDevice inserts or updates a device row the way an application does.
func (h *harness) editOnDevice(uid, summary string, modified time.Time) *devstore.Row {
	h.t.Helper()
	rows, _ := h.device.ListRows(h.ctx, h.deviceCollection())
	for _, r := range rows {
		if r.UID == uid {
			r.Title = summary
			r.Payload = event(uid, summary, modified)
			r.ModifiedAt = modified
			if err := h.device.UpdateRow(h.ctx, r); err != nil {
				h.t.Fatalf("UpdateRow: %v", err)
			}
			return r
		}
	}
	r := &devstore.Row{
		CollectionID: h.deviceCollection(),
		UID:          uid,
		Title:        summary,
		Payload:      event(uid, summary, modified),
		ModifiedAt:   modified,
	}
	if err := h.device.InsertRow(h.ctx, r); err != nil {
		h.t.Fatalf("InsertRow: %v", err)
	}
	return r
}

func equalMaps(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// --- Hooked remote -----------------------------------------------------------

// hookRemote wraps a real client and lets tests intercept calls.
type hookRemote struct {
	RemoteClient

	mu       sync.Mutex
	onPut    func(href string)
	discover func([]dav.RemoteCollection) []dav.RemoteCollection
}

func (r *hookRemote) Put(ctx context.Context, href, contentType string, data []byte, pre dav.Precondition) (string, error) {
	etag, err := r.RemoteClient.Put(ctx, href, contentType, data, pre)
	r.mu.Lock()
	hook := r.onPut
	r.mu.Unlock()
	if hook != nil && err == nil {
		hook(href)
	}
	return etag, err
}

func (r *hookRemote) Discover(ctx context.Context) (dav.Discovery, error) {
	got, err := r.RemoteClient.Discover(ctx)
	r.mu.Lock()
	filter := r.discover
	r.mu.Unlock()
	if err == nil && filter != nil {
		got.Collections = filter(got.Collections)
	}
	return got, err
}

// --- Recording trigger -------------------------------------------------------

type recordingTrigger struct {
	mu   sync.Mutex
	reqs []Request
	fired chan struct{}
}

func newRecordingTrigger() *recordingTrigger {
	return &recordingTrigger{fired: make(chan struct{}, 64)}
}

func (r *recordingTrigger) Trigger(_ context.Context, req Request) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	r.fired <- struct{}{}
}

func (r *recordingTrigger) requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.reqs...)
}

// --- Recording observer ------------------------------------------------------

type recordingObserver struct {
	mu   sync.Mutex
	rows []ReportRow
}

func (o *recordingObserver) ObserveRun(row ReportRow) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rows = append(o.rows, row)
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.rows)
}

func (o *recordingObserver) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return fmt.Sprintf("%+v", o.rows)
}
