package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/njoerd114/pimsync/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test-cache.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedCollection(t *testing.T, s *Store) *Collection {
	t.Helper()
	c := &Collection{
		AccountID:   "acct",
		Resource:    model.ResourceCalendar,
		URL:         "https://dav.example.com/cal/work/",
		DisplayName: "Work",
		SyncEnabled: true,
		Visible:     true,
		CanWrite:    true,
		CanDelete:   true,
	}
	if err := s.UpsertCollection(context.Background(), c); err != nil {
		t.Fatalf("UpsertCollection: %v", err)
	}
	return c
}

func seedItem(t *testing.T, s *Store, collID int64, uid string) *Item {
	t.Helper()
	it := &Item{
		CollectionID: collID,
		UID:          uid,
		Href:         "/cal/work/" + uid + ".ics",
		ETag:         `"1"`,
		ModifiedAt:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Title:        "Standup",
		Payload:      []byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"),
	}
	if err := s.InsertItem(context.Background(), it); err != nil {
		t.Fatalf("InsertItem: %v", err)
	}
	return it
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	c := seedCollection(t, s1)
	if err := s1.Close(); err != nil {
		t.Fatalf("s1.Close: %v", err)
	}

	// Re-opening the same file must not fail or wipe data.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer func() { _ = s2.Close() }()
	if _, err := s2.GetCollection(context.Background(), c.ID); err != nil {
		t.Errorf("GetCollection after reopen: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Collections
// ---------------------------------------------------------------------------

func TestUpsertCollection_UpdatePreservesTokensAndFlags(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCollection(t, s)

	if err := s.SaveCollectionTags(ctx, c.ID, "ctag-1", "tok-1", time.Now()); err != nil {
		t.Fatalf("SaveCollectionTags: %v", err)
	}
	if err := s.SetCollectionFlags(ctx, c.ID, false, true); err != nil {
		t.Fatalf("SetCollectionFlags: %v", err)
	}

	again := &Collection{
		AccountID:   "acct",
		Resource:    model.ResourceCalendar,
		URL:         c.URL,
		DisplayName: "Work (renamed)",
		SyncEnabled: true,
		Visible:     true,
		CanWrite:    false,
		CanDelete:   false,
	}
	if err := s.UpsertCollection(ctx, again); err != nil {
		t.Fatalf("UpsertCollection: %v", err)
	}
	if again.ID != c.ID {
		t.Errorf("ID = %d, want %d", again.ID, c.ID)
	}

	got, err := s.GetCollection(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCollection: %v", err)
	}
	if got.DisplayName != "Work (renamed)" {
		t.Errorf("DisplayName = %q", got.DisplayName)
	}
	if got.CanWrite {
		t.Error("CanWrite not refreshed from server")
	}
	if got.CTag != "ctag-1" || got.SyncToken != "tok-1" {
		t.Errorf("tokens = %q/%q, want preserved", got.CTag, got.SyncToken)
	}
	if got.SyncEnabled {
		t.Error("SyncEnabled overwritten by upsert")
	}
	if got.LastSynced.IsZero() {
		t.Error("LastSynced not set")
	}
}

func TestListCollections_Filters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCollection(t, s)
	book := &Collection{AccountID: "acct", Resource: model.ResourceAddressBook, URL: "https://dav.example.com/card/"}
	other := &Collection{AccountID: "other", Resource: model.ResourceCalendar, URL: "https://dav.example.com/cal/x/"}
	for _, c := range []*Collection{book, other} {
		if err := s.UpsertCollection(ctx, c); err != nil {
			t.Fatalf("UpsertCollection: %v", err)
		}
	}

	tests := []struct {
		account  string
		resource model.ResourceType
		want     int
	}{
		{"", model.ResourceAll, 3},
		{"acct", model.ResourceAll, 2},
		{"acct", model.ResourceAddressBook, 1},
		{"other", model.ResourceTaskList, 0},
	}
	for _, tt := range tests {
		got, err := s.ListCollections(ctx, tt.account, tt.resource)
		if err != nil {
			t.Fatalf("ListCollections: %v", err)
		}
		if len(got) != tt.want {
			t.Errorf("ListCollections(%q, %v) = %d rows, want %d", tt.account, tt.resource, len(got), tt.want)
		}
	}
}

func TestCollectionDeviceMapping(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCollection(t, s)

	if _, err := s.GetCollectionByDeviceID(ctx, 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	dev := int64(42)
	if err := s.SetCollectionDeviceID(ctx, c.ID, &dev); err != nil {
		t.Fatalf("SetCollectionDeviceID: %v", err)
	}
	got, err := s.GetCollectionByDeviceID(ctx, 42)
	if err != nil {
		t.Fatalf("GetCollectionByDeviceID: %v", err)
	}
	if got.ID != c.ID || got.DeviceID == nil || *got.DeviceID != 42 {
		t.Errorf("got %+v", got)
	}
}

func TestDeleteCollection_Cascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCollection(t, s)
	it := seedItem(t, s, c.ID, "a")

	if err := s.DeleteCollection(ctx, c.ID); err != nil {
		t.Fatalf("DeleteCollection: %v", err)
	}
	if _, err := s.GetItem(ctx, it.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("item survived collection delete: err = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

func TestTouchAndResetTokens(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCollection(t, s)

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := s.SaveCollectionTags(ctx, c.ID, "c1", "t1", at); err != nil {
		t.Fatal(err)
	}
	later := at.Add(time.Hour)
	if err := s.TouchCollection(ctx, c.ID, later); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetCollection(ctx, c.ID)
	if !got.LastAttempted.Equal(later) || !got.LastSynced.Equal(at) {
		t.Errorf("LastAttempted = %v, LastSynced = %v", got.LastAttempted, got.LastSynced)
	}

	if err := s.ResetSyncToken(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetCollection(ctx, c.ID)
	if got.CTag != "" || got.SyncToken != "" {
		t.Errorf("tokens = %q/%q, want empty", got.CTag, got.SyncToken)
	}
}

// ---------------------------------------------------------------------------
// Items
// ---------------------------------------------------------------------------

func TestItemLookups(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCollection(t, s)
	it := seedItem(t, s, c.ID, "uid-1")

	byUID, err := s.GetItemByUID(ctx, c.ID, "uid-1")
	if err != nil {
		t.Fatalf("GetItemByUID: %v", err)
	}
	if byUID.ID != it.ID || byUID.Title != "Standup" {
		t.Errorf("GetItemByUID = %+v", byUID)
	}
	byHref, err := s.GetItemByHref(ctx, c.ID, it.Href)
	if err != nil || byHref.ID != it.ID {
		t.Errorf("GetItemByHref = %v, %v", byHref, err)
	}
	if _, err := s.GetItemByHref(ctx, c.ID, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty href err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetItemByUID(ctx, c.ID, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing uid err = %v, want ErrNotFound", err)
	}
}

func TestMarkDeleted_HidesFromReadPaths(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCollection(t, s)
	it := seedItem(t, s, c.ID, "gone")

	if err := s.MarkDeleted(ctx, it.ID, time.Now()); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}

	visible, _ := s.ListItems(ctx, c.ID)
	if len(visible) != 0 {
		t.Errorf("ListItems = %d, want 0", len(visible))
	}
	if _, err := s.GetItemByUID(ctx, c.ID, "gone"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetItemByUID err = %v, want ErrNotFound", err)
	}
	found, err := s.FindItemByUID(ctx, c.ID, "gone")
	if err != nil || !found.Deleted {
		t.Errorf("FindItemByUID = %+v, %v; want tombstone", found, err)
	}
	deleted, _ := s.ListDeleted(ctx, c.ID)
	if len(deleted) != 1 {
		t.Errorf("ListDeleted = %d, want 1", len(deleted))
	}
}

func TestMarkSynced_ClearsDirtyWhenRevisionUnchanged(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCollection(t, s)
	it := seedItem(t, s, c.ID, "u")

	if err := s.SaveLocalEdit(ctx, it.ID, []byte("v2"), model.Meta{Title: "Edited"}); err != nil {
		t.Fatal(err)
	}
	dirty, _ := s.ListDirty(ctx, c.ID)
	if len(dirty) != 1 || dirty[0].LocalRev != 1 {
		t.Fatalf("ListDirty = %+v", dirty)
	}

	cleared, err := s.MarkSynced(ctx, it.ID, dirty[0].LocalRev, it.Href, `"2"`)
	if err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	if !cleared {
		t.Error("cleared = false, want true")
	}
	got, _ := s.GetItem(ctx, it.ID)
	if got.Dirty || got.ETag != `"2"` {
		t.Errorf("after sync: dirty=%v etag=%q", got.Dirty, got.ETag)
	}
}

func TestMarkSynced_KeepsDirtyOnConcurrentEdit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCollection(t, s)
	it := seedItem(t, s, c.ID, "u")

	_ = s.SaveLocalEdit(ctx, it.ID, []byte("v2"), model.Meta{})
	uploading, _ := s.GetItem(ctx, it.ID)

	// Edit lands while the upload of rev 1 is in flight.
	_ = s.SaveLocalEdit(ctx, it.ID, []byte("v3"), model.Meta{})

	cleared, err := s.MarkSynced(ctx, it.ID, uploading.LocalRev, it.Href, `"2"`)
	if err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	if cleared {
		t.Error("cleared = true, want false")
	}
	got, _ := s.GetItem(ctx, it.ID)
	if !got.Dirty {
		t.Error("concurrent edit lost: dirty cleared")
	}
	if got.ETag != `"2"` {
		t.Errorf("ETag = %q, want new etag recorded", got.ETag)
	}
}

func TestApplyRemote_ClearsFlags(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCollection(t, s)
	it := seedItem(t, s, c.ID, "u")
	_ = s.SaveLocalEdit(ctx, it.ID, []byte("local"), model.Meta{})

	start := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	meta := model.Meta{Title: "Remote", StartsAt: &start, ModifiedAt: start}
	if err := s.ApplyRemote(ctx, it.ID, it.Href, `"9"`, []byte("remote"), meta); err != nil {
		t.Fatalf("ApplyRemote: %v", err)
	}
	got, _ := s.GetItem(ctx, it.ID)
	if got.Dirty || got.Deleted {
		t.Errorf("flags = dirty:%v deleted:%v, want clean", got.Dirty, got.Deleted)
	}
	if string(got.Payload) != "remote" || got.Title != "Remote" {
		t.Errorf("payload = %q title = %q", got.Payload, got.Title)
	}
	if got.StartsAt == nil || !got.StartsAt.Equal(start) {
		t.Errorf("StartsAt = %v", got.StartsAt)
	}
}

func TestItemDeviceMapping(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCollection(t, s)
	it := seedItem(t, s, c.ID, "u")

	dev := int64(7)
	if err := s.SetItemDeviceID(ctx, it.ID, &dev); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetItemByDeviceID(ctx, c.ID, 7)
	if err != nil || got.ID != it.ID {
		t.Errorf("GetItemByDeviceID = %v, %v", got, err)
	}
}

// ---------------------------------------------------------------------------
// Conflicts
// ---------------------------------------------------------------------------

func TestConflictLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCollection(t, s)
	it := seedItem(t, s, c.ID, "u")
	_ = s.SaveLocalEdit(ctx, it.ID, []byte("local"), model.Meta{})

	conf := &Conflict{
		ItemID:        it.ID,
		RemoteETag:    `"5"`,
		RemotePayload: []byte("remote"),
		DetectedAt:    time.Now(),
	}
	if err := s.SaveConflict(ctx, conf); err != nil {
		t.Fatalf("SaveConflict: %v", err)
	}

	dirty, _ := s.ListDirty(ctx, c.ID)
	if len(dirty) != 1 || !dirty[0].Conflicted {
		t.Fatalf("ListDirty = %+v, want one conflicted item", dirty)
	}
	stats, err := s.CollectionStats(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Items != 1 || stats.Dirty != 1 || stats.Conflicts != 1 {
		t.Errorf("stats = %+v", stats)
	}

	all, _ := s.ListConflicts(ctx, 0)
	if len(all) != 1 || string(all[0].RemotePayload) != "remote" {
		t.Errorf("ListConflicts = %+v", all)
	}

	if err := s.DeleteConflict(ctx, it.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetConflict(ctx, it.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteItem_DropsConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCollection(t, s)
	it := seedItem(t, s, c.ID, "u")
	_ = s.SaveConflict(ctx, &Conflict{ItemID: it.ID})

	if err := s.DeleteItem(ctx, it.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetConflict(ctx, it.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("conflict survived item delete: %v", err)
	}
}
