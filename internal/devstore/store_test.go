package devstore

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
	s, err := Open(filepath.Join(t.TempDir(), "device.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedCollection(t *testing.T, s *Store) *Collection {
	t.Helper()
	c := &Collection{AccountID: "acct", Resource: model.ResourceCalendar, Name: "Work", Visible: true}
	if err := s.CreateCollection(context.Background(), c); err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	return c
}

func TestAppWrites_SetDirtyAndPublish(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCollection(t, s)

	events := make(chan Event, 10)
	s.Subscribe(events)

	row := &Row{CollectionID: c.ID, UID: "u1", Title: "Dentist", Payload: []byte("x")}
	if err := s.InsertRow(ctx, row); err != nil {
		t.Fatalf("InsertRow: %v", err)
	}
	row.Title = "Dentist (moved)"
	row.ModifiedAt = time.Time{}
	if err := s.UpdateRow(ctx, row); err != nil {
		t.Fatalf("UpdateRow: %v", err)
	}
	if err := s.DeleteRow(ctx, row.ID); err != nil {
		t.Fatalf("DeleteRow: %v", err)
	}

	if got := len(events); got != 3 {
		t.Fatalf("events = %d, want 3", got)
	}
	ev := <-events
	if ev.CollectionID != c.ID || ev.RowID != row.ID {
		t.Errorf("event = %+v", ev)
	}

	dirty, err := s.DirtyCollections(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dirty) != 1 || dirty[0] != c.ID {
		t.Errorf("DirtyCollections = %v, want [%d]", dirty, c.ID)
	}
	changed, _ := s.ChangedRows(ctx, c.ID)
	if len(changed) != 1 || !changed[0].Deleted {
		t.Errorf("ChangedRows = %+v", changed)
	}
	visible, _ := s.ListRows(ctx, c.ID)
	if len(visible) != 0 {
		t.Errorf("ListRows = %d rows, want tombstone hidden", len(visible))
	}
}

func TestUpsertRows_CleanAndSilent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCollection(t, s)

	events := make(chan Event, 10)
	s.Subscribe(events)

	rows := []*Row{
		{UID: "a", Title: "A"},
		{UID: "b", Title: "B"},
	}
	failed, err := s.UpsertRows(ctx, c.ID, rows)
	if err != nil || len(failed) != 0 {
		t.Fatalf("UpsertRows: failed=%v err=%v", failed, err)
	}
	if rows[0].ID == 0 || rows[1].ID == 0 {
		t.Error("UpsertRows did not assign IDs")
	}
	if len(events) != 0 {
		t.Errorf("sync-adapter writes published %d events", len(events))
	}
	if dirty, _ := s.DirtyCollections(ctx); len(dirty) != 0 {
		t.Errorf("DirtyCollections = %v, want none", dirty)
	}

	rows[0].Title = "A2"
	if _, err := s.UpsertRows(ctx, c.ID, rows[:1]); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetRow(ctx, rows[0].ID)
	if got.Title != "A2" || got.Dirty {
		t.Errorf("row = %+v", got)
	}
}

func TestUpsertRows_SkipsLocallyModified(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCollection(t, s)

	row := &Row{UID: "a", Title: "synced"}
	_, _ = s.UpsertRows(ctx, c.ID, []*Row{row})

	edit := *row
	edit.Title = "user edit"
	edit.ModifiedAt = time.Time{}
	if err := s.UpdateRow(ctx, &edit); err != nil {
		t.Fatal(err)
	}

	incoming := &Row{ID: row.ID, UID: "a", Title: "server"}
	failed, err := s.UpsertRows(ctx, c.ID, []*Row{incoming})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || !errors.Is(failed[0].Err, ErrLocallyModified) {
		t.Fatalf("failed = %+v, want ErrLocallyModified", failed)
	}
	got, _ := s.GetRow(ctx, row.ID)
	if got.Title != "user edit" {
		t.Errorf("Title = %q, user edit overwritten", got.Title)
	}
}

func TestUpsertRows_RematerialisesVanishedRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCollection(t, s)

	row := &Row{UID: "a"}
	_, _ = s.UpsertRows(ctx, c.ID, []*Row{row})
	oldID := row.ID
	if err := s.DeleteRows(ctx, []int64{oldID}); err != nil {
		t.Fatal(err)
	}

	failed, err := s.UpsertRows(ctx, c.ID, []*Row{row})
	if err != nil || len(failed) != 0 {
		t.Fatalf("UpsertRows: %v %v", failed, err)
	}
	if row.ID == oldID || row.ID == 0 {
		t.Errorf("ID = %d, want a fresh row", row.ID)
	}
}

func TestUpsertRows_UnknownCollection(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.UpsertRows(context.Background(), 99, []*Row{{UID: "x"}}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestClearChanged_RaceKeepsNewerEdit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCollection(t, s)

	row := &Row{CollectionID: c.ID, UID: "a", ModifiedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	if err := s.InsertRow(ctx, row); err != nil {
		t.Fatal(err)
	}
	collected, _ := s.ChangedRows(ctx, c.ID)

	// A second edit lands after collection read the row.
	again := *row
	again.ModifiedAt = time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC)
	if err := s.UpdateRow(ctx, &again); err != nil {
		t.Fatal(err)
	}

	if err := s.ClearChanged(ctx, collected[0]); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetRow(ctx, row.ID)
	if !got.Dirty {
		t.Error("newer edit lost its dirty bit")
	}

	latest, _ := s.ChangedRows(ctx, c.ID)
	if err := s.ClearChanged(ctx, latest[0]); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetRow(ctx, row.ID)
	if got.Dirty {
		t.Error("dirty bit not cleared")
	}
}

func TestCollections(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := seedCollection(t, s)

	c.Name = "Renamed"
	c.Visible = false
	if err := s.UpdateCollection(ctx, c); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetCollection(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Renamed" || got.Visible || got.Resource != model.ResourceCalendar {
		t.Errorf("collection = %+v", got)
	}

	_, _ = s.UpsertRows(ctx, c.ID, []*Row{{UID: "a"}})
	if err := s.DeleteCollection(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetCollection(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	all, _ := s.ListCollections(ctx)
	if len(all) != 0 {
		t.Errorf("ListCollections = %d", len(all))
	}
}

func TestWatcher_ExternalWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Close() }()

	events := make(chan Event, 10)
	w, err := NewWatcher(path, events, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = w.Stop() }()

	// A second handle stands in for another process.
	other, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = other.Close() }()
	if err := other.CreateCollection(context.Background(), &Collection{AccountID: "x", Resource: model.ResourceTaskList}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev.CollectionID != 0 {
			t.Errorf("file event carried collection %d", ev.CollectionID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event for external write")
	}
}
