package sync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestScheduler_RunSync(t *testing.T) {
	h := newOrchHarness(t)
	h.srv.PutObject(h.calURL, "e1.ics", event("e1", "Meeting", t0))
	s := NewScheduler(h.orch, testLogger)

	rep, err := s.RunSync(context.Background(), Request{})
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if len(rep.Rows) != 2 || rep.Err() != nil {
		t.Errorf("report = %+v, want two successful rows", rep.Rows)
	}
}

func TestScheduler_TriggerRunsInBackground(t *testing.T) {
	h := newOrchHarness(t)
	s := NewScheduler(h.orch, testLogger)

	ctx, cancel := context.WithCancel(context.Background())
	s.Trigger(ctx, Request{AccountID: "acct"})
	cancel() // the triggered run outlives its caller

	deadline := time.Now().Add(5 * time.Second)
	for h.observer.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("observed %s, want two rows", h.observer)
		}
		time.Sleep(5 * time.Millisecond)
	}
	for _, row := range h.observer.rows {
		if row.Outcome != OutcomeSucceeded {
			t.Errorf("%s outcome = %v, want succeeded", row.Resource, row.Outcome)
		}
	}
}

func TestScheduler_RunStartsImmediatelyAndStops(t *testing.T) {
	h := newOrchHarness(t)
	s := NewScheduler(h.orch, testLogger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, nil) }()

	deadline := time.Now().Add(5 * time.Second)
	for h.observer.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("no initial sync run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
