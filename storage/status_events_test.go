package storage

import (
	"errors"
	"testing"
)

func TestLogAndQueryStatusEvents(t *testing.T) {
	store := newTestStore(t)
	now := nowUnixMilli()
	discovered := "discovered"

	if err := store.LogStatusEvent(StatusEvent{
		PeerID:    "p1",
		ToStatus:  "discovered",
		Timestamp: now - 2_000,
	}); err != nil {
		t.Fatalf("LogStatusEvent discovered failed: %v", err)
	}
	if err := store.LogStatusEvent(StatusEvent{
		PeerID:     "p1",
		FromStatus: &discovered,
		ToStatus:   "error",
		Detail:     "10.0.0.9:8080: connection refused",
		Timestamp:  now - 1_000,
	}); err != nil {
		t.Fatalf("LogStatusEvent error failed: %v", err)
	}
	if err := store.LogStatusEvent(StatusEvent{
		PeerID:    "p2",
		ToStatus:  "connected",
		Timestamp: now,
	}); err != nil {
		t.Fatalf("LogStatusEvent p2 failed: %v", err)
	}

	all, err := store.GetStatusEvents(StatusEventFilter{PeerID: "p1", Limit: 10})
	if err != nil {
		t.Fatalf("GetStatusEvents failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 events for p1, got %d", len(all))
	}
	if all[0].ToStatus != "error" || all[0].FromStatus == nil || *all[0].FromStatus != "discovered" {
		t.Fatalf("expected newest transition first, got %+v", all[0])
	}
	if all[1].FromStatus != nil {
		t.Fatalf("expected nil from status on first transition, got %v", *all[1].FromStatus)
	}

	errorsOnly, err := store.GetStatusEvents(StatusEventFilter{ToStatus: "error"})
	if err != nil {
		t.Fatalf("GetStatusEvents filtered failed: %v", err)
	}
	if len(errorsOnly) != 1 || errorsOnly[0].Detail != "10.0.0.9:8080: connection refused" {
		t.Fatalf("unexpected filtered events %+v", errorsOnly)
	}

	from := now - 500
	recent, err := store.GetStatusEvents(StatusEventFilter{FromTimestamp: &from})
	if err != nil {
		t.Fatalf("GetStatusEvents by time failed: %v", err)
	}
	if len(recent) != 1 || recent[0].PeerID != "p2" {
		t.Fatalf("unexpected time-filtered events %+v", recent)
	}

	latest, err := store.LatestStatusEvent("p1")
	if err != nil {
		t.Fatalf("LatestStatusEvent failed: %v", err)
	}
	if latest.ToStatus != "error" {
		t.Fatalf("unexpected latest event %+v", latest)
	}
	if _, err := store.LatestStatusEvent("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLogStatusEventValidates(t *testing.T) {
	store := newTestStore(t)

	if err := store.LogStatusEvent(StatusEvent{ToStatus: "connected"}); err == nil {
		t.Fatalf("expected error for missing peer id")
	}
	if err := store.LogStatusEvent(StatusEvent{PeerID: "p1", ToStatus: "bogus"}); err == nil {
		t.Fatalf("expected error for invalid status")
	}
	if _, err := store.GetStatusEvents(StatusEventFilter{ToStatus: "bogus"}); err == nil {
		t.Fatalf("expected error for invalid status filter")
	}
}
