package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return openTestStore(t, filepath.Join(t.TempDir(), DefaultDBFileName), Options{})
}

func openTestStore(t *testing.T, dbPath string, opts Options) *Store {
	t.Helper()

	store, err := OpenPath(dbPath, opts)
	if err != nil {
		t.Fatalf("open store at %s: %v", dbPath, err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

// agedEvent is a status event stamped age before now.
func agedEvent(peerID, status string, age time.Duration) StatusEvent {
	return StatusEvent{
		PeerID:    peerID,
		ToStatus:  status,
		Timestamp: time.Now().Add(-age).UnixMilli(),
	}
}

func countEvents(t *testing.T, store *Store, peerID string) int {
	t.Helper()
	events, err := store.GetStatusEvents(StatusEventFilter{PeerID: peerID})
	if err != nil {
		t.Fatalf("GetStatusEvents failed: %v", err)
	}
	return len(events)
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}
