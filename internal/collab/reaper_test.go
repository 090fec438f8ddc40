package collab

import (
	"testing"
	"time"
)

func TestReaperStaleScan(t *testing.T) {
	reg := NewRoomRegistry(0)
	reaper := NewHeartbeatReaper(reg, 30*time.Second)

	if reaper.Timeout() != 90*time.Second {
		t.Fatalf("expected 90s timeout, got %s", reaper.Timeout())
	}

	now := time.Now()
	hStale, _ := joinedHandle(t, reg, "j1", "u1")
	hFresh, _ := joinedHandle(t, reg, "j1", "u2")

	hStale.touch(now.Add(-2 * time.Minute))
	hFresh.touch(now.Add(-1 * time.Minute))

	stale := reaper.Stale(now)
	if len(stale) != 1 {
		t.Fatalf("expected 1 stale connection, got %d", len(stale))
	}
	if stale[0].ID() != hStale.ID() {
		t.Errorf("wrong connection flagged stale")
	}
}

func TestReaperExactBoundaryIsNotStale(t *testing.T) {
	reg := NewRoomRegistry(0)
	reaper := NewHeartbeatReaper(reg, 30*time.Second)

	now := time.Now()
	h, _ := joinedHandle(t, reg, "j1", "u1")
	h.touch(now.Add(-90 * time.Second))

	// Staleness requires strictly exceeding the timeout.
	if got := reaper.Stale(now); len(got) != 0 {
		t.Fatalf("connection exactly at the timeout must not be evicted")
	}
}

func TestReaperScanDoesNotEvict(t *testing.T) {
	reg := NewRoomRegistry(0)
	reaper := NewHeartbeatReaper(reg, time.Second)

	h, _ := joinedHandle(t, reg, "j1", "u1")
	h.touch(time.Now().Add(-time.Hour))

	_ = reaper.Stale(time.Now())
	if reg.TotalConnections() != 1 {
		t.Fatalf("Stale must be a pure scan; membership changed")
	}
}

func TestReaperDefaultInterval(t *testing.T) {
	reaper := NewHeartbeatReaper(NewRoomRegistry(0), 0)
	if reaper.Timeout() != 3*DefaultHeartbeatInterval {
		t.Fatalf("expected default timeout %s, got %s", 3*DefaultHeartbeatInterval, reaper.Timeout())
	}
}
