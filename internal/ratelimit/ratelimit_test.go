package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(start time.Time) (*Limiter, *time.Time) {
	l := New(Config{
		GlobalMinInterval: 100 * time.Millisecond,
		PerKeyMinInterval: 500 * time.Millisecond,
		LockTimeout:       2 * time.Second,
	})
	cur := start
	l.now = func() time.Time { return cur }
	return l, &cur
}

func TestTryAcquireSucceedsFirstTime(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(time.Unix(0, 0))
	if !l.TryAcquire("T1") {
		t.Fatal("expected first acquire to succeed")
	}
}

func TestTryAcquireRefusedWhileLocked(t *testing.T) {
	t.Parallel()
	l, cur := newTestLimiter(time.Unix(0, 0))
	if !l.TryAcquire("T1") {
		t.Fatal("expected acquire to succeed")
	}
	*cur = cur.Add(10 * time.Millisecond)
	if l.TryAcquire("T1") {
		t.Error("expected second acquire to be refused while lock held")
	}
}

func TestStaleLockRecovery(t *testing.T) {
	t.Parallel()
	l, cur := newTestLimiter(time.Unix(0, 0))
	if !l.TryAcquire("T1") {
		t.Fatal("expected acquire to succeed")
	}
	// Advance well past both lock timeout and min intervals without release.
	*cur = cur.Add(3 * time.Second)
	if !l.TryAcquire("T1") {
		t.Error("expected stale lock to be recovered and reacquired")
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	t.Parallel()
	l, cur := newTestLimiter(time.Unix(0, 0))
	if !l.TryAcquire("T1") {
		t.Fatal("expected acquire to succeed")
	}
	l.Release("T1")
	*cur = cur.Add(600 * time.Millisecond) // past per-key and global intervals
	if !l.TryAcquire("T1") {
		t.Error("expected reacquire after release and elapsed interval")
	}
}

func TestGlobalMinIntervalAppliesAcrossKeys(t *testing.T) {
	t.Parallel()
	l, cur := newTestLimiter(time.Unix(0, 0))
	if !l.TryAcquire("T1") {
		t.Fatal("expected first key to acquire")
	}
	l.Release("T1")
	*cur = cur.Add(10 * time.Millisecond) // within global min interval
	if l.TryAcquire("T2") {
		t.Error("expected second key to be refused by global min interval")
	}
}

func TestPerKeyMinIntervalIndependentAcrossKeys(t *testing.T) {
	t.Parallel()
	l, cur := newTestLimiter(time.Unix(0, 0))
	if !l.TryAcquire("T1") {
		t.Fatal("expected first key to acquire")
	}
	l.Release("T1")
	*cur = cur.Add(200 * time.Millisecond) // past global interval, within per-key
	if !l.TryAcquire("T2") {
		t.Error("expected distinct key to acquire once global interval has passed")
	}
}

func TestCleanupRemovesOldUnlockedEntries(t *testing.T) {
	t.Parallel()
	l, cur := newTestLimiter(time.Unix(0, 0))
	if !l.TryAcquire("T1") {
		t.Fatal("expected acquire to succeed")
	}
	l.Release("T1")
	if l.Len() != 1 {
		t.Fatalf("expected 1 tracked key, got %d", l.Len())
	}
	*cur = cur.Add(2 * time.Hour)
	l.Cleanup()
	if l.Len() != 0 {
		t.Errorf("expected cleanup to remove stale entry, got %d remaining", l.Len())
	}
}

func TestCleanupSparesLockedEntries(t *testing.T) {
	t.Parallel()
	l, cur := newTestLimiter(time.Unix(0, 0))
	if !l.TryAcquire("T1") {
		t.Fatal("expected acquire to succeed")
	}
	*cur = cur.Add(2 * time.Hour)
	l.Cleanup()
	if l.Len() != 1 {
		t.Error("expected held lock to survive cleanup")
	}
}

func TestRefusedCountIncrements(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(time.Unix(0, 0))
	l.TryAcquire("T1")
	l.TryAcquire("T1")
	l.TryAcquire("T1")
	if l.RefusedCount() != 2 {
		t.Errorf("RefusedCount() = %d, want 2", l.RefusedCount())
	}
}
