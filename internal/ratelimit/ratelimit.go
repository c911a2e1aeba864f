// Package ratelimit implements the single-flight, global-plus-per-key
// throttle that gates every outbound REST pull. It generalizes the
// teacher's continuous-refill token bucket (internal/exchange/ratelimit.go)
// into the check-and-update contract the Pull Fallback needs: a boolean
// try_acquire that folds a stale in-flight lock, a global cooldown, and a
// per-token cooldown into one atomic decision, paired with an explicit
// release.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is the rate limiter described above. Zero value is not usable;
// construct with New.
type Limiter struct {
	mu sync.Mutex

	globalMinInterval time.Duration
	perKeyMinInterval time.Duration
	lockTimeout       time.Duration
	cleanupAge        time.Duration

	now func() time.Time

	globalLastCall time.Time
	entries        map[string]*entry

	refusedCount int64
}

type entry struct {
	lastCall   time.Time
	lockedAt   time.Time
	lockHeld   bool
}

// Config bundles the three tunable intervals. CleanupAge defaults to one
// hour if zero.
type Config struct {
	GlobalMinInterval time.Duration
	PerKeyMinInterval time.Duration
	LockTimeout       time.Duration
	CleanupAge        time.Duration
}

// New constructs a Limiter using the real wall clock.
func New(cfg Config) *Limiter {
	cleanup := cfg.CleanupAge
	if cleanup == 0 {
		cleanup = time.Hour
	}
	return &Limiter{
		globalMinInterval: cfg.GlobalMinInterval,
		perKeyMinInterval: cfg.PerKeyMinInterval,
		lockTimeout:       cfg.LockTimeout,
		cleanupAge:        cleanup,
		now:               time.Now,
		entries:           make(map[string]*entry),
	}
}

// TryAcquire implements the five-step check-and-update described in the
// package doc. It is O(1) and holds the limiter's mutex for its duration.
func (l *Limiter) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}

	if e.lockHeld {
		if now.Sub(e.lockedAt) < l.lockTimeout {
			l.refusedCount++
			return false
		}
		// Stale-lock recovery: treat as if released and continue.
		e.lockHeld = false
	}

	if !l.globalLastCall.IsZero() && now.Sub(l.globalLastCall) < l.globalMinInterval {
		l.refusedCount++
		return false
	}
	if !e.lastCall.IsZero() && now.Sub(e.lastCall) < l.perKeyMinInterval {
		l.refusedCount++
		return false
	}

	l.globalLastCall = now
	e.lastCall = now
	e.lockHeld = true
	e.lockedAt = now
	return true
}

// Release clears key's in-flight lock. Safe to call whether or not
// TryAcquire for key ever returned true (a no-op on an absent/unlocked
// key), which keeps call sites' defer-release simple.
func (l *Limiter) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok {
		e.lockHeld = false
	}
}

// Cleanup removes entries whose last call predates cleanupAge. Intended to
// be invoked periodically by the owner (engine.Cleanup, driven by the
// cleanup ticker in cmd/bot).
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for k, e := range l.entries {
		if e.lockHeld {
			continue
		}
		if now.Sub(e.lastCall) > l.cleanupAge {
			delete(l.entries, k)
		}
	}
}

// RefusedCount returns the cumulative number of TryAcquire calls that
// returned false, for metrics.
func (l *Limiter) RefusedCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refusedCount
}

// Len reports the number of tracked keys, for tests and metrics.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
