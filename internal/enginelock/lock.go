// Package enginelock implements a fair FIFO mutex keyed by an arbitrary
// lock key, with stale-lock reclamation.
//
// Slots bound global concurrency; this lock bounds per-conversation
// concurrency so that out-of-order scheduling (e.g. a subagent run
// interleaved with a main run on the same resume token) cannot corrupt
// engine state. The lock is deliberately separate from the Scheduler's
// slot pool.
package enginelock

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ErrTimeout is returned by Acquire when the caller's timeout elapses
// before the lock is granted.
type ErrTimeout struct{ Key string }

func (e *ErrTimeout) Error() string { return "enginelock: acquire timeout for key " + e.Key }

// ReleaseFunc releases a lock grant. It is idempotent: calling it more
// than once is a no-op.
type ReleaseFunc func()

// waiter is a single pending acquire request.
type waiter struct {
	ch       chan struct{} // closed when granted
	timedOut bool
	timer    *time.Timer
}

// entry tracks one held lock and its FIFO waiter queue.
type entry struct {
	heldBy     string // opaque owner token, for logging only
	acquiredAt time.Time
	waiters    []*waiter
}

// Config controls stale-lock reclamation.
type Config struct {
	// MaxHold is the age at which a held lock becomes eligible for
	// reclamation regardless of owner liveness. Zero or negative means
	// no age-based reclamation (owner-death detection still applies).
	MaxHold time.Duration

	// ReapInterval is how often the sweep runs. Defaults to
	// min(MaxHold, 30s) if zero and MaxHold > 0.
	ReapInterval time.Duration
}

// Lock is a fair FIFO mutex keyed by string, released either by the
// holder's Release func or on its behalf via ReleaseDead, with periodic
// reclamation of locks held past MaxHold.
type Lock struct {
	mu      sync.Mutex
	entries map[string]*entry
	cfg     Config

	stopReap chan struct{}
	reapOnce sync.Once
}

// New creates a Lock. Call Close to stop the background reaper.
func New(cfg Config) *Lock {
	if cfg.MaxHold > 0 && cfg.ReapInterval <= 0 {
		cfg.ReapInterval = cfg.MaxHold
		if cfg.ReapInterval > 30*time.Second {
			cfg.ReapInterval = 30 * time.Second
		}
	}
	l := &Lock{
		entries:  make(map[string]*entry),
		cfg:      cfg,
		stopReap: make(chan struct{}),
	}
	if cfg.MaxHold > 0 {
		go l.reapLoop()
	}
	return l
}

// Close stops the background sweep. Safe to call multiple times.
func (l *Lock) Close() {
	l.reapOnce.Do(func() { close(l.stopReap) })
}

// Acquire blocks until the key is free or timeout elapses. owner is an
// opaque identifier used only for log messages on reclamation.
func (l *Lock) Acquire(ctx context.Context, key, owner string, timeout time.Duration) (ReleaseFunc, error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		l.entries[key] = &entry{heldBy: owner, acquiredAt: time.Now()}
		l.mu.Unlock()
		return l.releaseFunc(key), nil
	}

	w := &waiter{ch: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	l.mu.Unlock()

	var timerC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timerC = t.C
	}

	select {
	case <-w.ch:
		return l.releaseFunc(key), nil
	case <-timerC:
		l.mu.Lock()
		l.removeWaiter(key, w)
		l.mu.Unlock()
		return nil, &ErrTimeout{Key: key}
	case <-ctx.Done():
		l.mu.Lock()
		l.removeWaiter(key, w)
		l.mu.Unlock()
		return nil, ctx.Err()
	}
}

// removeWaiter deletes w from key's waiter slice. Must be called with l.mu held.
func (l *Lock) removeWaiter(key string, w *waiter) {
	e, ok := l.entries[key]
	if !ok {
		return
	}
	for i, cand := range e.waiters {
		if cand == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

// releaseFunc returns an idempotent release closure for key.
func (l *Lock) releaseFunc(key string) ReleaseFunc {
	var once sync.Once
	return func() {
		once.Do(func() { l.release(key) })
	}
}

// release grants the key to the next waiter, if any, or clears the entry.
func (l *Lock) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked(key)
}

// releaseLocked must be called with l.mu held.
func (l *Lock) releaseLocked(key string) {
	e, ok := l.entries[key]
	if !ok {
		return
	}
	if len(e.waiters) == 0 {
		delete(l.entries, key)
		return
	}
	next := e.waiters[0]
	e.waiters = e.waiters[1:]
	e.acquiredAt = time.Now()
	close(next.ch)
}

// ReleaseDead forcibly releases key as if its current owner died — used
// by callers that monitor run/worker liveness themselves and want to
// reclaim immediately instead of waiting for the periodic sweep.
func (l *Lock) ReleaseDead(key string) {
	l.release(key)
}

func (l *Lock) reapLoop() {
	ticker := time.NewTicker(l.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopReap:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep reclaims locks held past MaxHold, granting them to the next
// waiter (if any) or clearing the entry.
func (l *Lock) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for key, e := range l.entries {
		if l.cfg.MaxHold <= 0 {
			continue
		}
		if now.Sub(e.acquiredAt) < l.cfg.MaxHold {
			continue
		}
		slog.Warn("enginelock: reclaiming stale lock",
			"key", key, "held_by", e.heldBy, "held_for", now.Sub(e.acquiredAt))
		l.releaseLocked(key)
	}
}

// Stats reports point-in-time lock pool occupancy, for admin/status use.
type Stats struct {
	HeldKeys   int
	TotalWaiters int
}

// Stats returns a snapshot of held keys and waiters across all keys.
func (l *Lock) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{HeldKeys: len(l.entries)}
	for _, e := range l.entries {
		s.TotalWaiters += len(e.waiters)
	}
	return s
}
