package ratelimit

import (
	"context"
	"sync"
	"time"
)

// defaultCleanupThreshold is the tracked-identifier count above which the
// store attempts an eviction pass for fully-expired windows.
const defaultCleanupThreshold = 1024

// MemoryStore keeps sliding windows in process memory. Limits enforced by
// this store are per-instance: each gateway process counts independently.
//
// The window index is a plain map under a short-lived global lock; the
// timestamp log of each window has its own mutex so hot identifiers only
// contend with themselves. Expired windows are swept once the identifier
// count crosses the cleanup threshold, at most once per cleanup interval.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window

	cleanupThreshold int
	cleanupInterval  time.Duration
	lastCleanup      time.Time

	now func() time.Time
}

type window struct {
	mu    sync.Mutex
	calls []time.Time
}

// NewMemoryStore creates an in-process sliding-window store.
func NewMemoryStore(cleanupThreshold int, cleanupInterval time.Duration) *MemoryStore {
	if cleanupThreshold <= 0 {
		cleanupThreshold = defaultCleanupThreshold
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	return &MemoryStore{
		windows:          make(map[string]*window),
		cleanupThreshold: cleanupThreshold,
		cleanupInterval:  cleanupInterval,
		now:              time.Now,
	}
}

// Take implements Store.
func (s *MemoryStore) Take(_ context.Context, key string, limit int64, windowLen time.Duration) (*Result, error) {
	now := s.now()

	s.mu.Lock()
	// Sweep before touching the caller's window: the sweep must never see
	// the window being served, or it could reap it between creation and
	// the recording below.
	s.maybeCleanupLocked(now, windowLen)
	w, ok := s.windows[key]
	if !ok {
		w = &window{}
		s.windows[key] = w
	}
	// Lock the window while still holding the map lock so a concurrent
	// sweep (which TryLocks) skips it.
	w.mu.Lock()
	s.mu.Unlock()
	defer w.mu.Unlock()

	cutoff := now.Add(-windowLen)
	w.calls = pruneBefore(w.calls, cutoff)

	count := int64(len(w.calls))
	if count < limit {
		w.calls = append(w.calls, now)
		// Reset is when the oldest surviving call leaves the window, the
		// earliest instant capacity frees up.
		return &Result{
			Allowed:    true,
			Remaining:  limit - count - 1,
			Limit:      limit,
			ResetAfter: w.calls[0].Add(windowLen).Sub(now),
		}, nil
	}

	// Rejected calls are not recorded, so the retry point depends only on
	// calls that were actually admitted.
	retryAfter := w.calls[0].Add(windowLen).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &Result{
		Allowed:    false,
		RetryAfter: retryAfter,
		Remaining:  0,
		Limit:      limit,
		ResetAfter: retryAfter,
	}, nil
}

// maybeCleanupLocked sweeps fully-expired windows. Caller holds s.mu.
// The sweep only locks windows opportunistically; a window busy serving a
// request is skipped and picked up next pass.
func (s *MemoryStore) maybeCleanupLocked(now time.Time, windowLen time.Duration) {
	if len(s.windows) <= s.cleanupThreshold {
		return
	}
	if now.Sub(s.lastCleanup) < s.cleanupInterval {
		return
	}
	s.lastCleanup = now

	cutoff := now.Add(-windowLen)
	for key, w := range s.windows {
		if !w.mu.TryLock() {
			continue
		}
		w.calls = pruneBefore(w.calls, cutoff)
		empty := len(w.calls) == 0
		w.mu.Unlock()
		if empty {
			delete(s.windows, key)
		}
	}
}

// Len reports the number of tracked identifiers. Test hook.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = make(map[string]*window)
	return nil
}

// pruneBefore drops timestamps older than cutoff. The slice is in append
// order, so the survivors are a suffix.
func pruneBefore(calls []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(calls) && !calls[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return calls
	}
	n := copy(calls, calls[i:])
	return calls[:n]
}
