package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow caps events in a rolling time window. Unlike the token
// bucket used for HTTP clients, callers here never queue: when the
// window is full the event is simply skipped, so Allow answers
// immediately and records the event only on admission.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	times  []time.Time
	now    func() time.Time // overridable for tests
}

// NewSlidingWindow creates a window admitting at most limit events per
// window duration.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow admits the event if the window has room, recording it.
func (w *SlidingWindow) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)

	if len(w.times) >= w.limit {
		return false
	}
	w.times = append(w.times, now)
	return true
}

// Remaining reports how many events the window can still admit.
func (w *SlidingWindow) Remaining() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(w.now())
	return w.limit - len(w.times)
}

// prune drops events older than the window. Caller holds w.mu.
func (w *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	start := 0
	for start < len(w.times) && !w.times[start].After(cutoff) {
		start++
	}
	if start > 0 {
		w.times = w.times[start:]
	}
}
