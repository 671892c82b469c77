package handlers

import (
	"strings"
	"sync"
	"time"
)

// buyerThrottle caps how often one buyer may hit an endpoint that calls a payment provider.
type buyerThrottle interface {
	Allow(buyerID string) (bool, time.Duration)
}

type fixedWindowThrottle struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]throttleWindow
}

type throttleWindow struct {
	hits    int
	resetAt time.Time
}

func newFixedWindowThrottle(limit int, window time.Duration, clock func() time.Time) buyerThrottle {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &fixedWindowThrottle{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]throttleWindow),
	}
}

// Allow records a hit and reports whether it fits the window, plus the wait until the next slot.
func (t *fixedWindowThrottle) Allow(buyerID string) (bool, time.Duration) {
	key := strings.TrimSpace(buyerID)
	if key == "" {
		key = "anonymous"
	}
	now := t.clock()

	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[key]
	if !ok || !now.Before(w.resetAt) {
		t.windows[key] = throttleWindow{hits: 1, resetAt: now.Add(t.window)}
		t.evictExpiredLocked(now)
		return true, 0
	}
	if w.hits >= t.limit {
		return false, w.resetAt.Sub(now)
	}
	w.hits++
	t.windows[key] = w
	return true, 0
}

func (t *fixedWindowThrottle) evictExpiredLocked(now time.Time) {
	for key, w := range t.windows {
		if !now.Before(w.resetAt) {
			delete(t.windows, key)
		}
	}
}
