// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements per-key fixed-window counters for
// admission control. A Limiter holds one window size and limit and
// tracks any number of keys (organization ids, actor ids). Consume
// never blocks: exhaustion is a normal Rejected result carrying the
// time until the window rolls over, not an error.
package ratelimit

import (
	"sync"
	"time"

	"github.com/warden-project/warden/lib/clock"
)

// Result is the outcome of a Consume call.
type Result struct {
	// Allowed is true when the consumption fit within the window
	// limit. When false, nothing was debited.
	Allowed bool

	// RetryAfter is how long until the current window expires and
	// admission resumes. Zero when Allowed.
	RetryAfter time.Duration

	// Remaining is the budget left in the current window after this
	// call.
	Remaining int
}

// Limiter is a fixed-window counter keyed by caller-chosen strings.
// Safe for concurrent use.
type Limiter struct {
	name   string
	limit  int
	window time.Duration
	clock  clock.Clock

	mu      sync.Mutex
	windows map[string]*keyWindow
}

// keyWindow is the counter state for one key. Reset lazily when a
// Consume call observes the window has expired.
type keyWindow struct {
	start time.Time
	count int
}

// New creates a Limiter allowing limit consumptions per key per
// window. The name appears in String and is purely descriptive.
// Panics if limit <= 0, window <= 0, or clk is nil.
func New(name string, limit int, window time.Duration, clk clock.Clock) *Limiter {
	if limit <= 0 {
		panic("ratelimit: limit must be positive")
	}
	if window <= 0 {
		panic("ratelimit: window must be positive")
	}
	if clk == nil {
		panic("ratelimit: clock is required")
	}
	return &Limiter{
		name:    name,
		limit:   limit,
		window:  window,
		clock:   clk,
		windows: make(map[string]*keyWindow),
	}
}

// Name returns the limiter's descriptive name.
func (l *Limiter) Name() string { return l.name }

// Consume attempts to debit cost units from key's current window.
// A rejection debits nothing — there is no partial consumption.
// Opportunistically prunes expired windows for other keys so the map
// does not grow without bound under churning key sets.
func (l *Limiter) Consume(key string, cost int) Result {
	if cost <= 0 {
		cost = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.pruneLocked(now)

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		w = &keyWindow{start: now}
		l.windows[key] = w
	}

	if w.count+cost > l.limit {
		return Result{
			Allowed:    false,
			RetryAfter: w.start.Add(l.window).Sub(now),
			Remaining:  l.limit - w.count,
		}
	}

	w.count += cost
	return Result{Allowed: true, Remaining: l.limit - w.count}
}

// pruneLocked drops windows that expired before now. Called with
// l.mu held. The map holds one entry per active key per window, so a
// full scan on every Consume is cheap at admission-control rates.
func (l *Limiter) pruneLocked(now time.Time) {
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.window {
			delete(l.windows, key)
		}
	}
}
