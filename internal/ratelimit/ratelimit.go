// Package ratelimit bounds how many inbound messages one customer may send per window.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Defaults: 30 messages per 60 seconds.
const (
	DefaultLimit  = 30
	DefaultWindow = 60 * time.Second
)

// Limiter decides whether another event for key is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryLimiter is a process-local fixed-window counter per key.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	start time.Time
	count int
}

var _ Limiter = (*MemoryLimiter)(nil)

// NewMemoryLimiter creates a fixed-window limiter. Non-positive arguments use the defaults.
func NewMemoryLimiter(limit int, per time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if per <= 0 {
		per = DefaultWindow
	}
	return &MemoryLimiter{limit: limit, window: per, now: time.Now, windows: make(map[string]*window)}
}

// Allow counts one event for key and reports whether it fits in the current window.
func (l *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := l.now()
	start := now.Truncate(l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[key]
	if !ok || !w.start.Equal(start) {
		w = &window{start: start}
		l.windows[key] = w
	}
	if w.count >= l.limit {
		return false, nil
	}
	w.count++
	return true, nil
}

// Sweep drops counters whose window has passed.
func (l *MemoryLimiter) Sweep() int {
	current := l.now().Truncate(l.window)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, w := range l.windows {
		if w.start.Before(current) {
			delete(l.windows, k)
			removed++
		}
	}
	return removed
}

// Run sweeps stale counters once per window until ctx is cancelled.
func (l *MemoryLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				slog.Debug("MemoryLimiter.Run: dropped stale windows", "count", n)
			}
		}
	}
}
