package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter keeps windows in process memory. State is lost on restart
// and not shared between instances.
type MemoryLimiter struct {
	policy Policy
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// Compile-time interface check
var _ Limiter = (*MemoryLimiter)(nil)

// NewMemoryLimiter creates an in-process limiter
func NewMemoryLimiter(policy Policy) *MemoryLimiter {
	return &MemoryLimiter{
		policy:  policy,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// Allow implements Limiter. It never returns an error.
func (l *MemoryLimiter) Allow(_ context.Context, deviceID string) (bool, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[deviceID]
	if !ok || now.After(w.resetAt) {
		l.windows[deviceID] = &window{count: 1, resetAt: now.Add(l.policy.Window)}
		l.sweep(now)
		return true, nil
	}

	if w.count >= l.policy.Limit {
		return false, nil
	}
	w.count++
	return true, nil
}

// sweep drops expired windows once the map grows, so an unbounded set of
// device ids cannot grow it forever
func (l *MemoryLimiter) sweep(now time.Time) {
	if len(l.windows) < 1024 {
		return
	}
	for id, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, id)
		}
	}
}

// Len returns the number of tracked devices
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
