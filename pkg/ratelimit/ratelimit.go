package ratelimit

import (
	"sync"
	"time"

	"github.com/StephTapera/amenchat/pkg/constant"
)

// Limiter bounds send frequency per user with a sliding window of timestamps.
// The window is device-local: cross-device abuse is a server-side concern.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	sends  map[string][]time.Time
	now    func() time.Time
}

// New creates a Limiter allowing limit sends per window
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = constant.RateLimitMaxSends
	}
	if window <= 0 {
		window = constant.RateLimitWindowSeconds * time.Second
	}
	return &Limiter{
		limit:  limit,
		window: window,
		sends:  make(map[string][]time.Time),
		now:    time.Now,
	}
}

// SetClock overrides the time source, used in tests
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// CanSend reports whether userId may send right now
func (l *Limiter) CanSend(userId string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pruneLocked(userId)) < l.limit
}

// RecordSend records a send for userId
func (l *Limiter) RecordSend(userId string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sends[userId] = append(l.pruneLocked(userId), l.now())
}

// RetryAfter returns how long userId must wait before the next send is
// allowed. Zero means a send is allowed immediately.
func (l *Limiter) RetryAfter(userId string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.pruneLocked(userId)
	if len(recent) < l.limit {
		return 0
	}
	oldest := recent[len(recent)-l.limit]
	wait := oldest.Add(l.window).Sub(l.now())
	if wait < 0 {
		return 0
	}
	return wait
}

// pruneLocked drops timestamps older than the window. Caller holds mu.
func (l *Limiter) pruneLocked(userId string) []time.Time {
	cutoff := l.now().Add(-l.window)
	recent := l.sends[userId][:0]
	for _, t := range l.sends[userId] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) == 0 {
		delete(l.sends, userId)
		return nil
	}
	l.sends[userId] = recent
	return recent
}
