// Package ratelimit provides the per-connection sliding-window admission
// counter. Cost is linear in the number of requests inside one window, which
// is fine at the tens-to-low-hundreds per minute each connection is allowed.
package ratelimit

import (
	"sync"
	"time"
)

type Limiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	times  []time.Time
	now    func() time.Time
}

func New(window time.Duration, max int) *Limiter {
	return NewWithClock(window, max, time.Now)
}

// NewWithClock exists so tests can slide the window without sleeping.
func NewWithClock(window time.Duration, max int, now func() time.Time) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	if max <= 0 {
		max = 1
	}
	return &Limiter{window: window, max: max, now: now}
}

// TryRequest purges entries older than the window and admits the request only
// if fewer than max remain. A denied request is not recorded.
func (l *Limiter) TryRequest() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.purge(now)
	if len(l.times) >= l.max {
		return false
	}
	l.times = append(l.times, now)
	return true
}

// Remaining reports how many requests the current window still admits.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.purge(l.now())
	return l.max - len(l.times)
}

// Reset clears all recorded timestamps.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.times = l.times[:0]
}

func (l *Limiter) purge(now time.Time) {
	cut := 0
	for cut < len(l.times) && now.Sub(l.times[cut]) >= l.window {
		cut++
	}
	if cut > 0 {
		l.times = append(l.times[:0], l.times[cut:]...)
	}
}
