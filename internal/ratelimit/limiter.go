// Package ratelimit bounds the outbound request rate to the accounting API.
//
// The limiter keeps the timestamps of the requests issued within the last
// window. When the window is full it sleeps until the oldest request has left
// the window (plus a small margin) and then starts a fresh window. This is
// coarser than a sliding window but never exceeds the external quota.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultMargin is added to every wait to absorb clock skew against the server.
const DefaultMargin = 100 * time.Millisecond

// Clock abstracts time for deterministic tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock uses the wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// Sleep waits for d unless ctx is canceled first.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Limiter allows at most limit acquisitions per window.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	margin time.Duration
	clock  Clock
	stamps []time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(l *Limiter) {
		l.clock = clock
	}
}

// WithMargin overrides DefaultMargin.
func WithMargin(margin time.Duration) Option {
	return func(l *Limiter) {
		l.margin = margin
	}
}

// New constructs a limiter for limit requests per window.
func New(limit int, window time.Duration, opts ...Option) *Limiter {
	if limit <= 0 {
		panic("ratelimit: limit must be positive")
	}
	l := &Limiter{
		limit:  limit,
		window: window,
		margin: DefaultMargin,
		clock:  SystemClock{},
		stamps: make([]time.Time, 0, limit),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire blocks until one more request fits into the current window.
// The mutex is held while waiting, so concurrent callers queue up behind it.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.prune(now)

	if len(l.stamps) >= l.limit {
		wait := l.window - now.Sub(l.stamps[0]) + l.margin
		if err := l.clock.Sleep(ctx, wait); err != nil {
			return err
		}
		l.stamps = l.stamps[:0]
		now = l.clock.Now()
	}

	l.stamps = append(l.stamps, now)
	return nil
}

// InWindow returns the number of requests recorded in the current window.
func (l *Limiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.clock.Now())
	return len(l.stamps)
}

func (l *Limiter) prune(now time.Time) {
	keep := l.stamps[:0]
	for _, ts := range l.stamps {
		if now.Sub(ts) < l.window {
			keep = append(keep, ts)
		}
	}
	l.stamps = keep
}
