// Package ratelimit implements the token bucket guarding calls to the
// remote speech service. One Limiter exists per service endpoint and is
// shared by every job in the process.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Defaults sized for the speech service's 20 requests/minute budget.
const (
	DefaultCapacity     = 20
	DefaultRefillPerSec = 20.0 / 60.0
)

// sleepFunc blocks for d or until ctx is done.
type sleepFunc func(ctx context.Context, d time.Duration) error

// Limiter is a token bucket. Acquire blocks until the requested tokens
// are available. Waiters are served in acquisition order: each waiter
// reserves its tokens immediately (the balance may go negative) and
// sleeps until its reservation is covered by refill, so a later arrival
// can never overtake an earlier one.
type Limiter struct {
	mu       sync.Mutex
	capacity float64
	refill   float64 // tokens per second
	tokens   float64
	last     time.Time

	// Injectable dependencies (defaults to real clock/timer).
	now   func() time.Time
	sleep sleepFunc
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithSleeper sets the blocking sleep implementation (for testing).
func WithSleeper(fn sleepFunc) Option {
	return func(l *Limiter) {
		l.sleep = fn
	}
}

// New creates a Limiter with the given burst capacity and refill rate.
// The bucket starts full.
func New(capacity float64, refillPerSec float64, opts ...Option) (*Limiter, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %v", capacity)
	}
	if refillPerSec <= 0 {
		return nil, fmt.Errorf("refill rate must be positive, got %v", refillPerSec)
	}

	l := &Limiter{
		capacity: capacity,
		refill:   refillPerSec,
		tokens:   capacity,
		now:      time.Now,
		sleep:    defaultSleep,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.last = l.now()
	return l, nil
}

// Acquire blocks until n tokens are available or ctx is canceled.
// On cancellation the reservation is returned to the bucket.
func (l *Limiter) Acquire(ctx context.Context, n float64) error {
	if n > l.capacity {
		return fmt.Errorf("requested %v tokens exceeds capacity %v", n, l.capacity)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	l.refillLocked()
	l.tokens -= n
	deficit := -l.tokens
	l.mu.Unlock()

	if deficit <= 0 {
		return nil
	}

	// The deficit covers every reservation ahead of ours too, so
	// sleeping it out preserves acquisition order.
	wait := time.Duration(deficit / l.refill * float64(time.Second))
	if err := l.sleep(ctx, wait); err != nil {
		l.mu.Lock()
		l.refillLocked()
		l.tokens += n
		l.mu.Unlock()
		return err
	}
	return nil
}

// Tokens returns the current balance after refill. Negative values mean
// outstanding reservations. Intended for tests and introspection.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return l.tokens
}

// refillLocked credits tokens for elapsed time, capped at capacity.
// Caller holds l.mu.
func (l *Limiter) refillLocked() {
	now := l.now()
	elapsed := now.Sub(l.last).Seconds()
	if elapsed > 0 {
		l.tokens = min(l.capacity, l.tokens+elapsed*l.refill)
		l.last = now
	}
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !timer.Stop() {
			<-timer.C
		}
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
