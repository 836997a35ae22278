package apierr

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Per-kind retry parameters. Rate limits back off hard because the
// bucket refills slowly; server errors get a short second chance;
// everything else either retries quickly or not at all.
const (
	rateLimitBase     = 60 * time.Second
	rateLimitAttempts = 5

	networkBase     = 5 * time.Second
	networkAttempts = 3

	serverBase     = 10 * time.Second
	serverAttempts = 2

	corruptionAttempts = 1
)

// maxBackoff caps a single sleep regardless of attempt count.
const maxBackoff = 10 * time.Minute

// Decision is the retry policy's verdict for one failed attempt.
type Decision struct {
	// Retry reports whether another attempt is allowed.
	Retry bool
	// Delay is how long to wait before the next attempt.
	Delay time.Duration
	// Reextract reports that the slice file must be extracted again
	// before resubmission (chunk corruption).
	Reextract bool
}

// Policy decides whether and when a failed API call is retried.
// The zero value is ready to use; Jitter may be injected for
// deterministic tests.
type Policy struct {
	// Jitter returns a value in [0, 1) used to spread retry wake-ups.
	// Defaults to math/rand.Float64.
	Jitter func() float64
}

// MaxAttempts returns the attempt cap for a kind, zero for
// non-retryable kinds.
func (p Policy) MaxAttempts(kind Kind) int {
	switch kind {
	case KindRateLimit:
		return rateLimitAttempts
	case KindNetwork, KindTimeout:
		return networkAttempts
	case KindServer:
		return serverAttempts
	case KindChunkCorruption:
		return corruptionAttempts
	default:
		return 0
	}
}

// Decide returns the verdict for a failure of the given kind.
// attempt is the zero-based index of the retry being considered: the
// first failure asks Decide(kind, 0).
func (p Policy) Decide(kind Kind, attempt int) Decision {
	maxAttempts := p.MaxAttempts(kind)
	if maxAttempts == 0 || attempt >= maxAttempts {
		return Decision{}
	}

	if kind == KindChunkCorruption {
		return Decision{Retry: true, Delay: 0, Reextract: true}
	}

	var base time.Duration
	switch kind {
	case KindRateLimit:
		base = rateLimitBase
	case KindNetwork, KindTimeout:
		base = networkBase
	case KindServer:
		base = serverBase
	}

	return Decision{Retry: true, Delay: p.backoff(base, attempt)}
}

// backoff computes base*2^attempt plus up to 25% jitter, capped.
func (p Policy) backoff(base time.Duration, attempt int) time.Duration {
	jitter := p.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}

	scaled := float64(base) * math.Pow(2, float64(attempt))
	scaled += scaled * 0.25 * jitter()
	if scaled > float64(maxBackoff) {
		return maxBackoff
	}
	return time.Duration(scaled)
}

// Wait blocks for d or until ctx is canceled, whichever comes first.
// Returns ctx.Err() on cancellation.
func Wait(ctx context.Context, d time.Duration) error {
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
