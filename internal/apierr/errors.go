// Package apierr provides shared error sentinels, error classification,
// and the retry policy for calls against the remote speech service.
// Provider-specific error types are mapped into these sentinels at the
// client boundary; everything above the slice worker checks sentinels
// with errors.Is and never inspects provider types.
package apierr

import "errors"

// Sentinel errors for API interaction failures.
var (
	// ErrRateLimit indicates the API rate limit was exceeded (temporary, retryable).
	ErrRateLimit = errors.New("rate limit exceeded")

	// ErrQuotaExceeded indicates the API quota was exceeded (billing issue, not retryable).
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrTimeout indicates a request timed out.
	ErrTimeout = errors.New("request timeout")

	// ErrNetwork indicates a transport-level failure (connection reset, DNS, EOF).
	ErrNetwork = errors.New("network error")

	// ErrServer indicates a 5xx response from the remote service.
	ErrServer = errors.New("server error")

	// ErrAuthFailed indicates API authentication failed (invalid key).
	ErrAuthFailed = errors.New("authentication failed")

	// ErrBadRequest indicates a client error (4xx) that is not otherwise classified.
	ErrBadRequest = errors.New("bad request")

	// ErrPayloadTooLarge indicates the upload exceeded the service's size limit.
	// Non-retryable: a slice over the limit means the plan was wrong.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrChunkCorruption indicates the extracted slice itself is unreadable.
	// Raised only from extraction failures surfaced by the slicer, never
	// inferred from transport error text.
	ErrChunkCorruption = errors.New("chunk corruption")
)
