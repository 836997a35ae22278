package apierr

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Kind is the tagged classification of an API failure. It drives the
// retry policy: every error crossing the client boundary is reduced to
// exactly one Kind.
type Kind int

const (
	// KindUnknown is an unclassified error. Treated as non-retryable.
	KindUnknown Kind = iota
	// KindRateLimit is a 429 from the service.
	KindRateLimit
	// KindNetwork is a transport failure before a response was received.
	KindNetwork
	// KindTimeout is a request or gateway timeout.
	KindTimeout
	// KindServer is a 5xx response.
	KindServer
	// KindAuth is a 401/403.
	KindAuth
	// KindBadRequest is a 400/404/422.
	KindBadRequest
	// KindPayloadTooLarge is a 413. Indicates a planning bug, never retried.
	KindPayloadTooLarge
	// KindChunkCorruption is an unreadable extracted slice. Retried once,
	// with re-extraction instead of a plain resubmit.
	KindChunkCorruption
)

// String returns the machine-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindRateLimit:
		return "rate_limit"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindServer:
		return "server"
	case KindAuth:
		return "auth"
	case KindBadRequest:
		return "bad_request"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindChunkCorruption:
		return "chunk_corruption"
	default:
		return "unknown"
	}
}

// Classify reduces an error to its Kind. Sentinel wrapping takes
// precedence; provider error types and HTTP status codes come next;
// message substrings are a last-resort heuristic only.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	// Sentinels first: clients wrap status codes into these.
	switch {
	case errors.Is(err, ErrChunkCorruption):
		return KindChunkCorruption
	case errors.Is(err, ErrRateLimit):
		return KindRateLimit
	case errors.Is(err, ErrQuotaExceeded):
		// Quota exhaustion needs user action; grouped with auth as terminal.
		return KindAuth
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	case errors.Is(err, ErrServer):
		return KindServer
	case errors.Is(err, ErrAuthFailed):
		return KindAuth
	case errors.Is(err, ErrPayloadTooLarge):
		return KindPayloadTooLarge
	case errors.Is(err, ErrBadRequest):
		return KindBadRequest
	}

	// Provider API errors carry an HTTP status.
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return FromStatusCode(apiErr.HTTPStatusCode)
	}

	// Context deadline on the request is a timeout; cancellation is not
	// an API failure at all and stays unknown (non-retryable).
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}

	// Local filesystem failures are not transport errors, even though
	// fs.PathError wraps syscall.Errno, which satisfies net.Error.
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return KindUnknown
	}

	// Transport errors.
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	// Heuristic fallback on message text.
	return classifyByMessage(err.Error())
}

// FromStatusCode maps an HTTP status code to a Kind.
func FromStatusCode(status int) Kind {
	switch status {
	case http.StatusTooManyRequests:
		return KindRateLimit
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusRequestEntityTooLarge:
		return KindPayloadTooLarge
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusUnsupportedMediaType:
		return KindBadRequest
	}
	if status >= 500 && status < 600 {
		return KindServer
	}
	return KindUnknown
}

// Sentinel returns the sentinel error for a status code, suitable for
// wrapping with fmt.Errorf("%s: %w", msg, Sentinel(code)).
func Sentinel(status int) error {
	switch FromStatusCode(status) {
	case KindRateLimit:
		return ErrRateLimit
	case KindAuth:
		return ErrAuthFailed
	case KindPayloadTooLarge:
		return ErrPayloadTooLarge
	case KindTimeout:
		return ErrTimeout
	case KindServer:
		return ErrServer
	default:
		return ErrBadRequest
	}
}

// classifyByMessage is the last-resort string heuristic. It is
// deliberately narrow: "chunk" does not imply corruption here.
func classifyByMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit"):
		return KindRateLimit
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "timed out"):
		return KindTimeout
	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "unexpected eof"):
		return KindNetwork
	default:
		return KindUnknown
	}
}
