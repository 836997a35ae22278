package pipeline

import (
	"errors"
	"fmt"

	"github.com/legiscribe/hearingpipe/internal/apierr"
)

// ErrCancelled is the terminal error of a job stopped by its caller.
var ErrCancelled = errors.New("job cancelled")

// SliceExtractionError reports a slicer failure for one slice.
type SliceExtractionError struct {
	Index int
	Cause error
}

func (e *SliceExtractionError) Error() string {
	return fmt.Sprintf("slice %d extraction failed: %v", e.Index, e.Cause)
}

func (e *SliceExtractionError) Unwrap() error { return e.Cause }

// TranscriptionError reports a slice whose retries were exhausted.
type TranscriptionError struct {
	Index    int
	Attempts int
	Cause    error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("slice %d transcription failed after %d attempts: %v",
		e.Index, e.Attempts, e.Cause)
}

func (e *TranscriptionError) Unwrap() error { return e.Cause }

// RejectionError reports a non-retryable API refusal for one slice.
type RejectionError struct {
	Index int
	Kind  apierr.Kind
	Cause error
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("slice %d rejected (%s): %v", e.Index, e.Kind, e.Cause)
}

func (e *RejectionError) Unwrap() error { return e.Cause }

// PersistenceError reports a failure writing the finished transcript.
type PersistenceError struct {
	Target string
	Cause  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist to %s failed: %v", e.Target, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

// oversizedSliceError signals that an extracted slice exceeds the
// upload limit and the job must re-plan. Never surfaces to callers.
type oversizedSliceError struct {
	index int
	size  int64
	limit int64
}

func (e *oversizedSliceError) Error() string {
	return fmt.Sprintf("slice %d is %d bytes, exceeds %d byte upload limit",
		e.index, e.size, e.limit)
}
