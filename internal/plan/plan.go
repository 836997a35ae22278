// Package plan decides how an audio file is submitted to the speech
// service: whole-file when it fits under the upload limit, otherwise as
// a sequence of overlapping slices.
package plan

import (
	"errors"
	"fmt"
	"time"

	"github.com/legiscribe/hearingpipe/internal/audio"
)

// ErrPlanInfeasible indicates no valid slice plan could be produced
// within the re-plan bound.
var ErrPlanInfeasible = errors.New("no feasible slice plan")

// Method identifies how the audio is submitted.
type Method string

const (
	// MethodDirect submits the whole file in one request.
	MethodDirect Method = "direct"
	// MethodChunked submits overlapping slices in parallel.
	MethodChunked Method = "chunked"
)

// Default planning parameters.
const (
	// DefaultMaxUploadBytes is the per-request limit with a VBR safety
	// margin under the service's hard 25 MiB cap.
	DefaultMaxUploadBytes = 20 * 1024 * 1024

	// DefaultTargetSliceBytes is the nominal slice size used to estimate
	// the slice count. Set at the service's hard cap; the +1 in the
	// count estimate provides the margin that keeps real slices under
	// DefaultMaxUploadBytes.
	DefaultTargetSliceBytes = 25 * 1024 * 1024

	// DefaultOverlap is the duration shared between adjacent slices so
	// words at boundaries are heard in full by at least one slice.
	DefaultOverlap = 30 * time.Second

	// MaxReplans bounds how many times the planner shrinks its target
	// after an oversized extraction.
	MaxReplans = 3

	// replanShrinkFactor reduces the target slice size on each re-plan.
	replanShrinkFactor = 0.8
)

// SliceSpec describes one slice of the source audio.
type SliceSpec struct {
	Index       int           // zero-based, monotonic
	Start       time.Duration // offset into the source
	Duration    time.Duration
	OverlapHead time.Duration // shared with the previous slice; 0 for the first
	OverlapTail time.Duration // shared with the next slice; 0 for the last
}

// End returns the slice's end offset in the source.
func (s SliceSpec) End() time.Duration {
	return s.Start + s.Duration
}

// String returns a human-readable representation for logging.
func (s SliceSpec) String() string {
	return fmt.Sprintf("slice %d: %v-%v", s.Index, s.Start, s.End())
}

// Plan is the planner's decision for one input file.
type Plan struct {
	Method        Method
	Slices        []SliceSpec // single entry for MethodDirect
	TotalDuration time.Duration
}

// Planner computes slice plans from probed metadata.
type Planner struct {
	maxUploadBytes   int64
	targetSliceBytes int64
	overlap          time.Duration
}

// Option configures a Planner.
type Option func(*Planner)

// WithMaxUploadBytes sets the size beyond which chunking is required.
func WithMaxUploadBytes(n int64) Option {
	return func(p *Planner) {
		if n > 0 {
			p.maxUploadBytes = n
		}
	}
}

// WithTargetSliceBytes sets the nominal slice size for count estimation.
func WithTargetSliceBytes(n int64) Option {
	return func(p *Planner) {
		if n > 0 {
			p.targetSliceBytes = n
		}
	}
}

// WithOverlap sets the slice overlap duration.
func WithOverlap(d time.Duration) Option {
	return func(p *Planner) {
		if d >= 0 {
			p.overlap = d
		}
	}
}

// New creates a Planner with the given options.
func New(opts ...Option) *Planner {
	p := &Planner{
		maxUploadBytes:   DefaultMaxUploadBytes,
		targetSliceBytes: DefaultTargetSliceBytes,
		overlap:          DefaultOverlap,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxUploadBytes returns the configured per-request size limit.
func (p *Planner) MaxUploadBytes() int64 {
	return p.maxUploadBytes
}

// Overlap returns the configured slice overlap.
func (p *Planner) Overlap() time.Duration {
	return p.overlap
}

// Shrink returns a Planner whose target slice size is reduced by 20%,
// used after an extracted slice exceeded the upload limit.
func (p *Planner) Shrink() *Planner {
	return &Planner{
		maxUploadBytes:   p.maxUploadBytes,
		targetSliceBytes: int64(float64(p.targetSliceBytes) * replanShrinkFactor),
		overlap:          p.overlap,
	}
}

// Plan decides direct-vs-chunked and computes the slice layout.
//
// Chunked layout: the duration is divided into N equal segments with
// interior boundaries nudged forward by the overlap, and every slice
// extends half the overlap past its segment on each interior side.
// Adjacent slices therefore share exactly the configured overlap, the
// first slice starts at zero, and the last ends at the total duration.
func (p *Planner) Plan(meta audio.Metadata) (Plan, error) {
	if meta.Duration <= 0 {
		return Plan{}, fmt.Errorf("%w: non-positive duration %v", ErrPlanInfeasible, meta.Duration)
	}

	if meta.SizeBytes <= p.maxUploadBytes {
		return Plan{
			Method:        MethodDirect,
			TotalDuration: meta.Duration,
			Slices: []SliceSpec{{
				Index:    0,
				Start:    0,
				Duration: meta.Duration,
			}},
		}, nil
	}

	n := int(ceilDiv(meta.SizeBytes, p.targetSliceBytes)) + 1
	if n < 2 {
		n = 2
	}

	base := meta.Duration / time.Duration(n)
	if base <= p.overlap {
		return Plan{}, fmt.Errorf("%w: %d slices of %v cannot carry %v overlap",
			ErrPlanInfeasible, n, base, p.overlap)
	}

	half := p.overlap / 2
	slices := make([]SliceSpec, 0, n)
	for i := range n {
		segStart := boundary(i, n, base, p.overlap, meta.Duration)
		segEnd := boundary(i+1, n, base, p.overlap, meta.Duration)

		start := segStart
		end := segEnd
		spec := SliceSpec{Index: i}
		if i > 0 {
			start -= half
			spec.OverlapHead = p.overlap
		}
		if i < n-1 {
			end += half
			spec.OverlapTail = p.overlap
		}

		spec.Start = start
		spec.Duration = end - start
		slices = append(slices, spec)
	}

	return Plan{
		Method:        MethodChunked,
		TotalDuration: meta.Duration,
		Slices:        slices,
	}, nil
}

// boundary returns segment boundary i of n. Interior boundaries sit at
// i*base + overlap; the outer ones are pinned to 0 and the total.
func boundary(i, n int, base, overlap, total time.Duration) time.Duration {
	switch {
	case i <= 0:
		return 0
	case i >= n:
		return total
	default:
		return time.Duration(i)*base + overlap
	}
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
