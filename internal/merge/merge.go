// Package merge combines per-slice transcription results into a single
// transcript with source-relative timestamps and deduplicated overlap.
package merge

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/legiscribe/hearingpipe/internal/plan"
	"github.com/legiscribe/hearingpipe/internal/transcribe"
)

// ErrMergeInvariant indicates a postcondition of the merge failed.
// This is a bug, not an input problem.
var ErrMergeInvariant = errors.New("merge invariant violated")

// DefaultOverlapTolerance is the window within which a segment starting
// inside the tail of an earlier segment is treated as a duplicate from
// the slice overlap. Slightly under the planner's 30s overlap so
// genuinely adjacent segments are never merged.
const DefaultOverlapTolerance = 25 * time.Second

// Segment is one span of the merged transcript, timed against the
// source recording.
type Segment struct {
	Start float64 `json:"start_s"`
	End   float64 `json:"end_s"`
	Text  string  `json:"text"`
}

// Transcript is the merged output for one job.
type Transcript struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
	Duration float64   `json:"duration_s"`
	Language string    `json:"language"`
	Metadata Metadata  `json:"metadata"`
}

// Metadata records how the transcript was produced.
type Metadata struct {
	Method     string    `json:"method"` // "direct" or "chunked"
	Chunks     int       `json:"chunks"`
	ProducedAt time.Time `json:"produced_at"`
	SourcePath string    `json:"source_path"`
}

// Merger combines slice results according to a slice plan.
type Merger struct {
	tolerance time.Duration
}

// Option configures a Merger.
type Option func(*Merger)

// WithOverlapTolerance sets the duplicate-detection window.
func WithOverlapTolerance(d time.Duration) Option {
	return func(m *Merger) {
		if d >= 0 {
			m.tolerance = d
		}
	}
}

// New creates a Merger.
func New(opts ...Option) *Merger {
	m := &Merger{tolerance: DefaultOverlapTolerance}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Merge combines results (indexed by slice) into one Transcript.
//
// Each segment's timestamps are shifted by its slice's start offset,
// the union is stably sorted by start, and a segment beginning inside
// the tail of an already-kept segment (within the tolerance) is dropped
// as an overlap duplicate. Dropping the later copy favours the slice
// that heard the sentence from its beginning.
func (m *Merger) Merge(p plan.Plan, results []transcribe.Result, src string, producedAt time.Time) (Transcript, error) {
	if len(results) != len(p.Slices) {
		return Transcript{}, fmt.Errorf("%w: %d results for %d slices",
			ErrMergeInvariant, len(results), len(p.Slices))
	}
	if len(results) == 0 {
		return Transcript{}, fmt.Errorf("%w: no results", ErrMergeInvariant)
	}

	// Shift every segment into source-relative time.
	var shifted []Segment
	for i, res := range results {
		offset := p.Slices[i].Start.Seconds()
		for _, s := range res.Segments {
			shifted = append(shifted, Segment{
				Start: s.Start + offset,
				End:   s.End + offset,
				Text:  strings.TrimSpace(s.Text),
			})
		}
	}

	sort.SliceStable(shifted, func(i, j int) bool {
		return shifted[i].Start < shifted[j].Start
	})

	kept := dedupe(shifted, m.tolerance.Seconds())

	// Postconditions: sorted, no remaining overlap duplicates.
	for i := 1; i < len(kept); i++ {
		if kept[i].Start < kept[i-1].Start {
			return Transcript{}, fmt.Errorf("%w: segments unsorted at %d", ErrMergeInvariant, i)
		}
	}

	var b strings.Builder
	var maxEnd float64
	for _, s := range kept {
		if s.End > maxEnd {
			maxEnd = s.End
		}
		if s.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(s.Text)
	}

	return Transcript{
		Text:     b.String(),
		Segments: kept,
		Duration: maxEnd,
		Language: results[0].Language,
		Metadata: Metadata{
			Method:     string(p.Method),
			Chunks:     len(p.Slices),
			ProducedAt: producedAt,
			SourcePath: src,
		},
	}, nil
}

// dedupe drops segments that begin inside the tail of a previously
// kept segment. A segment s is dropped iff some kept p satisfies
// p.End - tolerance < s.Start < p.End.
func dedupe(segments []Segment, tolerance float64) []Segment {
	kept := make([]Segment, 0, len(segments))
	for _, s := range segments {
		dup := false
		for i := len(kept) - 1; i >= 0; i-- {
			p := kept[i]
			// Kept segments are sorted by start; once one ends a full
			// tolerance before s starts, earlier ones are out of reach.
			if p.End <= s.Start-tolerance {
				break
			}
			if p.End-tolerance < s.Start && s.Start < p.End {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, s)
		}
	}
	return kept
}
