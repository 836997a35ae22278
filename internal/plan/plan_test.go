package plan_test

import (
	"errors"
	"testing"
	"time"

	"github.com/legiscribe/hearingpipe/internal/audio"
	"github.com/legiscribe/hearingpipe/internal/plan"
)

const mib = 1024 * 1024

func meta(size int64, duration time.Duration) audio.Metadata {
	return audio.Metadata{
		Path:      "/audio/hearing.mp3",
		SizeBytes: size,
		Duration:  duration,
	}
}

// ---------------------------------------------------------------------------
// Direct vs chunked decision
// ---------------------------------------------------------------------------

func TestPlan_DirectAtLimit(t *testing.T) {
	t.Parallel()

	p := plan.New()
	got, err := p.Plan(meta(20*mib, 120*time.Second))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	if got.Method != plan.MethodDirect {
		t.Fatalf("Method = %v, want direct", got.Method)
	}
	if len(got.Slices) != 1 {
		t.Fatalf("slices = %d, want 1", len(got.Slices))
	}
	s := got.Slices[0]
	if s.Start != 0 || s.Duration != 120*time.Second || s.OverlapHead != 0 || s.OverlapTail != 0 {
		t.Errorf("direct slice = %+v", s)
	}
}

func TestPlan_ChunkedJustOverLimit(t *testing.T) {
	t.Parallel()

	p := plan.New()
	got, err := p.Plan(meta(20*mib+1, 1200*time.Second))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	if got.Method != plan.MethodChunked {
		t.Fatalf("Method = %v, want chunked", got.Method)
	}
	if len(got.Slices) < 2 {
		t.Errorf("slices = %d, want >= 2", len(got.Slices))
	}
}

// ---------------------------------------------------------------------------
// Chunked layout
// ---------------------------------------------------------------------------

// 50 MiB over 1800s with the defaults: three slices with starts
// {0, 615, 1215} and durations {645, 630, 585}.
func TestPlan_ChunkedLayout(t *testing.T) {
	t.Parallel()

	p := plan.New()
	got, err := p.Plan(meta(50*mib, 1800*time.Second))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	want := []struct {
		start, duration time.Duration
		head, tail      time.Duration
	}{
		{0, 645 * time.Second, 0, 30 * time.Second},
		{615 * time.Second, 630 * time.Second, 30 * time.Second, 30 * time.Second},
		{1215 * time.Second, 585 * time.Second, 30 * time.Second, 0},
	}

	if len(got.Slices) != len(want) {
		t.Fatalf("slices = %d, want %d", len(got.Slices), len(want))
	}
	for i, w := range want {
		s := got.Slices[i]
		if s.Index != i {
			t.Errorf("slice %d: Index = %d", i, s.Index)
		}
		if s.Start != w.start || s.Duration != w.duration {
			t.Errorf("slice %d: [%v +%v], want [%v +%v]", i, s.Start, s.Duration, w.start, w.duration)
		}
		if s.OverlapHead != w.head || s.OverlapTail != w.tail {
			t.Errorf("slice %d: overlaps %v/%v, want %v/%v", i, s.OverlapHead, s.OverlapTail, w.head, w.tail)
		}
	}
}

// Invariants from the plan contract, checked over a spread of inputs.
func TestPlan_ChunkedInvariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		size     int64
		duration time.Duration
	}{
		{"medium", 50 * mib, 30 * time.Minute},
		{"large", 300 * mib, 3 * time.Hour},
		{"very large", 2048 * mib, 9 * time.Hour},
		{"barely chunked", 21 * mib, 25 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := plan.New()
			got, err := p.Plan(meta(tt.size, tt.duration))
			if err != nil {
				t.Fatalf("Plan: %v", err)
			}

			slices := got.Slices
			if slices[0].Start != 0 || slices[0].OverlapHead != 0 {
				t.Errorf("first slice: start %v head %v", slices[0].Start, slices[0].OverlapHead)
			}

			last := slices[len(slices)-1]
			if last.OverlapTail != 0 {
				t.Errorf("last slice tail overlap = %v", last.OverlapTail)
			}
			if last.End() != tt.duration {
				t.Errorf("last slice ends at %v, want %v", last.End(), tt.duration)
			}

			// Adjacent slices share exactly the configured overlap, and
			// coverage minus tail overlaps equals the total duration.
			var covered time.Duration
			for i, s := range slices {
				covered += s.Duration - s.OverlapTail
				if i == 0 {
					continue
				}
				prev := slices[i-1]
				if s.Start >= prev.End() {
					t.Errorf("slice %d starts at %v after slice %d ends at %v", i, s.Start, i-1, prev.End())
				}
				if overlap := prev.End() - s.Start; overlap != p.Overlap() {
					t.Errorf("slices %d/%d share %v, want %v", i-1, i, overlap, p.Overlap())
				}
			}
			if diff := tt.duration - covered; diff < -time.Millisecond || diff > time.Millisecond {
				t.Errorf("coverage = %v, want %v", covered, tt.duration)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Re-planning and infeasibility
// ---------------------------------------------------------------------------

func TestPlanner_Shrink(t *testing.T) {
	t.Parallel()

	p := plan.New()
	first, err := p.Plan(meta(100*mib, time.Hour))
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	shrunk, err := p.Shrink().Plan(meta(100*mib, time.Hour))
	if err != nil {
		t.Fatalf("Plan after Shrink: %v", err)
	}

	if len(shrunk.Slices) <= len(first.Slices) {
		t.Errorf("shrunk plan has %d slices, want more than %d", len(shrunk.Slices), len(first.Slices))
	}
}

func TestPlan_Infeasible(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		size     int64
		duration time.Duration
	}{
		// Short audio cannot carry the overlap across the slice count
		// its size demands.
		{"short but oversized", 200 * mib, 200 * time.Second},
		{"zero duration", 50 * mib, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := plan.New().Plan(meta(tt.size, tt.duration))
			if !errors.Is(err, plan.ErrPlanInfeasible) {
				t.Errorf("err = %v, want ErrPlanInfeasible", err)
			}
		})
	}
}
