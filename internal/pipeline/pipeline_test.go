package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/legiscribe/hearingpipe/internal/apierr"
	"github.com/legiscribe/hearingpipe/internal/audio"
	"github.com/legiscribe/hearingpipe/internal/config"
	"github.com/legiscribe/hearingpipe/internal/merge"
	"github.com/legiscribe/hearingpipe/internal/plan"
	"github.com/legiscribe/hearingpipe/internal/progress"
	"github.com/legiscribe/hearingpipe/internal/ratelimit"
	"github.com/legiscribe/hearingpipe/internal/resource"
	"github.com/legiscribe/hearingpipe/internal/transcribe"
)

// --- fakes ---

type fakeProber struct {
	meta audio.Metadata
	err  error
}

func (f fakeProber) Probe(context.Context, string) (audio.Metadata, error) {
	return f.meta, f.err
}

type fakeSlicer struct {
	mu    sync.Mutex
	calls []string // dst paths in call order
	err   error
}

func (f *fakeSlicer) Slice(_ context.Context, _ string, _, _ time.Duration, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, dst)
	return nil
}

func (f *fakeSlicer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSlicer) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeTranscriber scripts per-path behaviour. Each call pops the next
// response for its path; the last response repeats.
type fakeTranscriber struct {
	mu        sync.Mutex
	responses map[string][]error // nil error means success
	result    func(path string) transcribe.Result
	calls     map[string]int
	block     chan struct{} // non-nil: block until closed or ctx done
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, path string, _ transcribe.Options) (transcribe.Result, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return transcribe.Result{}, ctx.Err()
		}
	}

	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	key := filepath.Base(path)
	n := f.calls[key]
	f.calls[key] = n + 1
	var err error
	if script := f.responses[key]; len(script) > 0 {
		if n >= len(script) {
			n = len(script) - 1
		}
		err = script[n]
	}
	f.mu.Unlock()

	if err != nil {
		return transcribe.Result{}, err
	}
	if f.result != nil {
		return f.result(path), nil
	}
	return transcribe.Result{
		Text:     "segment text",
		Segments: []transcribe.Segment{{Start: 0, End: 10, Text: "segment text"}},
		Duration: 10,
		Language: "en",
	}, nil
}

type fakeStore struct {
	mu    sync.Mutex
	saved map[string]string
	err   error
}

func (f *fakeStore) SaveTranscript(_ context.Context, id, fullText string, _ time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = make(map[string]string)
	}
	f.saved[id] = fullText
	return nil
}

type fakeFileInfo struct {
	size int64
}

func (f fakeFileInfo) Name() string       { return "slice" }
func (f fakeFileInfo) Size() int64        { return f.size }
func (f fakeFileInfo) Mode() fs.FileMode  { return 0o644 }
func (f fakeFileInfo) ModTime() time.Time { return time.Time{} }
func (f fakeFileInfo) IsDir() bool        { return false }
func (f fakeFileInfo) Sys() any           { return nil }

// --- harness ---

func newTestServices(t *testing.T) *ServiceSet {
	t.Helper()
	limiter, err := ratelimit.New(100, 100)
	if err != nil {
		t.Fatal(err)
	}
	pool, err := resource.NewResourcePool(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pool.Close() })
	return &ServiceSet{
		Limiter:   limiter,
		Pool:      pool,
		Reporter:  progress.NewReporter(),
		Scheduler: resource.NewCleanupScheduler(),
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		MaxUploadBytes: 20 << 20,
		Overlap:        30 * time.Second,
		MaxConcurrent:  3,
		OutputDir:      t.TempDir(),
	}
}

func smallMeta() audio.Metadata {
	return audio.Metadata{Path: "/audio/short.mp3", SizeBytes: 5 << 20, Duration: 10 * time.Minute}
}

func largeMeta() audio.Metadata {
	return audio.Metadata{Path: "/audio/hearing.mp3", SizeBytes: 60 << 20, Duration: 30 * time.Minute}
}

type harness struct {
	pipeline    *Pipeline
	services    *ServiceSet
	slicer      *fakeSlicer
	transcriber *fakeTranscriber
	store       *fakeStore
	cfg         config.Config
}

func newHarness(t *testing.T, meta audio.Metadata, tr *fakeTranscriber, opts ...PipelineOption) *harness {
	t.Helper()
	services := newTestServices(t)
	slicer := &fakeSlicer{}
	st := &fakeStore{}
	cfg := testConfig(t)

	base := []PipelineOption{
		WithStat(func(string) (os.FileInfo, error) {
			return fakeFileInfo{size: 10 << 20}, nil
		}),
		WithRetryPolicy(apierr.Policy{Jitter: func() float64 { return 0 }}),
	}
	p := New(cfg, services, fakeProber{meta: meta}, slicer, tr, st, append(base, opts...)...)
	return &harness{
		pipeline:    p,
		services:    services,
		slicer:      slicer,
		transcriber: tr,
		store:       st,
		cfg:         cfg,
	}
}

func await(t *testing.T, h *JobHandle) (merge.Transcript, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tr, err := h.AwaitResult(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("job did not finish in time")
	}
	return tr, err
}

// --- tests ---

func TestDirectJobSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, smallMeta(), &fakeTranscriber{})
	handle, err := h.pipeline.Submit("job-direct", "/audio/short.mp3", SubmitOptions{PreferParallel: true})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	transcript, err := await(t, handle)
	if err != nil {
		t.Fatalf("AwaitResult() error = %v", err)
	}
	if transcript.Text != "segment text" {
		t.Errorf("Text = %q", transcript.Text)
	}
	if transcript.Metadata.Method != string(plan.MethodDirect) {
		t.Errorf("Method = %q, want direct", transcript.Metadata.Method)
	}

	// No extraction for direct submissions.
	if n := h.slicer.callCount(); n != 0 {
		t.Errorf("slicer called %d times, want 0", n)
	}

	// Persisted transcript file.
	data, err := os.ReadFile(filepath.Join(h.cfg.OutputDir, "job-direct_transcript.json"))
	if err != nil {
		t.Fatalf("transcript file: %v", err)
	}
	var doc struct {
		JobID string `json:"job_id"`
		Text  string `json:"text"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.JobID != "job-direct" || doc.Text != "segment text" {
		t.Errorf("persisted doc = %+v", doc)
	}

	// Store updated.
	if h.store.saved["job-direct"] != "segment text" {
		t.Errorf("store text = %q", h.store.saved["job-direct"])
	}

	// Progress terminal.
	rec, ok := handle.Progress()
	if !ok || rec.Stage != progress.StageDone || rec.OverallPercent != 100 {
		t.Errorf("progress = %+v", rec)
	}
}

func TestChunkedJobSuccess(t *testing.T) {
	t.Parallel()

	tr := &fakeTranscriber{
		result: func(path string) transcribe.Result {
			// Local timeline per slice; merger shifts them.
			return transcribe.Result{
				Text:     "from " + filepath.Base(path),
				Segments: []transcribe.Segment{{Start: 1, End: 9, Text: "from " + filepath.Base(path)}},
				Duration: 10,
				Language: "en",
			}
		},
	}
	h := newHarness(t, largeMeta(), tr)

	handle, err := h.pipeline.Submit("job-chunked", "/audio/hearing.mp3", SubmitOptions{PreferParallel: true})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	transcript, err := await(t, handle)
	if err != nil {
		t.Fatalf("AwaitResult() error = %v", err)
	}

	// 60 MiB at the default 25 MiB target estimates 4 slices.
	if n := h.slicer.callCount(); n != 4 {
		t.Errorf("slicer called %d times, want 4", n)
	}
	if transcript.Metadata.Method != string(plan.MethodChunked) || transcript.Metadata.Chunks != 4 {
		t.Errorf("metadata = %+v", transcript.Metadata)
	}
	if len(transcript.Segments) != 4 {
		t.Errorf("segments = %d, want 4", len(transcript.Segments))
	}
	for i := 1; i < len(transcript.Segments); i++ {
		if transcript.Segments[i].Start < transcript.Segments[i-1].Start {
			t.Errorf("segments out of order at %d", i)
		}
	}

	// Every slice file handed to the cleanup scheduler.
	if n := h.services.Scheduler.Pending(); n != 4 {
		t.Errorf("Pending() = %d, want 4", n)
	}
}

func TestChunkCorruptionReextracts(t *testing.T) {
	t.Parallel()

	tr := &fakeTranscriber{
		responses: map[string][]error{
			"slice_0_000.mp3": {apierr.ErrChunkCorruption, nil},
		},
	}
	h := newHarness(t, largeMeta(), tr)

	handle, err := h.pipeline.Submit("job-corrupt", "/audio/hearing.mp3", SubmitOptions{PreferParallel: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := await(t, handle); err != nil {
		t.Fatalf("AwaitResult() error = %v", err)
	}

	// 4 initial extractions plus one re-extraction of slice 0.
	if n := h.slicer.callCount(); n != 5 {
		t.Errorf("slicer called %d times, want 5", n)
	}
}

func TestChunkCorruptionExhausted(t *testing.T) {
	t.Parallel()

	tr := &fakeTranscriber{
		responses: map[string][]error{
			"slice_0_000.mp3": {apierr.ErrChunkCorruption, apierr.ErrChunkCorruption},
		},
	}
	h := newHarness(t, largeMeta(), tr)

	handle, err := h.pipeline.Submit("job-corrupt2", "/audio/hearing.mp3", SubmitOptions{PreferParallel: true})
	if err != nil {
		t.Fatal(err)
	}
	_, err = await(t, handle)

	var trErr *TranscriptionError
	if !errors.As(err, &trErr) {
		t.Fatalf("error = %v, want *TranscriptionError", err)
	}
	if trErr.Index != 0 || trErr.Attempts != 2 {
		t.Errorf("TranscriptionError = %+v", trErr)
	}
}

func TestAuthErrorFailsJob(t *testing.T) {
	t.Parallel()

	tr := &fakeTranscriber{
		responses: map[string][]error{
			"slice_0_000.mp3": {apierr.ErrAuthFailed},
		},
	}
	h := newHarness(t, largeMeta(), tr)

	handle, err := h.pipeline.Submit("job-auth", "/audio/hearing.mp3", SubmitOptions{PreferParallel: true})
	if err != nil {
		t.Fatal(err)
	}
	_, err = await(t, handle)

	var rej *RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("error = %v, want *RejectionError", err)
	}
	if rej.Index != 0 || rej.Kind != apierr.KindAuth {
		t.Errorf("RejectionError = %+v", rej)
	}

	// No transcript persisted.
	if _, err := os.Stat(filepath.Join(h.cfg.OutputDir, "job-auth_transcript.json")); !os.IsNotExist(err) {
		t.Error("transcript file exists after rejected job")
	}
	if len(h.store.saved) != 0 {
		t.Error("store updated after rejected job")
	}

	rec, _ := handle.Progress()
	if rec.Stage != progress.StageFailed {
		t.Errorf("stage = %q, want failed", rec.Stage)
	}
}

func TestOversizedSliceTriggersReplan(t *testing.T) {
	t.Parallel()

	var statCalls atomic.Int64
	h := newHarness(t, largeMeta(), &fakeTranscriber{},
		WithStat(func(string) (os.FileInfo, error) {
			// First extraction comes out oversized; the re-planned
			// slices fit.
			if statCalls.Add(1) == 1 {
				return fakeFileInfo{size: 22 << 20}, nil
			}
			return fakeFileInfo{size: 10 << 20}, nil
		}),
	)

	handle, err := h.pipeline.Submit("job-replan", "/audio/hearing.mp3", SubmitOptions{PreferParallel: true})
	if err != nil {
		t.Fatal(err)
	}
	transcript, err := await(t, handle)
	if err != nil {
		t.Fatalf("AwaitResult() error = %v", err)
	}
	if transcript.Metadata.Chunks == 0 {
		t.Error("no chunks in re-planned transcript")
	}
	// More extractions than one plan's worth.
	if n := h.slicer.callCount(); n <= 4 {
		t.Errorf("slicer called %d times, want more than 4", n)
	}
}

func TestReplanUsesFreshSlicePaths(t *testing.T) {
	t.Parallel()

	// Every file of a discarded plan is already queued for deletion; a
	// re-extracted slice reusing its name could be swept by the cleanup
	// worker. Each extraction must therefore get a path of its own.
	var statCalls atomic.Int64
	h := newHarness(t, largeMeta(), &fakeTranscriber{},
		WithStat(func(string) (os.FileInfo, error) {
			if statCalls.Add(1) == 1 {
				return fakeFileInfo{size: 22 << 20}, nil
			}
			return fakeFileInfo{size: 10 << 20}, nil
		}),
	)

	handle, err := h.pipeline.Submit("job-freshpaths", "/audio/hearing.mp3", SubmitOptions{PreferParallel: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := await(t, handle); err != nil {
		t.Fatalf("AwaitResult() error = %v", err)
	}

	seen := make(map[string]bool)
	for _, p := range h.slicer.paths() {
		if seen[p] {
			t.Errorf("extraction path %q reused across plans", p)
		}
		seen[p] = true
	}
}

func TestOversizedForever(t *testing.T) {
	t.Parallel()

	h := newHarness(t, largeMeta(), &fakeTranscriber{},
		WithStat(func(string) (os.FileInfo, error) {
			return fakeFileInfo{size: 30 << 20}, nil
		}),
	)

	handle, err := h.pipeline.Submit("job-infeasible", "/audio/hearing.mp3", SubmitOptions{PreferParallel: true})
	if err != nil {
		t.Fatal(err)
	}
	_, err = await(t, handle)
	if !errors.Is(err, plan.ErrPlanInfeasible) {
		t.Errorf("error = %v, want ErrPlanInfeasible", err)
	}
}

func TestCancelMidFlight(t *testing.T) {
	t.Parallel()

	tr := &fakeTranscriber{block: make(chan struct{})}
	h := newHarness(t, largeMeta(), tr)

	handle, err := h.pipeline.Submit("job-cancel", "/audio/hearing.mp3", SubmitOptions{PreferParallel: true})
	if err != nil {
		t.Fatal(err)
	}

	// Wait until at least one slice is in flight, then cancel.
	deadline := time.After(5 * time.Second)
	for {
		rec, _ := handle.Progress()
		inFlight := false
		for _, s := range rec.Slices {
			if s.Status == progress.SliceInFlight {
				inFlight = true
			}
		}
		if inFlight {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no slice reached in_flight")
		case <-time.After(5 * time.Millisecond):
		}
	}
	handle.Cancel()

	_, err = await(t, handle)
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("error = %v, want ErrCancelled", err)
	}

	rec, _ := handle.Progress()
	if rec.Stage != progress.StageFailed {
		t.Errorf("stage = %q, want failed", rec.Stage)
	}
	if !strings.Contains(rec.Error, "cancelled") {
		t.Errorf("error field = %q", rec.Error)
	}
}

func TestSliceExtractionFailure(t *testing.T) {
	t.Parallel()

	services := newTestServices(t)
	slicer := &fakeSlicer{err: audio.ErrSliceFailed}
	p := New(testConfig(t), services, fakeProber{meta: largeMeta()}, slicer, &fakeTranscriber{}, &fakeStore{},
		WithStat(func(string) (os.FileInfo, error) {
			return fakeFileInfo{size: 10 << 20}, nil
		}),
	)

	handle, err := p.Submit("job-slicefail", "/audio/hearing.mp3", SubmitOptions{PreferParallel: true})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = handle.AwaitResult(ctx)

	var exErr *SliceExtractionError
	if !errors.As(err, &exErr) {
		t.Fatalf("error = %v, want *SliceExtractionError", err)
	}
	if !errors.Is(err, audio.ErrSliceFailed) {
		t.Errorf("cause not preserved: %v", err)
	}
}

func TestPersistenceFailure(t *testing.T) {
	t.Parallel()

	services := newTestServices(t)
	st := &fakeStore{err: errors.New("disk full")}
	p := New(testConfig(t), services, fakeProber{meta: smallMeta()}, &fakeSlicer{}, &fakeTranscriber{}, st)

	handle, err := p.Submit("job-persist", "/audio/short.mp3", SubmitOptions{PreferParallel: true})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = handle.AwaitResult(ctx)

	var pErr *PersistenceError
	if !errors.As(err, &pErr) {
		t.Fatalf("error = %v, want *PersistenceError", err)
	}
}

func TestTailOfCutsAtRuneBoundary(t *testing.T) {
	t.Parallel()

	// 300 two-byte runes: a byte-indexed cut would land mid-rune.
	text := strings.Repeat("é", 300)
	got := tailOf(text)

	if !utf8.ValidString(got) {
		t.Fatalf("tailOf produced invalid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != promptCarryChars {
		t.Errorf("rune count = %d, want %d", n, promptCarryChars)
	}

	if short := tailOf("  short tail  "); short != "short tail" {
		t.Errorf("tailOf(short) = %q", short)
	}
}

func TestDuplicateJobID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, smallMeta(), &fakeTranscriber{})
	handle, err := h.pipeline.Submit("job-dup", "/audio/short.mp3", SubmitOptions{PreferParallel: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.pipeline.Submit("job-dup", "/audio/short.mp3", SubmitOptions{}); err == nil {
		t.Error("second Submit() with same id succeeded")
	}
	if _, err := await(t, handle); err != nil {
		t.Fatal(err)
	}
}
