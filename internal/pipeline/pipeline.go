// Package pipeline runs transcription jobs end to end: preflight,
// planning, slice extraction, rate-limited parallel submission with
// classified retry, merging, and persistence.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/legiscribe/hearingpipe/internal/apierr"
	"github.com/legiscribe/hearingpipe/internal/audio"
	"github.com/legiscribe/hearingpipe/internal/config"
	"github.com/legiscribe/hearingpipe/internal/logging"
	"github.com/legiscribe/hearingpipe/internal/merge"
	"github.com/legiscribe/hearingpipe/internal/plan"
	"github.com/legiscribe/hearingpipe/internal/preflight"
	"github.com/legiscribe/hearingpipe/internal/progress"
	"github.com/legiscribe/hearingpipe/internal/resource"
	"github.com/legiscribe/hearingpipe/internal/transcribe"
)

// promptCarryChars is how much of the previous slice's tail text is
// forwarded as the next slice's prompt.
const promptCarryChars = 200

// preflighter gates a job before any work starts. *preflight.Checker
// implements it.
type preflighter interface {
	Run(ctx context.Context, jobID, audioPath string) (preflight.Report, error)
}

// transcriptStore persists the finished text against the hearing row.
type transcriptStore interface {
	SaveTranscript(ctx context.Context, id, fullText string, at time.Time) error
}

// SubmitOptions mirror the orchestrator's per-job switches.
type SubmitOptions struct {
	// PreferParallel submits slices concurrently; false forces
	// one-at-a-time submission.
	PreferParallel bool
	// SkipPreflight bypasses the gate (trusted callers only).
	SkipPreflight bool
	// Language is an optional recognition hint.
	Language string
}

// Pipeline turns submitted audio into persisted transcripts. Safe for
// concurrent Submit calls; jobs share the ServiceSet's rate limiter,
// scratch pool, and reporter.
type Pipeline struct {
	cfg      config.Config
	services *ServiceSet

	prober      audio.Prober
	slicer      audio.Slicer
	transcriber transcribe.Transcriber
	merger      *merge.Merger
	store       transcriptStore
	gate        preflighter // nil disables the gate entirely

	policy apierr.Policy
	stat   func(string) (os.FileInfo, error)
	now    func() time.Time
	log    zerolog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPreflight installs the preflight gate.
func WithPreflight(gate preflighter) PipelineOption {
	return func(p *Pipeline) {
		p.gate = gate
	}
}

// WithRetryPolicy replaces the retry policy (for testing).
func WithRetryPolicy(policy apierr.Policy) PipelineOption {
	return func(p *Pipeline) {
		p.policy = policy
	}
}

// WithStat replaces the file size probe (for testing).
func WithStat(stat func(string) (os.FileInfo, error)) PipelineOption {
	return func(p *Pipeline) {
		p.stat = stat
	}
}

// WithNow sets the time source (for testing).
func WithNow(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		p.now = now
	}
}

// New wires a Pipeline from its collaborators.
func New(
	cfg config.Config,
	services *ServiceSet,
	prober audio.Prober,
	slicer audio.Slicer,
	transcriber transcribe.Transcriber,
	store transcriptStore,
	opts ...PipelineOption,
) *Pipeline {
	p := &Pipeline{
		cfg:         cfg,
		services:    services,
		prober:      prober,
		slicer:      slicer,
		transcriber: transcriber,
		merger:      merge.New(),
		store:       store,
		stat:        os.Stat,
		now:         time.Now,
		log:         logging.Component("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// JobHandle is the caller's view of a running job.
type JobHandle struct {
	JobID string

	cancel   context.CancelFunc
	done     chan struct{}
	reporter *progress.Reporter

	mu         sync.Mutex
	transcript merge.Transcript
	err        error
}

// AwaitResult blocks until the job finishes or ctx expires.
func (h *JobHandle) AwaitResult(ctx context.Context) (merge.Transcript, error) {
	select {
	case <-ctx.Done():
		return merge.Transcript{}, ctx.Err()
	case <-h.done:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transcript, h.err
}

// Cancel aborts the job. Safe to call more than once.
func (h *JobHandle) Cancel() {
	h.cancel()
}

// Progress returns the job's latest progress record.
func (h *JobHandle) Progress() (progress.Record, bool) {
	return h.reporter.Get(h.JobID)
}

func (h *JobHandle) finish(t merge.Transcript, err error) {
	h.mu.Lock()
	h.transcript = t
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// Submit starts a job and returns its handle. The job runs until done,
// failed, or cancelled; its terminal state is observable through the
// handle and the progress reporter.
func (p *Pipeline) Submit(jobID, audioPath string, opts SubmitOptions) (*JobHandle, error) {
	if err := p.services.Reporter.Start(jobID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &JobHandle{
		JobID:    jobID,
		cancel:   cancel,
		done:     make(chan struct{}),
		reporter: p.services.Reporter,
	}

	go func() {
		defer cancel()
		transcript, err := p.run(ctx, jobID, audioPath, opts)
		if err != nil {
			p.log.Error().Err(err).Str("job", jobID).Msg("job failed")
			_ = p.services.Reporter.Complete(jobID, err)
		} else {
			p.log.Info().Str("job", jobID).
				Int("segments", len(transcript.Segments)).
				Msg("job done")
			_ = p.services.Reporter.Complete(jobID, nil)
		}
		handle.finish(transcript, err)
	}()

	return handle, nil
}

// run drives one job through every stage.
func (p *Pipeline) run(ctx context.Context, jobID, audioPath string, opts SubmitOptions) (merge.Transcript, error) {
	reporter := p.services.Reporter

	// Validating.
	meta, err := p.validate(ctx, jobID, audioPath, opts)
	if err != nil {
		return merge.Transcript{}, err
	}

	// Planning.
	planner := plan.New(
		plan.WithMaxUploadBytes(p.cfg.MaxUploadBytes),
		plan.WithOverlap(p.cfg.Overlap),
	)
	jobPlan, err := planner.Plan(meta)
	if err != nil {
		return merge.Transcript{}, err
	}
	p.log.Info().Str("job", jobID).
		Str("method", string(jobPlan.Method)).
		Int("slices", len(jobPlan.Slices)).
		Msg("planned")

	// One scratch directory per job, released on every exit path.
	scratch, err := p.services.Pool.Lease()
	if err != nil {
		return merge.Transcript{}, err
	}
	defer func() {
		if err := p.services.Pool.Return(scratch); err != nil {
			p.log.Warn().Err(err).Str("job", jobID).Msg("scratch release failed")
		}
	}()

	// Slicing and submitting, with re-plans on oversized extractions.
	var results []transcribe.Result
	for replans := 0; ; replans++ {
		if jobPlan.Method == plan.MethodChunked {
			if err := reporter.SetStage(jobID, progress.StageSlicing,
				fmt.Sprintf("cutting %d slices", len(jobPlan.Slices))); err != nil {
				return merge.Transcript{}, err
			}
		}
		if err := reporter.SetTotalSlices(jobID, len(jobPlan.Slices)); err != nil {
			return merge.Transcript{}, err
		}
		if err := reporter.SetStage(jobID, progress.StageTranscribing, ""); err != nil {
			return merge.Transcript{}, err
		}

		results, err = p.submitSlices(ctx, jobID, audioPath, scratch, jobPlan, replans, opts)
		if err == nil {
			break
		}

		var oversized *oversizedSliceError
		if !errors.As(err, &oversized) {
			return merge.Transcript{}, err
		}
		if replans >= plan.MaxReplans {
			return merge.Transcript{}, fmt.Errorf("%w: %v after %d re-plans",
				plan.ErrPlanInfeasible, oversized, replans)
		}

		planner = planner.Shrink()
		jobPlan, err = planner.Plan(meta)
		if err != nil {
			return merge.Transcript{}, err
		}
		p.log.Warn().Str("job", jobID).
			Int("replan", replans+1).
			Int("slices", len(jobPlan.Slices)).
			Msg("slice oversized, re-planning")
	}

	// Merging.
	if err := reporter.SetStage(jobID, progress.StageMerging, ""); err != nil {
		return merge.Transcript{}, err
	}
	transcript, err := p.merger.Merge(jobPlan, results, audioPath, p.now())
	if err != nil {
		return merge.Transcript{}, err
	}

	// Persisting.
	if err := reporter.SetStage(jobID, progress.StageCleanup, ""); err != nil {
		return merge.Transcript{}, err
	}
	if err := p.persist(ctx, jobID, transcript); err != nil {
		return merge.Transcript{}, err
	}

	return transcript, nil
}

// validate runs the preflight gate, or a bare probe when skipped.
func (p *Pipeline) validate(ctx context.Context, jobID, audioPath string, opts SubmitOptions) (audio.Metadata, error) {
	if p.gate != nil && !opts.SkipPreflight {
		report, err := p.gate.Run(ctx, jobID, audioPath)
		if err != nil {
			return audio.Metadata{}, err
		}
		return report.Metadata, nil
	}
	return p.prober.Probe(ctx, audioPath)
}

// submitSlices runs the per-slice workers and collects their results
// in slice order. The first error cancels the remaining workers.
func (p *Pipeline) submitSlices(
	ctx context.Context,
	jobID, audioPath, scratch string,
	jobPlan plan.Plan,
	generation int,
	opts SubmitOptions,
) ([]transcribe.Result, error) {
	results := make([]transcribe.Result, len(jobPlan.Slices))
	var resultMu sync.Mutex

	limit := p.cfg.MaxConcurrent
	if !opts.PreferParallel {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, spec := range jobPlan.Slices {
		g.Go(func() error {
			var prompt string
			if p.cfg.PromptCarry && spec.Index > 0 {
				resultMu.Lock()
				prompt = tailOf(results[spec.Index-1].Text)
				resultMu.Unlock()
			}

			res, err := p.runSlice(gctx, jobID, audioPath, scratch, jobPlan.Method, spec, generation, transcribe.Options{
				Prompt:   prompt,
				Language: opts.Language,
			})
			if err != nil {
				return err
			}

			resultMu.Lock()
			results[spec.Index] = res
			resultMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil, ErrCancelled
		}
		return nil, err
	}
	return results, nil
}

// runSlice is the per-slice loop: extract, queue for a token,
// submit, retry on classified failures, and hand the scratch file to
// the cleanup scheduler.
func (p *Pipeline) runSlice(
	ctx context.Context,
	jobID, audioPath, scratch string,
	method plan.Method,
	spec plan.SliceSpec,
	generation int,
	options transcribe.Options,
) (transcribe.Result, error) {
	reporter := p.services.Reporter
	report := func(state progress.SliceState) {
		if err := reporter.Slice(jobID, spec.Index, state); err != nil {
			p.log.Warn().Err(err).Str("job", jobID).Int("slice", spec.Index).Msg("progress update dropped")
		}
	}
	fail := func(reason string, err error) (transcribe.Result, error) {
		report(progress.SliceState{Status: progress.SliceFailed, Reason: reason})
		return transcribe.Result{}, err
	}

	// Direct submissions skip extraction and send the source itself.
	path := audioPath
	if method == plan.MethodChunked {
		// The generation keeps paths from a discarded plan distinct:
		// their scratch files are already queued for deletion, and a
		// re-extracted file with the same name could be swept with them.
		path = filepath.Join(scratch, fmt.Sprintf("slice_%d_%03d%s", generation, spec.Index, filepath.Ext(audioPath)))
		defer p.services.Scheduler.Schedule(path, resource.CleanupImmediate)

		report(progress.SliceState{Status: progress.SliceExtracting})
		if err := p.slicer.Slice(ctx, audioPath, spec.Start, spec.Duration, path); err != nil {
			if ctx.Err() != nil {
				return fail("cancelled", context.Canceled)
			}
			return fail(err.Error(), &SliceExtractionError{Index: spec.Index, Cause: err})
		}

		info, err := p.stat(path)
		if err != nil {
			return fail(err.Error(), &SliceExtractionError{Index: spec.Index, Cause: err})
		}
		if info.Size() > p.cfg.MaxUploadBytes {
			return fail("oversized", &oversizedSliceError{
				index: spec.Index,
				size:  info.Size(),
				limit: p.cfg.MaxUploadBytes,
			})
		}
	}

	for attempt := 0; ; attempt++ {
		// Retries skip the queued state: the lifecycle goes
		// retrying -> in_flight even though a fresh token is taken.
		if attempt == 0 {
			report(progress.SliceState{Status: progress.SliceQueued})
		}
		if err := p.services.Limiter.Acquire(ctx, 1); err != nil {
			return fail("cancelled", err)
		}

		report(progress.SliceState{Status: progress.SliceInFlight, Attempt: attempt})
		res, err := p.transcriber.Transcribe(ctx, path, options)
		if err == nil {
			report(progress.SliceState{Status: progress.SliceSucceeded})
			return res, nil
		}
		if ctx.Err() != nil {
			return fail("cancelled", context.Canceled)
		}

		kind := apierr.Classify(err)
		decision := p.policy.Decide(kind, attempt)
		if !decision.Retry {
			if p.policy.MaxAttempts(kind) == 0 {
				return fail(kind.String(), &RejectionError{Index: spec.Index, Kind: kind, Cause: err})
			}
			return fail(kind.String(), &TranscriptionError{Index: spec.Index, Attempts: attempt + 1, Cause: err})
		}

		report(progress.SliceState{
			Status:     progress.SliceRetrying,
			Attempt:    attempt + 1,
			DelayUntil: p.now().Add(decision.Delay),
			Reason:     kind.String(),
		})
		if err := apierr.Wait(ctx, decision.Delay); err != nil {
			return fail("cancelled", err)
		}

		if decision.Reextract && method == plan.MethodChunked {
			report(progress.SliceState{Status: progress.SliceExtracting, Attempt: attempt + 1})
			if err := p.slicer.Slice(ctx, audioPath, spec.Start, spec.Duration, path); err != nil {
				return fail(err.Error(), &SliceExtractionError{Index: spec.Index, Cause: err})
			}
		}
	}
}

// persist writes the transcript JSON atomically and records the text
// against the hearing row.
func (p *Pipeline) persist(ctx context.Context, jobID string, transcript merge.Transcript) error {
	doc := struct {
		JobID string `json:"job_id"`
		merge.Transcript
	}{JobID: jobID, Transcript: transcript}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return &PersistenceError{Target: "transcript", Cause: err}
	}

	if err := os.MkdirAll(p.cfg.OutputDir, 0o755); err != nil {
		return &PersistenceError{Target: p.cfg.OutputDir, Cause: err}
	}
	target := filepath.Join(p.cfg.OutputDir, jobID+"_transcript.json")
	if err := renameio.WriteFile(target, data, 0o644); err != nil {
		return &PersistenceError{Target: target, Cause: err}
	}

	if err := p.store.SaveTranscript(ctx, jobID, transcript.Text, p.now()); err != nil {
		return &PersistenceError{Target: "store", Cause: err}
	}
	return nil
}

// tailOf returns the last promptCarryChars runes of text, trimmed.
// Cutting by runes keeps a multi-byte character intact at the edge.
func tailOf(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= promptCarryChars {
		return text
	}
	runes := []rune(text)
	if len(runes) > promptCarryChars {
		runes = runes[len(runes)-promptCarryChars:]
	}
	return string(runes)
}
