// Package progress aggregates per-slice state changes into job-level
// progress records and publishes them to an in-memory registry, to
// subscribers, and to durable on-disk snapshots.
package progress

import (
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

	"github.com/legiscribe/hearingpipe/internal/logging"
)

// Package errors.
var (
	// ErrUnknownJob indicates no record exists for the job id.
	ErrUnknownJob = errors.New("unknown job")

	// ErrJobTerminal indicates an update arrived after done/failed.
	ErrJobTerminal = errors.New("job already terminal")

	// ErrBadTransition indicates a slice state change that the slice
	// lifecycle forbids.
	ErrBadTransition = errors.New("invalid slice transition")
)

// Stage weights: the share of overall_percent each stage contributes.
// The transcribing share is prorated across slices.
const (
	weightAnalyzing    = 10.0
	weightSlicing      = 15.0
	weightTranscribing = 70.0
	weightMerging      = 5.0
)

// etaMinSamples is how many slices must complete before an ETA is
// published; a single sample is too noisy to show.
const etaMinSamples = 2

// Reporter is the progress substrate shared by all jobs. Safe for
// concurrent use.
type Reporter struct {
	mu            sync.Mutex
	jobs          map[string]*jobState
	snapshotDir   string // "" disables snapshots
	maxConcurrent int
	now           func() time.Time
	log           zerolog.Logger
}

// jobState is the reporter's private view of one job.
type jobState struct {
	record     Record
	maxPercent float64
	subs       map[int]chan Record
	nextSub    int
	total      int
	inFlightAt map[int]time.Time
	durations  []time.Duration
}

// ReporterOption configures a Reporter.
type ReporterOption func(*Reporter)

// WithSnapshotDir enables durable snapshots under dir.
func WithSnapshotDir(dir string) ReporterOption {
	return func(r *Reporter) {
		r.snapshotDir = dir
	}
}

// WithMaxConcurrent sets the parallelism used in ETA estimation.
func WithMaxConcurrent(n int) ReporterOption {
	return func(r *Reporter) {
		if n > 0 {
			r.maxConcurrent = n
		}
	}
}

// WithNow sets the time source (for testing).
func WithNow(now func() time.Time) ReporterOption {
	return func(r *Reporter) {
		r.now = now
	}
}

// NewReporter creates a Reporter.
func NewReporter(opts ...ReporterOption) *Reporter {
	r := &Reporter{
		jobs:          make(map[string]*jobState),
		maxConcurrent: 3,
		now:           time.Now,
		log:           logging.Component("progress"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start registers a job in the analyzing stage.
func (r *Reporter) Start(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[jobID]; ok {
		return fmt.Errorf("job %s already started", jobID)
	}

	js := &jobState{
		record: Record{
			JobID:     jobID,
			Stage:     StageAnalyzing,
			Slices:    make(map[int]SliceState),
			UpdatedAt: r.now(),
		},
		subs:       make(map[int]chan Record),
		inFlightAt: make(map[int]time.Time),
	}
	r.jobs[jobID] = js
	return r.publishLocked(js)
}

// SetStage moves the job to a new stage with an optional message.
func (r *Reporter) SetStage(jobID string, stage Stage, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	js, err := r.activeLocked(jobID)
	if err != nil {
		return err
	}

	js.record.Stage = stage
	js.record.Message = message
	return r.publishLocked(js)
}

// SetTotalSlices declares the slice count, resetting every slice to
// pending. A re-plan calls this again with the new count.
func (r *Reporter) SetTotalSlices(jobID string, n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	js, err := r.activeLocked(jobID)
	if err != nil {
		return err
	}

	js.total = n
	js.record.Slices = make(map[int]SliceState, n)
	js.inFlightAt = make(map[int]time.Time)
	for i := range n {
		js.record.Slices[i] = SliceState{Status: SlicePending}
	}
	return r.publishLocked(js)
}

// Slice applies a state change to one slice, validating the lifecycle.
func (r *Reporter) Slice(jobID string, index int, state SliceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	js, err := r.activeLocked(jobID)
	if err != nil {
		return err
	}

	from := SlicePending
	if cur, ok := js.record.Slices[index]; ok {
		from = cur.Status
	}
	if from != state.Status && !ValidTransition(from, state.Status) {
		return fmt.Errorf("%w: slice %d %s -> %s", ErrBadTransition, index, from, state.Status)
	}

	// Track per-slice duration for the ETA: first entry into flight
	// until success.
	now := r.now()
	switch state.Status {
	case SliceInFlight:
		if _, ok := js.inFlightAt[index]; !ok {
			js.inFlightAt[index] = now
		}
	case SliceSucceeded:
		if started, ok := js.inFlightAt[index]; ok {
			js.durations = append(js.durations, now.Sub(started))
			delete(js.inFlightAt, index)
		}
	}

	js.record.Slices[index] = state
	return r.publishLocked(js)
}

// Complete moves the job to its terminal stage.
func (r *Reporter) Complete(jobID string, jobErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	js, err := r.activeLocked(jobID)
	if err != nil {
		return err
	}

	if jobErr != nil {
		js.record.Stage = StageFailed
		js.record.Error = jobErr.Error()
	} else {
		js.record.Stage = StageDone
	}
	if err := r.publishLocked(js); err != nil {
		return err
	}

	// Terminal: close out subscribers.
	for id, ch := range js.subs {
		close(ch)
		delete(js.subs, id)
	}
	return nil
}

// Get returns a copy of the job's latest record.
func (r *Reporter) Get(jobID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	js, ok := r.jobs[jobID]
	if !ok {
		return Record{}, false
	}
	return js.record.clone(), true
}

// Subscribe returns a channel receiving every published record for the
// job, and a cancel function. Slow subscribers observe only the latest
// record; intermediate ones are dropped. The channel closes when the
// job terminates or cancel is called.
func (r *Reporter) Subscribe(jobID string) (<-chan Record, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	js, ok := r.jobs[jobID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}

	ch := make(chan Record, 1)
	id := js.nextSub
	js.nextSub++
	js.subs[id] = ch

	// Prime with the current state.
	ch <- js.record.clone()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := js.subs[id]; ok {
			close(c)
			delete(js.subs, id)
		}
	}
	return ch, cancel, nil
}

// activeLocked returns the job if it exists and is not terminal.
func (r *Reporter) activeLocked(jobID string) (*jobState, error) {
	js, ok := r.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if js.record.Stage.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrJobTerminal, jobID)
	}
	return js, nil
}

// publishLocked recomputes the derived fields and fans the record out.
// Caller holds r.mu.
func (r *Reporter) publishLocked(js *jobState) error {
	js.record.UpdatedAt = r.now()
	js.record.OverallPercent = r.percentLocked(js)
	js.record.ETASeconds = r.etaLocked(js)

	rec := js.record.clone()

	for _, ch := range js.subs {
		select {
		case ch <- rec:
		default:
			// Replace the stale record so the subscriber always sees
			// the latest state next.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- rec:
			default:
			}
		}
	}

	if r.snapshotDir == "" {
		return nil
	}
	return r.writeSnapshot(rec)
}

// percentLocked maps the job's stage and slice states onto [0, 100],
// clamped so published values never regress.
func (r *Reporter) percentLocked(js *jobState) float64 {
	var pct float64
	switch js.record.Stage {
	case StageAnalyzing:
		pct = 0
	case StageSlicing:
		pct = weightAnalyzing
	case StageTranscribing:
		pct = weightAnalyzing + weightSlicing + weightTranscribing*r.sliceFractionLocked(js)
	case StageMerging:
		pct = weightAnalyzing + weightSlicing + weightTranscribing
	case StageCleanup:
		pct = weightAnalyzing + weightSlicing + weightTranscribing + weightMerging
	case StageDone:
		pct = 100
	case StageFailed:
		pct = js.maxPercent
	}

	if pct < js.maxPercent {
		pct = js.maxPercent
	}
	js.maxPercent = pct
	return pct
}

// sliceFractionLocked is the transcribing proration:
// (completed + 0.5*in_flight) / total.
func (r *Reporter) sliceFractionLocked(js *jobState) float64 {
	if js.total == 0 {
		return 0
	}
	var completed, inFlight int
	for _, s := range js.record.Slices {
		switch s.Status {
		case SliceSucceeded:
			completed++
		case SliceInFlight:
			inFlight++
		}
	}
	return (float64(completed) + 0.5*float64(inFlight)) / float64(js.total)
}

// etaLocked estimates remaining seconds once enough slices completed.
func (r *Reporter) etaLocked(js *jobState) float64 {
	if len(js.durations) < etaMinSamples || js.total == 0 {
		return 0
	}

	var completed int
	for _, s := range js.record.Slices {
		if s.Status == SliceSucceeded {
			completed++
		}
	}
	remaining := js.total - completed
	if remaining <= 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range js.durations {
		sum += d
	}
	avg := sum / time.Duration(len(js.durations))

	lanes := min(r.maxConcurrent, remaining)
	return (avg * time.Duration(remaining) / time.Duration(lanes)).Seconds()
}

// writeSnapshot persists the record atomically (write-temp-then-rename)
// so observers never read a torn file.
func (r *Reporter) writeSnapshot(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress snapshot: %w", err)
	}

	path := filepath.Join(r.snapshotDir, rec.JobID+".json")
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write progress snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot loads a job's persisted record from dir.
func ReadSnapshot(dir, jobID string) (Record, error) {
	path := filepath.Join(dir, jobID+".json")
	data, err := os.ReadFile(path) // #nosec G304 -- path is dir + job id
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("parse progress snapshot: %w", err)
	}
	return rec, nil
}

// PruneSnapshots removes snapshot files older than maxAge. Jobs still
// registered in memory are kept regardless of their file age.
func (r *Reporter) PruneSnapshots(maxAge time.Duration) error {
	if r.snapshotDir == "" {
		return nil
	}

	entries, err := os.ReadDir(r.snapshotDir)
	if err != nil {
		return fmt.Errorf("read snapshot dir: %w", err)
	}

	cutoff := r.now().Add(-maxAge)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}

		jobID := strings.TrimSuffix(e.Name(), ".json")
		r.mu.Lock()
		_, live := r.jobs[jobID]
		r.mu.Unlock()
		if live {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(r.snapshotDir, e.Name())); err != nil {
				r.log.Warn().Err(err).Str("file", e.Name()).Msg("prune snapshot")
			}
		}
	}
	return nil
}

// Forget drops a terminal job from the in-memory registry. Snapshots
// remain on disk until pruned.
func (r *Reporter) Forget(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if js, ok := r.jobs[jobID]; ok && js.record.Stage.Terminal() {
		delete(r.jobs, jobID)
	}
}
