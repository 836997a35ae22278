// Package preflight gates a transcription job on the checks that must
// hold before any pipeline work starts: host resources, the audio file
// itself, API reachability, and the hearing's metadata record.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/errgroup"

	"github.com/legiscribe/hearingpipe/internal/audio"
	"github.com/legiscribe/hearingpipe/internal/store"
	"github.com/legiscribe/hearingpipe/internal/transcribe"
)

// Check thresholds.
const (
	MinFreeMemory = 500 << 20 // bytes
	MinFreeDisk   = 2 << 30   // bytes
	MaxCPUPercent = 90.0

	MaxAudioBytes    = 5 << 30
	MinAudioDuration = 5 * time.Second
	MaxAudioDuration = 10 * time.Hour

	apiTimeout = 30 * time.Second
)

// allowedExtensions are the audio container formats accepted for
// submission.
var allowedExtensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".flac": true,
	".m4a":  true,
	".aac":  true,
}

// CheckResult is the outcome of one named check.
type CheckResult struct {
	Group  string `json:"group"`
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Report aggregates every check with a readiness score.
type Report struct {
	Checks []CheckResult `json:"checks"`
	// ReadinessScore is the fraction of checks that passed.
	ReadinessScore float64 `json:"readiness_score"`
	// Metadata holds the probe result when the audio checks passed,
	// so the caller does not probe twice.
	Metadata audio.Metadata `json:"-"`
	// Hearing holds the metadata record when the hearing checks
	// passed.
	Hearing store.Hearing `json:"-"`
}

// Passed reports whether every check succeeded.
func (r Report) Passed() bool {
	for _, c := range r.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// Failures lists the checks that did not pass.
func (r Report) Failures() []CheckResult {
	var out []CheckResult
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// Error is the composite failure surfaced when any check fails.
type Error struct {
	Report Report
}

func (e *Error) Error() string {
	failures := e.Report.Failures()
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, fmt.Sprintf("%s/%s: %s", f.Group, f.Name, f.Detail))
	}
	return fmt.Sprintf("preflight failed (%d of %d checks): %s",
		len(failures), len(e.Report.Checks), strings.Join(parts, "; "))
}

// hostSampler reads the host resource figures the system group checks.
type hostSampler interface {
	FreeMemory() (uint64, error)
	FreeDisk(path string) (uint64, error)
	CPUPercent(ctx context.Context) (float64, error)
}

// gopsutilHost is the real host sampler.
type gopsutilHost struct{}

func (gopsutilHost) FreeMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

func (gopsutilHost) FreeDisk(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

func (gopsutilHost) CPUPercent(ctx context.Context) (float64, error) {
	// A short window; instantaneous per-tick load is too jittery.
	percents, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, errors.New("no cpu sample")
	}
	return percents[0], nil
}

// hearingSource is the slice of the store the hearing group needs.
type hearingSource interface {
	GetHearing(ctx context.Context, id string) (store.Hearing, error)
}

// Checker runs the preflight gate.
type Checker struct {
	prober   audio.Prober
	pinger   transcribe.Pinger
	creds    transcribe.CredentialProvider
	hearings hearingSource
	host     hostSampler
	// scratch is the path whose filesystem must have free space.
	scratch string
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithHostSampler replaces the host resource source (for testing).
func WithHostSampler(h hostSampler) CheckerOption {
	return func(c *Checker) {
		c.host = h
	}
}

// NewChecker wires a Checker from the job's collaborators.
func NewChecker(
	prober audio.Prober,
	pinger transcribe.Pinger,
	creds transcribe.CredentialProvider,
	hearings hearingSource,
	scratch string,
	opts ...CheckerOption,
) *Checker {
	c := &Checker{
		prober:   prober,
		pinger:   pinger,
		creds:    creds,
		hearings: hearings,
		host:     gopsutilHost{},
		scratch:  scratch,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes the four check groups concurrently and returns the
// composite report. A non-nil error is always *Error and means the
// pipeline must not start.
func (c *Checker) Run(ctx context.Context, jobID, audioPath string) (Report, error) {
	var (
		system, api      []CheckResult
		audioChecks      []CheckResult
		hearingChecks    []CheckResult
		meta             audio.Metadata
		hearing          store.Hearing
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		system = c.checkSystem(gctx)
		return nil
	})
	g.Go(func() error {
		audioChecks, meta = c.checkAudio(gctx, audioPath)
		return nil
	})
	g.Go(func() error {
		api = c.checkAPI(gctx)
		return nil
	})
	g.Go(func() error {
		hearingChecks, hearing = c.checkHearing(gctx, jobID)
		return nil
	})
	_ = g.Wait() // group funcs never return errors; results carry them

	report := Report{Metadata: meta, Hearing: hearing}
	report.Checks = append(report.Checks, system...)
	report.Checks = append(report.Checks, audioChecks...)
	report.Checks = append(report.Checks, api...)
	report.Checks = append(report.Checks, hearingChecks...)
	sort.SliceStable(report.Checks, func(i, j int) bool {
		if report.Checks[i].Group != report.Checks[j].Group {
			return report.Checks[i].Group < report.Checks[j].Group
		}
		return report.Checks[i].Name < report.Checks[j].Name
	})

	passed := 0
	for _, chk := range report.Checks {
		if chk.Passed {
			passed++
		}
	}
	if len(report.Checks) > 0 {
		report.ReadinessScore = float64(passed) / float64(len(report.Checks))
	}

	if !report.Passed() {
		return report, &Error{Report: report}
	}
	return report, nil
}

func result(group, name string, passed bool, detail string) CheckResult {
	return CheckResult{Group: group, Name: name, Passed: passed, Detail: detail}
}

func (c *Checker) checkSystem(ctx context.Context) []CheckResult {
	var out []CheckResult

	free, err := c.host.FreeMemory()
	switch {
	case err != nil:
		out = append(out, result("system", "memory", false, err.Error()))
	case free < MinFreeMemory:
		out = append(out, result("system", "memory", false,
			fmt.Sprintf("%d MiB free, need %d MiB", free>>20, MinFreeMemory>>20)))
	default:
		out = append(out, result("system", "memory", true, ""))
	}

	freeDisk, err := c.host.FreeDisk(c.scratch)
	switch {
	case err != nil:
		out = append(out, result("system", "disk", false, err.Error()))
	case freeDisk < MinFreeDisk:
		out = append(out, result("system", "disk", false,
			fmt.Sprintf("%d MiB free, need %d MiB", freeDisk>>20, MinFreeDisk>>20)))
	default:
		out = append(out, result("system", "disk", true, ""))
	}

	pct, err := c.host.CPUPercent(ctx)
	switch {
	case err != nil:
		out = append(out, result("system", "cpu", false, err.Error()))
	case pct >= MaxCPUPercent:
		out = append(out, result("system", "cpu", false,
			fmt.Sprintf("%.0f%% load, need below %.0f%%", pct, MaxCPUPercent)))
	default:
		out = append(out, result("system", "cpu", true, ""))
	}

	return out
}

func (c *Checker) checkAudio(ctx context.Context, path string) ([]CheckResult, audio.Metadata) {
	var out []CheckResult

	ext := strings.ToLower(filepath.Ext(path))
	if !allowedExtensions[ext] {
		out = append(out, result("audio", "format", false,
			fmt.Sprintf("extension %q not supported", ext)))
		return out, audio.Metadata{}
	}
	out = append(out, result("audio", "format", true, ""))

	meta, err := c.prober.Probe(ctx, path)
	if err != nil {
		name := "probe"
		if errors.Is(err, audio.ErrNotFound) {
			name = "exists"
		}
		out = append(out, result("audio", name, false, err.Error()))
		return out, audio.Metadata{}
	}
	out = append(out, result("audio", "exists", true, ""))
	out = append(out, result("audio", "probe", true, ""))

	switch {
	case meta.SizeBytes == 0:
		out = append(out, result("audio", "size", false, "file is empty"))
	case meta.SizeBytes > MaxAudioBytes:
		out = append(out, result("audio", "size", false,
			fmt.Sprintf("%d bytes exceeds %d byte limit", meta.SizeBytes, int64(MaxAudioBytes))))
	default:
		out = append(out, result("audio", "size", true, ""))
	}

	switch {
	case meta.Duration < MinAudioDuration:
		out = append(out, result("audio", "duration", false,
			fmt.Sprintf("%s shorter than %s minimum", meta.Duration, MinAudioDuration)))
	case meta.Duration > MaxAudioDuration:
		out = append(out, result("audio", "duration", false,
			fmt.Sprintf("%s longer than %s maximum", meta.Duration, MaxAudioDuration)))
	default:
		out = append(out, result("audio", "duration", true, ""))
	}

	return out, meta
}

func (c *Checker) checkAPI(ctx context.Context) []CheckResult {
	var out []CheckResult

	if _, err := c.creds.APIKey(); err != nil {
		out = append(out, result("api", "credential", false, err.Error()))
		// Without a credential the liveness call cannot be attempted.
		out = append(out, result("api", "liveness", false, "skipped: no credential"))
		return out
	}
	out = append(out, result("api", "credential", true, ""))

	pingCtx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()
	if err := c.pinger.Ping(pingCtx); err != nil {
		out = append(out, result("api", "liveness", false, err.Error()))
	} else {
		out = append(out, result("api", "liveness", true, ""))
	}
	return out
}

func (c *Checker) checkHearing(ctx context.Context, jobID string) ([]CheckResult, store.Hearing) {
	h, err := c.hearings.GetHearing(ctx, jobID)
	if err != nil {
		return []CheckResult{result("hearing", "record", false, err.Error())}, store.Hearing{}
	}
	if err := h.Validate(); err != nil {
		return []CheckResult{
			result("hearing", "record", true, ""),
			result("hearing", "metadata", false, err.Error()),
		}, h
	}
	return []CheckResult{
		result("hearing", "record", true, ""),
		result("hearing", "metadata", true, ""),
	}, h
}
