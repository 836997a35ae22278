// Package resource manages the transient disk and memory footprint of
// transcription jobs: scratch directory leasing, deferred cleanup, and
// memory pressure detection.
package resource

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/legiscribe/hearingpipe/internal/logging"
)

// MemoryState classifies the process and system memory situation.
type MemoryState string

const (
	MemoryHealthy  MemoryState = "healthy"
	MemoryPressure MemoryState = "pressure"
	MemoryCritical MemoryState = "critical"
)

// Trend describes the direction of memory use over the sample window.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendStable  Trend = "stable"
	TrendFalling Trend = "falling"
)

// Monitor thresholds.
const (
	DefaultMemoryCapBytes = 200 << 20 // process RSS cap
	DefaultSampleInterval = time.Second

	systemPressurePercent = 85.0
	availableFloorBytes   = 100 << 20

	// Critical thresholds sit above the pressure ones.
	criticalCapFactor     = 1.5
	systemCriticalPercent = 95.0
	criticalFloorBytes    = 50 << 20

	trendWindow = 10
	// trendSlackPercent is the RSS change, relative to the window
	// start, below which the trend counts as stable.
	trendSlackPercent = 5.0
)

// Sample is one observation of memory use.
type Sample struct {
	ProcessRSS    uint64
	SystemPercent float64
	Available     uint64
	Taken         time.Time
}

// sampler abstracts the measurement source so tests can script it.
type sampler interface {
	Sample() (Sample, error)
}

// gopsutilSampler reads real process and system memory.
type gopsutilSampler struct {
	proc *process.Process
	now  func() time.Time
}

func newGopsutilSampler(now func() time.Time) (*gopsutilSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open own process: %w", err)
	}
	return &gopsutilSampler{proc: proc, now: now}, nil
}

func (s *gopsutilSampler) Sample() (Sample, error) {
	info, err := s.proc.MemoryInfo()
	if err != nil {
		return Sample{}, fmt.Errorf("process memory: %w", err)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return Sample{}, fmt.Errorf("system memory: %w", err)
	}
	return Sample{
		ProcessRSS:    info.RSS,
		SystemPercent: vm.UsedPercent,
		Available:     vm.Available,
		Taken:         s.now(),
	}, nil
}

// MemoryMonitor samples memory on an interval and classifies the
// result. Safe for concurrent use.
type MemoryMonitor struct {
	mu       sync.Mutex
	samples  []Sample // up to trendWindow, oldest first
	state    MemoryState
	capBytes uint64
	interval time.Duration
	src      sampler
	now      func() time.Time
	updates  chan MemoryState
	log      zerolog.Logger
}

// MonitorOption configures a MemoryMonitor.
type MonitorOption func(*MemoryMonitor)

// WithMemoryCap sets the process RSS cap in bytes.
func WithMemoryCap(capBytes uint64) MonitorOption {
	return func(m *MemoryMonitor) {
		if capBytes > 0 {
			m.capBytes = capBytes
		}
	}
}

// WithSampleInterval sets the sampling period.
func WithSampleInterval(d time.Duration) MonitorOption {
	return func(m *MemoryMonitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithSampler replaces the measurement source (for testing).
func WithSampler(s sampler) MonitorOption {
	return func(m *MemoryMonitor) {
		m.src = s
	}
}

// WithMonitorNow sets the time source (for testing).
func WithMonitorNow(now func() time.Time) MonitorOption {
	return func(m *MemoryMonitor) {
		m.now = now
	}
}

// NewMemoryMonitor creates a monitor. Run must be called for the state
// to update.
func NewMemoryMonitor(opts ...MonitorOption) (*MemoryMonitor, error) {
	m := &MemoryMonitor{
		state:    MemoryHealthy,
		capBytes: DefaultMemoryCapBytes,
		interval: DefaultSampleInterval,
		now:      time.Now,
		updates:  make(chan MemoryState, 1),
		log:      logging.Component("memory"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.src == nil {
		src, err := newGopsutilSampler(m.now)
		if err != nil {
			return nil, err
		}
		m.src = src
	}
	return m, nil
}

// Run samples until ctx is cancelled.
func (m *MemoryMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce()
		}
	}
}

// sampleOnce takes one sample and reclassifies.
func (m *MemoryMonitor) sampleOnce() {
	s, err := m.src.Sample()
	if err != nil {
		m.log.Warn().Err(err).Msg("memory sample failed")
		return
	}

	m.mu.Lock()
	m.samples = append(m.samples, s)
	if len(m.samples) > trendWindow {
		m.samples = m.samples[1:]
	}
	prev := m.state
	m.state = m.classify(s)
	changed := m.state != prev
	state := m.state
	m.mu.Unlock()

	if changed {
		m.log.Info().
			Str("state", string(state)).
			Uint64("rss", s.ProcessRSS).
			Float64("system_percent", s.SystemPercent).
			Msg("memory state changed")
		select {
		case m.updates <- state:
		default:
			// Stale notification still pending; replace it.
			select {
			case <-m.updates:
			default:
			}
			select {
			case m.updates <- state:
			default:
			}
		}
	}
}

// classify maps one sample onto a state. Caller holds m.mu.
func (m *MemoryMonitor) classify(s Sample) MemoryState {
	switch {
	case s.ProcessRSS > uint64(float64(m.capBytes)*criticalCapFactor),
		s.SystemPercent > systemCriticalPercent,
		s.Available < criticalFloorBytes:
		return MemoryCritical
	case s.ProcessRSS > m.capBytes,
		s.SystemPercent > systemPressurePercent,
		s.Available < availableFloorBytes:
		return MemoryPressure
	default:
		return MemoryHealthy
	}
}

// State returns the current classification.
func (m *MemoryMonitor) State() MemoryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Pressure reports whether any pressure threshold is crossed.
func (m *MemoryMonitor) Pressure() bool {
	s := m.State()
	return s == MemoryPressure || s == MemoryCritical
}

// Trend compares the newest RSS sample against the window start.
func (m *MemoryMonitor) Trend() Trend {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.samples) < 2 {
		return TrendStable
	}
	first := m.samples[0].ProcessRSS
	last := m.samples[len(m.samples)-1].ProcessRSS
	if first == 0 {
		return TrendStable
	}

	change := (float64(last) - float64(first)) / float64(first) * 100
	switch {
	case change > trendSlackPercent:
		return TrendRising
	case change < -trendSlackPercent:
		return TrendFalling
	default:
		return TrendStable
	}
}

// ShouldCleanup advises whether deferred cleanup work is worth doing
// now. Cleanup is deferred while the trend is stable and no threshold
// is crossed.
func (m *MemoryMonitor) ShouldCleanup() bool {
	return m.Pressure() || m.Trend() == TrendRising
}

// Updates delivers state changes. Slow consumers see only the latest.
func (m *MemoryMonitor) Updates() <-chan MemoryState {
	return m.updates
}
