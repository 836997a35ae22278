package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/legiscribe/hearingpipe/internal/config"
	"github.com/legiscribe/hearingpipe/internal/progress"
	"github.com/legiscribe/hearingpipe/internal/ratelimit"
	"github.com/legiscribe/hearingpipe/internal/resource"
)

// pruneInterval is how often old progress snapshots are swept.
const pruneInterval = time.Hour

// ServiceSet owns the process-wide services every job shares. It is
// created once at startup and torn down at shutdown; jobs receive
// explicit references rather than reaching for globals.
type ServiceSet struct {
	Limiter   *ratelimit.Limiter
	Pool      *resource.ResourcePool
	Reporter  *progress.Reporter
	Scheduler *resource.CleanupScheduler
	Monitor   *resource.MemoryMonitor

	retention time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServiceSet assembles the shared services from configuration.
func NewServiceSet(cfg config.Config) (*ServiceSet, error) {
	limiter, err := ratelimit.New(cfg.RateLimitCapacity, cfg.RateLimitRefill)
	if err != nil {
		return nil, err
	}

	monitor, err := resource.NewMemoryMonitor(
		resource.WithMemoryCap(cfg.MemoryCapBytes),
	)
	if err != nil {
		return nil, err
	}

	pool, err := resource.NewResourcePool(cfg.ScratchRoot,
		resource.WithPressureFunc(monitor.Pressure),
	)
	if err != nil {
		return nil, err
	}

	return &ServiceSet{
		Limiter:   limiter,
		Pool:      pool,
		Reporter: progress.NewReporter(
			progress.WithSnapshotDir(cfg.ProgressDir),
			progress.WithMaxConcurrent(cfg.MaxConcurrent),
		),
		Scheduler: resource.NewCleanupScheduler(),
		Monitor:   monitor,
		retention: cfg.ProgressRetention,
	}, nil
}

// Start launches the background workers: cleanup scheduling, memory
// sampling, pressure promotion, and snapshot pruning.
func (s *ServiceSet) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.Scheduler.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.Monitor.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.bridge(ctx)
	}()
}

// bridge forwards memory state changes to the cleanup scheduler and
// sweeps old snapshots on an interval.
func (s *ServiceSet) bridge(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case state := <-s.Monitor.Updates():
			if state != resource.MemoryHealthy {
				s.Scheduler.Promote()
			}
		case <-ticker.C:
			_ = s.Reporter.PruneSnapshots(s.retention)
		}
	}
}

// Close stops the background workers and releases pooled resources.
// Pending cleanup work is flushed.
func (s *ServiceSet) Close() error {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}
	return s.Pool.Close()
}
