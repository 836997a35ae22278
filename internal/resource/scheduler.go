package resource

import (
	"container/heap"
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/legiscribe/hearingpipe/internal/logging"
)

// CleanupPolicy decides how long a scheduled path lingers before
// deletion.
type CleanupPolicy string

const (
	// CleanupImmediate deletes at the next worker wakeup.
	CleanupImmediate CleanupPolicy = "immediate"
	// CleanupAfterUse deletes shortly after the file is done with.
	CleanupAfterUse CleanupPolicy = "after_use"
	// CleanupOnPressure lingers until memory pressure promotes it.
	CleanupOnPressure CleanupPolicy = "on_pressure"
	// CleanupOnCompletion lingers longest, for post-job inspection.
	CleanupOnCompletion CleanupPolicy = "on_completion"
)

// Default policy delays.
var defaultDelays = map[CleanupPolicy]time.Duration{
	CleanupImmediate:    0,
	CleanupAfterUse:     30 * time.Second,
	CleanupOnPressure:   5 * time.Minute,
	CleanupOnCompletion: 10 * time.Minute,
}

// cleanupItem is one queued deletion.
type cleanupItem struct {
	path   string
	due    time.Time
	policy CleanupPolicy
	index  int // heap bookkeeping
}

// cleanupQueue orders items by due time.
type cleanupQueue []*cleanupItem

func (q cleanupQueue) Len() int { return len(q) }

func (q cleanupQueue) Less(i, j int) bool { return q[i].due.Before(q[j].due) }

func (q cleanupQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *cleanupQueue) Push(x any) {
	item := x.(*cleanupItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *cleanupQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// CleanupScheduler deletes scheduled paths when they come due. A single
// worker drains the queue; memory pressure promotes on_pressure items
// to immediate. Safe for concurrent use.
type CleanupScheduler struct {
	mu     sync.Mutex
	queue  cleanupQueue
	delays map[CleanupPolicy]time.Duration
	remove func(string) error
	now    func() time.Time
	kick   chan struct{}
	log    zerolog.Logger
}

// SchedulerOption configures a CleanupScheduler.
type SchedulerOption func(*CleanupScheduler)

// WithRemove replaces the deletion function (for testing).
func WithRemove(remove func(string) error) SchedulerOption {
	return func(s *CleanupScheduler) {
		s.remove = remove
	}
}

// WithDelays overrides selected policy delays.
func WithDelays(delays map[CleanupPolicy]time.Duration) SchedulerOption {
	return func(s *CleanupScheduler) {
		for policy, d := range delays {
			s.delays[policy] = d
		}
	}
}

// WithSchedulerNow sets the time source (for testing).
func WithSchedulerNow(now func() time.Time) SchedulerOption {
	return func(s *CleanupScheduler) {
		s.now = now
	}
}

// NewCleanupScheduler creates a scheduler. Run must be called for
// deletions to happen.
func NewCleanupScheduler(opts ...SchedulerOption) *CleanupScheduler {
	s := &CleanupScheduler{
		delays: make(map[CleanupPolicy]time.Duration, len(defaultDelays)),
		remove: os.RemoveAll,
		now:    time.Now,
		kick:   make(chan struct{}, 1),
		log:    logging.Component("cleanup"),
	}
	for policy, d := range defaultDelays {
		s.delays[policy] = d
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule queues path for deletion under the given policy.
func (s *CleanupScheduler) Schedule(path string, policy CleanupPolicy) {
	delay, ok := s.delays[policy]
	if !ok {
		delay = 0
	}

	s.mu.Lock()
	heap.Push(&s.queue, &cleanupItem{
		path:   path,
		due:    s.now().Add(delay),
		policy: policy,
	})
	s.mu.Unlock()
	s.wake()
}

// Promote marks every on_pressure item due now. Called when the memory
// monitor reports pressure.
func (s *CleanupScheduler) Promote() {
	now := s.now()

	s.mu.Lock()
	for _, item := range s.queue {
		if item.policy == CleanupOnPressure && item.due.After(now) {
			item.due = now
		}
	}
	heap.Init(&s.queue)
	s.mu.Unlock()
	s.wake()
}

// Flush synchronously deletes everything still queued.
func (s *CleanupScheduler) Flush() {
	s.mu.Lock()
	items := make([]*cleanupItem, len(s.queue))
	copy(items, s.queue)
	s.queue = s.queue[:0]
	s.mu.Unlock()

	for _, item := range items {
		s.removePath(item.path)
	}
}

// Pending returns the number of queued deletions.
func (s *CleanupScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Run processes the queue until ctx is cancelled, then flushes.
func (s *CleanupScheduler) Run(ctx context.Context) {
	for {
		due, wait := s.takeDue()
		for _, path := range due {
			s.removePath(path)
		}

		// Sleep until the next item is due, or until kicked. A nil
		// timer channel blocks forever, covering the empty queue.
		var timer *time.Timer
		var timerC <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.Flush()
			return
		case <-s.kick:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
		}
	}
}

// takeDue pops everything due now and reports how long until the next
// item, 0 when the queue is empty.
func (s *CleanupScheduler) takeDue() (paths []string, wait time.Duration) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) > 0 && !s.queue[0].due.After(now) {
		item := heap.Pop(&s.queue).(*cleanupItem)
		paths = append(paths, item.path)
	}
	if len(s.queue) > 0 {
		wait = s.queue[0].due.Sub(now)
	}
	return paths, wait
}

func (s *CleanupScheduler) removePath(path string) {
	if err := s.remove(path); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("cleanup failed")
	}
}

func (s *CleanupScheduler) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}
