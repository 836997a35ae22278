package resource

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/legiscribe/hearingpipe/internal/logging"
)

// ErrPoolClosed indicates a lease attempt after Close.
var ErrPoolClosed = errors.New("resource pool closed")

// DefaultPoolSize is how many scratch directories the pool retains for
// reuse.
const DefaultPoolSize = 3

// ResourcePool hands out scratch directories under a common root. A
// returned directory is wiped and kept for reuse, unless the pool is
// full or memory pressure is set, in which case it is deleted outright.
// Safe for concurrent use.
type ResourcePool struct {
	mu       sync.Mutex
	root     string
	free     []string
	capacity int
	pressure func() bool
	closed   bool
	log      zerolog.Logger
}

// PoolOption configures a ResourcePool.
type PoolOption func(*ResourcePool)

// WithPoolSize sets how many directories are retained.
func WithPoolSize(n int) PoolOption {
	return func(p *ResourcePool) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// WithPressureFunc supplies the memory pressure signal consulted on
// return. Defaults to never-pressured.
func WithPressureFunc(f func() bool) PoolOption {
	return func(p *ResourcePool) {
		p.pressure = f
	}
}

// NewResourcePool creates a pool rooted at root, creating root if
// needed.
func NewResourcePool(root string, opts ...PoolOption) (*ResourcePool, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch root: %w", err)
	}

	p := &ResourcePool{
		root:     root,
		capacity: DefaultPoolSize,
		pressure: func() bool { return false },
		log:      logging.Component("pool"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Lease returns an empty scratch directory, reusing a pooled one when
// available.
func (p *ResourcePool) Lease() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return "", ErrPoolClosed
	}

	if n := len(p.free); n > 0 {
		dir := p.free[n-1]
		p.free = p.free[:n-1]
		return dir, nil
	}

	dir, err := os.MkdirTemp(p.root, "scratch-")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, nil
}

// Return gives a directory back. Under pressure or when the pool is
// full the directory is deleted; otherwise its contents are wiped and
// the directory is pooled.
func (p *ResourcePool) Return(dir string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.free) >= p.capacity || p.pressure() {
		return removeDir(dir)
	}

	if err := wipeDir(dir); err != nil {
		// Wipe failed; do not pool a dirty directory.
		p.log.Warn().Err(err).Str("dir", dir).Msg("wipe failed, deleting")
		return removeDir(dir)
	}
	p.free = append(p.free, dir)
	return nil
}

// Close deletes pooled directories. Outstanding leases stay valid but
// their directories are deleted on Return.
func (p *ResourcePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var firstErr error
	for _, dir := range p.free {
		if err := removeDir(dir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.free = nil
	return firstErr
}

// wipeDir removes the directory's contents but keeps the directory.
func wipeDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func removeDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove scratch dir: %w", err)
	}
	return nil
}
