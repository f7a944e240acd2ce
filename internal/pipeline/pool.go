package pipeline

import (
	"context"
	goruntime "runtime"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Worker limit and in-flight builds shared by pipelines.
//
// Pipelines given the same pool never run more than its size of layer builds
// and assemblies together, and a fingerprint being built by one of them is
// awaited by the others instead of built again. A pool is safe for
// concurrent use.
type Pool struct {
	workers *semaphore.Weighted
	flights singleflight.Group
}

// Creates a pool of size workers. A size of zero or less uses the number of
// CPUs.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = goruntime.NumCPU()
	}
	return &Pool{workers: semaphore.NewWeighted(int64(size))}
}

// Takes a worker slot from both the pipeline's own limit and the pool.
func (p *Pipeline) acquire(ctx context.Context) error {
	if err := p.workers.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := p.pool.workers.Acquire(ctx, 1); err != nil {
		p.workers.Release(1)
		return err
	}
	return nil
}

// Returns a slot taken by acquire.
func (p *Pipeline) release() {
	p.pool.workers.Release(1)
	p.workers.Release(1)
}
