// Package worker provides goroutine pool management.
//
// Concurrent work goes through an ants pool with context propagation instead
// of bare goroutines, so panics are recovered and parallelism is bounded.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"metexplorer.io/met/internal/pkg/logger"
)

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// Task is a context-aware task function.
type Task func(ctx context.Context)

// Pool wraps ants.Pool with context-aware submission.
type Pool struct {
	pool *ants.Pool
	name string
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Running int `json:"running"`
	Free    int `json:"free"`
	Cap     int `json:"cap"`
}

// NewPool creates a blocking pool of size workers.
func NewPool(name string, size int) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool %s: size must be positive, got %d", name, size)
	}

	panicHandler := func(p interface{}) {
		logger.Error("worker panic recovered",
			zap.String("pool", name),
			zap.Any("panic", p),
			zap.Stack("stack"),
		)
	}

	ap, err := ants.NewPool(size,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", name, err)
	}
	return &Pool{pool: ap, name: name}, nil
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Submit submits a context-aware task.
// If ctx is already cancelled, returns ctx.Err() without submitting.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := p.pool.Submit(func() {
		select {
		case <-ctx.Done():
			logger.Debug("task skipped: context cancelled",
				zap.String("pool", p.name),
				zap.Error(ctx.Err()),
			)
			return
		default:
		}
		task(ctx)
	})
	if errors.Is(err, ants.ErrPoolClosed) {
		return ErrPoolClosed
	}
	return err
}

// Each runs fn for every index in [0, n) on the pool and waits for all of
// them. Indices that were not run, because submission failed or ctx was
// cancelled while queued, are reported through onSkip, possibly from a
// worker goroutine.
func (p *Pool) Each(ctx context.Context, n int, fn func(ctx context.Context, i int), onSkip func(i int, err error)) {
	skip := func(i int, err error) {
		if onSkip != nil {
			onSkip(i, err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		if err := ctx.Err(); err != nil {
			skip(i, err)
			continue
		}
		wg.Add(1)
		err := p.pool.Submit(func() {
			defer wg.Done()
			if err := ctx.Err(); err != nil {
				skip(i, err)
				return
			}
			fn(ctx, i)
		})
		if err != nil {
			wg.Done()
			if errors.Is(err, ants.ErrPoolClosed) {
				err = ErrPoolClosed
			}
			skip(i, err)
		}
	}
	wg.Wait()
}

// Stats returns pool metrics for observability.
func (p *Pool) Stats() Stats {
	return Stats{
		Running: p.pool.Running(),
		Free:    p.pool.Free(),
		Cap:     p.pool.Cap(),
	}
}

// Release waits up to timeout for running tasks and closes the pool.
func (p *Pool) Release(timeout time.Duration) {
	if err := p.pool.ReleaseTimeout(timeout); err != nil {
		logger.Warn("pool shutdown timeout", zap.String("pool", p.name), zap.Error(err))
	}
}
