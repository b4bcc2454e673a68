// Package dispatch runs fire-and-forget background tasks on a bounded worker
// pool. Accepting a protocol request enqueues at most one task; the enqueue
// is the only synchronization boundary between the synchronous accept phase
// and the asynchronous cross-actor work.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of background work. The context carries the pool's
// lifetime, not the originating request's: once accepted, work cannot be
// aborted by the caller.
type Task func(ctx context.Context)

// Pool is a bounded fire-and-forget executor.
type Pool struct {
	tasks   chan Task
	workers int
	logger  *slog.Logger

	startOnce sync.Once
	closeOnce sync.Once
	group     *errgroup.Group
	baseCtx   context.Context
}

// Option configures the Pool.
type Option func(*Pool)

// WithLogger overrides the logger used for dropped-task reporting.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New constructs a pool with the given worker count and queue depth.
func New(workers, queueSize int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	p := &Pool{
		tasks:   make(chan Task, queueSize),
		workers: workers,
		logger:  slog.Default(),
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. It returns immediately; workers drain the
// queue until Close is called or ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		group, groupCtx := errgroup.WithContext(ctx)
		p.group = group
		p.baseCtx = groupCtx
		for i := 0; i < p.workers; i++ {
			group.Go(func() error {
				for {
					select {
					case task, ok := <-p.tasks:
						if !ok {
							return nil
						}
						task(groupCtx)
					case <-groupCtx.Done():
						return groupCtx.Err()
					}
				}
			})
		}
	})
}

// Enqueue schedules a task. When the queue is full the task runs inline on
// the caller's goroutine rather than being dropped: the caller has already
// acknowledged the request, so the reply must still go out even if the accept
// path stalls for its duration. Returns false when the task ran inline.
func (p *Pool) Enqueue(task Task) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		p.logger.Warn("dispatch queue full, running task inline")
		task(p.baseCtx)
		return false
	}
}

// Close stops accepting tasks and waits for in-flight work to finish.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.tasks)
		if p.group != nil {
			_ = p.group.Wait()
		}
	})
}
