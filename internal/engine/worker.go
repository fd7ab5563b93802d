package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rendis/conex/internal/logging"
)

// PoolMetrics is a snapshot of the async run pool.
type PoolMetrics struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned by Submit once Shutdown has been called.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// WorkerPool runs async executions with bounded concurrency. Each job is
// keyed by its execution id, which is attached to the job's log context.
type WorkerPool struct {
	slots  chan struct{}
	logger *slog.Logger

	// mu orders wg.Add against Shutdown's Wait.
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
	done   chan struct{}

	waiting, active, completed, failed, panics atomic.Int64
}

func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		slots:  make(chan struct{}, size),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Submit waits for a free slot, then runs fn in its own goroutine. It
// returns early if ctx is done or the pool shuts down while waiting.
// fn's context keeps ctx's values but not its cancellation, so a run
// outlives the tool call that started it.
func (p *WorkerPool) Submit(ctx context.Context, executionID string, fn func(ctx context.Context) error) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}

	p.waiting.Add(1)
	select {
	case p.slots <- struct{}{}:
		p.waiting.Add(-1)
	case <-ctx.Done():
		p.waiting.Add(-1)
		return ctx.Err()
	case <-p.done:
		p.waiting.Add(-1)
		return ErrPoolShutdown
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	jobCtx := logging.WithExecutionID(context.WithoutCancel(ctx), executionID)
	p.active.Add(1)
	go p.run(jobCtx, executionID, fn)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, executionID string, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			p.logger.ErrorContext(ctx, "async run panicked",
				slog.String("job", executionID), slog.Any("panic", r))
		}
		p.active.Add(-1)
		<-p.slots
		p.wg.Done()
	}()

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		p.logger.DebugContext(ctx, "async run returned an error",
			slog.String("job", executionID), slog.String("error", err.Error()))
		return
	}
	p.completed.Add(1)
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Wait blocks until every submitted job has returned.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new work, releases waiting submitters and blocks until
// active jobs return. Safe to call more than once.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Waiting:   p.waiting.Load(),
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
