package executor

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("executor queue is full")
	ErrStopped   = errors.New("executor is stopped")
)

// Task is one unit of background work. Run must honor ctx cancellation.
type Task struct {
	Name string
	Run  func(ctx context.Context)
}

// Executor is a bounded task queue consumed by a fixed pool of workers.
// Provisioning work dispatched here survives the triggering request and is
// drained on shutdown instead of being fire-and-forgotten.
type Executor struct {
	queue   chan Task
	workers int
	logger  *zap.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func New(workers, queueDepth int, logger *zap.Logger) *Executor {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &Executor{
		queue:   make(chan Task, queueDepth),
		workers: workers,
		logger:  logger.Named("executor"),
	}
}

// Run consumes the queue until ctx is cancelled, then drains what was already
// accepted. Tasks execute with a context detached from the shutdown signal so
// drained work runs to completion instead of failing fast; the caller bounds
// the wait. Blocks until all workers exit.
func (e *Executor) Run(ctx context.Context) {
	taskCtx := context.WithoutCancel(ctx)
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(taskCtx)
	}

	<-ctx.Done()

	e.mu.Lock()
	e.stopped = true
	close(e.queue)
	e.mu.Unlock()

	e.wg.Wait()
}

// Submit enqueues a task without blocking. Returns ErrQueueFull when the
// queue is saturated so callers can surface back-pressure instead of piling
// up goroutines.
func (e *Executor) Submit(task Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	select {
	case e.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending reports queued-but-unstarted tasks.
func (e *Executor) Pending() int {
	return len(e.queue)
}

func (e *Executor) worker(ctx context.Context) {
	defer e.wg.Done()
	for task := range e.queue {
		e.run(ctx, task)
	}
}

func (e *Executor) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task_panic",
				zap.String("task", task.Name),
				zap.Any("panic", r),
			)
		}
	}()

	e.logger.Debug("task_started", zap.String("task", task.Name))
	task.Run(ctx)
}
