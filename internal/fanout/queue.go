package fanout

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// ErrQueueClosed is returned when submitting to a stopped queue.
var ErrQueueClosed = errors.New("fanout: queue closed")

const defaultQueueBuffer = 64

// Task is a unit of background work.
type Task func(ctx context.Context) error

// Scheduler accepts background work.
type Scheduler interface {
	Submit(name string, task Task) error
}

type queuedTask struct {
	name string
	run  Task
}

// Queue runs submitted tasks on a fixed set of worker goroutines. Each task runs under its own
// error boundary: returned errors and panics are reported and the worker moves on.
type Queue struct {
	mu       sync.RWMutex
	closed   bool
	tasks    chan queuedTask
	pending  sync.WaitGroup
	workers  sync.WaitGroup
	observer ErrorObserver
	logger   *zap.Logger
}

// NewQueue starts workers that run until Close. ctx is passed to every task.
func NewQueue(ctx context.Context, workers int, observer ErrorObserver, logger *zap.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		tasks:    make(chan queuedTask, defaultQueueBuffer),
		observer: observer,
		logger:   logger,
	}
	for range workers {
		q.workers.Add(1)
		go q.work(ctx)
	}
	return q
}

// Submit enqueues a task. It blocks while the buffer is full.
func (q *Queue) Submit(name string, task Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.pending.Add(1)
	q.tasks <- queuedTask{name: name, run: task}
	return nil
}

// Wait blocks until every task submitted so far has finished.
func (q *Queue) Wait() {
	q.pending.Wait()
}

// Close stops accepting tasks, lets queued tasks finish and stops the workers.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()
	q.workers.Wait()
}

func (q *Queue) work(ctx context.Context) {
	defer q.workers.Done()
	for task := range q.tasks {
		q.run(ctx, task)
	}
}

func (q *Queue) run(ctx context.Context, task queuedTask) {
	defer q.pending.Done()
	defer func() {
		if recovered := recover(); recovered != nil {
			q.logger.Error("background task panicked",
				zap.String("task", task.name),
				zap.Any("panic", recovered),
				zap.ByteString("stack", debug.Stack()),
			)
			q.report(ctx, fmt.Errorf("fanout: task %s panicked: %v", task.name, recovered))
		}
	}()
	if err := task.run(ctx); err != nil {
		q.report(ctx, fmt.Errorf("fanout: task %s: %w", task.name, err))
	}
}

func (q *Queue) report(ctx context.Context, err error) {
	if q.observer != nil {
		q.observer.ReportError(ctx, err)
		return
	}
	q.logger.Error("background task failed", zap.Error(err))
}
