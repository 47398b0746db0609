// Package queue is an in-memory job queue drained by a fixed worker pool.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrClosed = errors.New("queue is closed")
	ErrNilJob = errors.New("job is nil")
)

// Job is one unit of asynchronous work.
type Job func(ctx context.Context) error

// ErrorHandler is called with every failed job.
type ErrorHandler func(err error, job Job)

// Queue feeds jobs to a fixed pool of workers.
type Queue struct {
	logger       *slog.Logger
	workers      int
	jobs         chan Job
	errorHandler ErrorHandler

	// mu guards the send side against a concurrent close.
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	stats queueStats
}

type queueStats struct {
	enqueued  atomic.Int64
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
}

// Stats is a point-in-time copy of the queue counters.
type Stats struct {
	Enqueued  int64
	Processed int64
	Succeeded int64
	Failed    int64
	Dropped   int64 // rejected because the buffer was full
	Panics    int64
	Pending   int
}

// New creates a queue with at least one worker and one buffer slot.
func New(logger *slog.Logger, workers int, capacity int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		logger:  logger,
		workers: workers,
		jobs:    make(chan Job, capacity),
	}
}

func (q *Queue) SetErrorHandler(handler ErrorHandler) {
	q.errorHandler = handler
}

// Start launches the workers. They run until ctx is cancelled or Shutdown
// drains the buffer.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			q.logger.Debug("worker stopped", slog.Int("worker_id", id))
			return
		case job, ok := <-q.jobs:
			if !ok {
				q.logger.Debug("worker exit on closed channel", slog.Int("worker_id", id))
				return
			}
			if job != nil {
				q.run(ctx, job, id)
			}
		}
	}
}

func (q *Queue) run(ctx context.Context, job Job, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			q.stats.panics.Add(1)
			q.logger.Error("job panic recovered",
				slog.Int("worker_id", workerID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	err := job(ctx)
	q.stats.processed.Add(1)
	if err != nil {
		q.stats.failed.Add(1)
		q.logger.Warn("job failed",
			slog.Int("worker_id", workerID),
			slog.String("error", err.Error()))
		if q.errorHandler != nil {
			q.errorHandler(err, job)
		}
		return
	}
	q.stats.succeeded.Add(1)
}

// Enqueue adds job without blocking. It returns false when the queue is
// full or closed.
func (q *Queue) Enqueue(job Job) bool {
	if job == nil {
		return false
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.logger.Warn("queue is closed, reject job")
		return false
	}

	select {
	case q.jobs <- job:
		q.stats.enqueued.Add(1)
		return true
	default:
		q.stats.dropped.Add(1)
		q.logger.Warn("queue full, drop job",
			slog.Int("capacity", cap(q.jobs)),
			slog.Int("pending", len(q.jobs)))
		return false
	}
}

// EnqueueBlocking waits for a free slot until ctx ends.
func (q *Queue) EnqueueBlocking(ctx context.Context, job Job) error {
	if job == nil {
		return ErrNilJob
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	select {
	case q.jobs <- job:
		q.stats.enqueued.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting jobs and waits for the workers to finish what is
// already buffered, up to timeout. A zero timeout waits indefinitely.
func (q *Queue) Shutdown(timeout time.Duration) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.logger.Info("queue shutdown initiated", slog.String("timeout", timeout.String()))

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		q.logger.Info("queue shutdown completed")
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		q.logger.Info("queue shutdown completed")
		return nil
	case <-timer.C:
		q.logger.Error("queue shutdown timeout")
		return errors.New("queue shutdown timeout")
	}
}

func (q *Queue) Stats() Stats {
	return Stats{
		Enqueued:  q.stats.enqueued.Load(),
		Processed: q.stats.processed.Load(),
		Succeeded: q.stats.succeeded.Load(),
		Failed:    q.stats.failed.Load(),
		Dropped:   q.stats.dropped.Load(),
		Panics:    q.stats.panics.Load(),
		Pending:   len(q.jobs),
	}
}
