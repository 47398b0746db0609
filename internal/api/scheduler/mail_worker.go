package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"inkwell/internal/pkg/mailqueue"
	"inkwell/internal/pkg/metrics"
	"inkwell/internal/pkg/notify"
	"inkwell/internal/pkg/queue"
)

// Throttle paces outbound mail. *ratelimit.RateLimiter satisfies it.
type Throttle interface {
	Acquire(ctx context.Context) error
}

// MailConsumer is the stream side of the worker. *mailqueue.Consumer satisfies it.
type MailConsumer interface {
	Read(ctx context.Context) ([]*mailqueue.Delivery, error)
	Ack(ctx context.Context, msgID string) error
	HandleFailure(ctx context.Context, d *mailqueue.Delivery, cause error) (mailqueue.FailureAction, error)
	Pending(ctx context.Context) (int64, error)
}

const mailSendTimeout = 30 * time.Second

// ReclaimIdle returns how long a pending mail job must sit idle before the
// stream may hand it to another consumer. It covers a full buffer of
// capacity jobs draining at rate mails per second plus one send.
func ReclaimIdle(capacity int, rate float64) time.Duration {
	idle := mailSendTimeout
	if rate > 0 && capacity > 0 {
		idle += time.Duration(float64(capacity) / rate * float64(time.Second))
	}
	if idle < time.Minute {
		idle = time.Minute
	}
	return idle
}

// MailWorker reads queued mail from the stream and sends it through a
// bounded worker pool.
type MailWorker struct {
	consumer    MailConsumer
	queue       *queue.Queue
	sender      notify.WelcomeSender
	throttle    Throttle
	logger      *slog.Logger
	sendTimeout time.Duration

	// inflight holds stream ids that sit in the pool. XAUTOCLAIM can hand
	// them back to this consumer while they wait for the throttle.
	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewMailWorker creates a worker with its own pool of workers goroutines and
// a buffer of capacity jobs. throttle may be nil.
func NewMailWorker(consumer MailConsumer, sender notify.WelcomeSender, throttle Throttle, logger *slog.Logger, workers, capacity int) *MailWorker {
	if workers <= 0 {
		workers = 4
	}
	if capacity <= 0 {
		capacity = 100
	}
	q := queue.New(logger, workers, capacity)
	q.SetErrorHandler(func(err error, _ queue.Job) {
		logger.Warn("mail job failed", slog.String("error", err.Error()))
	})
	return &MailWorker{
		consumer:    consumer,
		queue:       q,
		sender:      sender,
		throttle:    throttle,
		logger:      logger,
		sendTimeout: mailSendTimeout,
		inflight:    make(map[string]struct{}),
	}
}

// Run starts the pool and consumes the stream until ctx is cancelled, then
// drains the pool.
func (w *MailWorker) Run(ctx context.Context) error {
	w.queue.Start(ctx)
	w.logger.Info("mail worker started")
	defer func() {
		if err := w.queue.Shutdown(30 * time.Second); err != nil && !errors.Is(err, queue.ErrClosed) {
			w.logger.Warn("mail pool shutdown", slog.String("error", err.Error()))
		}
		w.logger.Info("mail worker stopped")
	}()

	probe := time.NewTicker(15 * time.Second)
	defer probe.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-probe.C:
			if _, err := w.consumer.Pending(ctx); err != nil {
				w.logger.Warn("mail queue depth probe failed", slog.String("error", err.Error()))
			}
		default:
		}

		deliveries, err := w.consumer.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("read mail queue failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		for _, d := range deliveries {
			w.enqueueDelivery(ctx, d)
		}
	}
}

// enqueueDelivery hands d to the pool, waiting for a free slot. Messages
// that cannot be enqueued stay pending and are reclaimed later.
// A message already held by the pool is skipped.
func (w *MailWorker) enqueueDelivery(ctx context.Context, d *mailqueue.Delivery) {
	if !w.track(d.ID) {
		w.logger.Debug("mail job already in flight", slog.String("msg_id", d.ID))
		return
	}
	err := w.queue.EnqueueBlocking(ctx, func(jobCtx context.Context) error {
		defer w.untrack(d.ID)
		return w.handleDelivery(jobCtx, d)
	})
	if err != nil {
		w.untrack(d.ID)
		w.logger.Warn("mail job not enqueued",
			slog.String("msg_id", d.ID),
			slog.String("error", err.Error()))
	}
}

func (w *MailWorker) track(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.inflight[id]; ok {
		return false
	}
	w.inflight[id] = struct{}{}
	return true
}

func (w *MailWorker) untrack(id string) {
	w.mu.Lock()
	delete(w.inflight, id)
	w.mu.Unlock()
}

func (w *MailWorker) handleDelivery(ctx context.Context, d *mailqueue.Delivery) error {
	sendErr := w.deliver(ctx, d.Message)
	if sendErr == nil {
		metrics.MailJobsTotal.WithLabelValues("sent").Inc()
		if err := w.consumer.Ack(ctx, d.ID); err != nil {
			return err
		}
		w.logger.Info("mail sent",
			slog.String("kind", string(d.Message.Kind)),
			slog.String("user_id", d.Message.UserID))
		return nil
	}

	action, err := w.consumer.HandleFailure(ctx, d, sendErr)
	if err != nil {
		return fmt.Errorf("handle mail failure (%s): %w", action, err)
	}
	w.logger.Warn("mail delivery failed",
		slog.String("msg_id", d.ID),
		slog.String("action", string(action)),
		slog.Bool("auth_failure", notify.IsAuthFailure(sendErr)),
		slog.String("error", sendErr.Error()))
	return sendErr
}

func (w *MailWorker) deliver(ctx context.Context, msg *mailqueue.MailMessage) error {
	if w.throttle != nil {
		if err := w.throttle.Acquire(ctx); err != nil {
			return fmt.Errorf("mail throttle: %w", err)
		}
	}
	sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	defer cancel()

	switch msg.Kind {
	case mailqueue.KindWelcome:
		return w.sender.SendWelcome(sendCtx, msg.Email, msg.Name)
	default:
		return fmt.Errorf("unknown mail kind %q", msg.Kind)
	}
}
