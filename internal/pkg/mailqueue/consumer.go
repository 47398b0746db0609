package mailqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"inkwell/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

// FailureAction says what happened to a message whose handling failed.
type FailureAction string

const (
	FailureActionNone  FailureAction = "none"
	FailureActionRetry FailureAction = "retry"
	FailureActionDLQ   FailureAction = "dlq"
)

// Consumer reads mail jobs through a consumer group. Messages left pending
// by a crashed consumer are reclaimed with XAUTOCLAIM before new ones are read.
type Consumer struct {
	stream           *Stream
	logger           *slog.Logger
	groupName        string
	consumerID       string
	blockTime        time.Duration
	batchSize        int64
	pendingIdle      time.Duration
	pendingStart     string
	deadLetterStream string
	maxRetry         int
}

type ConsumerOption func(*Consumer)

func WithBlockTime(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.blockTime = d }
}

func WithBatchSize(size int64) ConsumerOption {
	return func(c *Consumer) { c.batchSize = size }
}

// WithPendingIdle sets how long a pending message must sit idle before it
// is reclaimed.
func WithPendingIdle(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.pendingIdle = d }
}

func WithDeadLetterStream(stream string) ConsumerOption {
	return func(c *Consumer) { c.deadLetterStream = stream }
}

func WithMaxRetry(maxRetry int) ConsumerOption {
	return func(c *Consumer) { c.maxRetry = maxRetry }
}

// NewConsumer creates the consumer group if missing.
func NewConsumer(ctx context.Context, rdb *redis.Client, logger *slog.Logger, streamName, groupName, consumerID string, opts ...ConsumerOption) (*Consumer, error) {
	if groupName == "" {
		return nil, fmt.Errorf("group name is required")
	}
	if consumerID == "" {
		consumerID = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}

	stream := NewStream(rdb, logger, streamName)
	c := &Consumer{
		stream:           stream,
		logger:           logger,
		groupName:        groupName,
		consumerID:       consumerID,
		blockTime:        time.Second,
		batchSize:        10,
		pendingIdle:      time.Minute,
		pendingStart:     "0-0",
		deadLetterStream: stream.Name() + ":dlq",
		maxRetry:         3,
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := stream.CreateConsumerGroup(ctx, groupName); err != nil {
		return nil, err
	}

	c.logger.Info("mail consumer created",
		slog.String("group", groupName),
		slog.String("consumer_id", consumerID))
	return c, nil
}

func (c *Consumer) GroupName() string {
	return c.groupName
}

// Delivery is a message together with its stream id.
type Delivery struct {
	ID      string
	Message *MailMessage
}

// Read returns reclaimed pending messages if any, otherwise blocks up to
// the block time for new ones.
func (c *Consumer) Read(ctx context.Context) ([]*Delivery, error) {
	pending, err := c.readPending(ctx)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		return pending, nil
	}
	return c.readNew(ctx)
}

func (c *Consumer) readPending(ctx context.Context) ([]*Delivery, error) {
	messages, nextStart, err := c.stream.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream.name,
		Group:    c.groupName,
		Consumer: c.consumerID,
		MinIdle:  c.pendingIdle,
		Start:    c.pendingStart,
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xautoclaim failed: %w", err)
	}
	if nextStart != "" {
		c.pendingStart = nextStart
	}
	if len(messages) > 0 {
		metrics.MailQueueAutoClaimTotal.Add(float64(len(messages)))
	}
	return c.parseMessages(ctx, messages), nil
}

func (c *Consumer) readNew(ctx context.Context) ([]*Delivery, error) {
	streams, err := c.stream.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.groupName,
		Consumer: c.consumerID,
		Streams:  []string{c.stream.name, ">"},
		Count:    c.batchSize,
		Block:    c.blockTime,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup failed: %w", err)
	}

	var messages []redis.XMessage
	for _, stream := range streams {
		messages = append(messages, stream.Messages...)
	}
	return c.parseMessages(ctx, messages), nil
}

// parseMessages drops unreadable entries into the dead-letter stream.
func (c *Consumer) parseMessages(ctx context.Context, messages []redis.XMessage) []*Delivery {
	if len(messages) == 0 {
		return nil
	}
	out := make([]*Delivery, 0, len(messages))
	for _, msg := range messages {
		data, ok := msg.Values["data"].(string)
		if !ok || data == "" {
			c.logger.Warn("invalid message format", slog.String("msg_id", msg.ID))
			c.handlePoisonMessage(ctx, msg.ID, fmt.Sprintf("%v", msg.Values["data"]), "invalid message format")
			continue
		}
		parsed, err := parseMessage(data)
		if err != nil {
			c.logger.Error("parse message failed",
				slog.String("msg_id", msg.ID),
				slog.String("error", err.Error()))
			c.handlePoisonMessage(ctx, msg.ID, data, err.Error())
			continue
		}
		out = append(out, &Delivery{ID: msg.ID, Message: parsed})
	}
	return out
}

func (c *Consumer) Ack(ctx context.Context, msgID string) error {
	acked, err := c.stream.rdb.XAck(ctx, c.stream.name, c.groupName, msgID).Result()
	if err != nil {
		return fmt.Errorf("xack failed: %w", err)
	}
	if acked == 0 {
		c.logger.Warn("message not acked (may already be acked)", slog.String("msg_id", msgID))
	}
	return nil
}

// HandleFailure re-publishes d with an incremented retry count, or moves it
// to the dead-letter stream once the retry budget is spent. The original
// entry is acked either way.
func (c *Consumer) HandleFailure(ctx context.Context, d *Delivery, cause error) (FailureAction, error) {
	if d == nil || d.Message == nil {
		return FailureActionNone, fmt.Errorf("message is nil")
	}

	d.Message.Retry++
	if d.Message.Retry > c.maxRetry {
		if err := c.publishDeadLetter(ctx, d.ID, d.Message, cause); err != nil {
			return FailureActionDLQ, err
		}
		metrics.MailJobsTotal.WithLabelValues("dlq").Inc()
		return FailureActionDLQ, c.Ack(ctx, d.ID)
	}

	if err := c.stream.Publish(ctx, d.Message); err != nil {
		return FailureActionRetry, err
	}
	metrics.MailJobsTotal.WithLabelValues("retry").Inc()
	return FailureActionRetry, c.Ack(ctx, d.ID)
}

func (c *Consumer) handlePoisonMessage(ctx context.Context, msgID, payload, reason string) {
	if err := c.publishDeadLetter(ctx, msgID, payload, errors.New(reason)); err != nil {
		c.logger.Error("publish dead letter failed", slog.String("msg_id", msgID), slog.String("error", err.Error()))
	}
	metrics.MailJobsTotal.WithLabelValues("dlq").Inc()
	if err := c.Ack(ctx, msgID); err != nil {
		c.logger.Error("ack poison message failed", slog.String("msg_id", msgID), slog.String("error", err.Error()))
	}
}

func (c *Consumer) publishDeadLetter(ctx context.Context, msgID string, payload interface{}, cause error) error {
	raw := payload
	if msg, ok := payload.(*MailMessage); ok {
		if data, err := json.Marshal(msg); err == nil {
			raw = string(data)
		}
	}
	return c.stream.publishRaw(ctx, c.deadLetterStream, map[string]interface{}{
		"original_id": msgID,
		"payload":     raw,
		"reason":      cause.Error(),
		"failed_at":   time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// Pending is the number of delivered but unacked messages in the group.
func (c *Consumer) Pending(ctx context.Context) (int64, error) {
	info, err := c.stream.rdb.XPending(ctx, c.stream.name, c.groupName).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending failed: %w", err)
	}
	metrics.MailQueueDepth.Set(float64(info.Count))
	return info.Count, nil
}
