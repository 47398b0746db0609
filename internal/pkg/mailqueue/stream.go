// Package mailqueue carries outbound mail jobs over a Redis Stream with a
// consumer group, retry by re-publish and a dead-letter stream.
package mailqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const DefaultStream = "inkwell:mail:queue"

// Stream wraps the Redis Stream operations shared by Producer and Consumer.
type Stream struct {
	rdb    *redis.Client
	logger *slog.Logger
	name   string
}

func NewStream(rdb *redis.Client, logger *slog.Logger, name string) *Stream {
	if name == "" {
		name = DefaultStream
	}
	return &Stream{rdb: rdb, logger: logger, name: name}
}

func (s *Stream) Name() string {
	return s.name
}

// Publish appends msg to the stream.
func (s *Stream) Publish(ctx context.Context, msg *MailMessage) error {
	if msg == nil {
		return fmt.Errorf("message is nil")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.publishRaw(ctx, s.name, map[string]interface{}{
		"data": string(data),
	})
}

func (s *Stream) publishRaw(ctx context.Context, stream string, values map[string]interface{}) error {
	msgID, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: 100000,
		Approx: false,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}
	s.logger.Debug("mail message published",
		slog.String("stream", stream),
		slog.String("msg_id", msgID))
	return nil
}

// CreateConsumerGroup creates group at the stream start, creating the
// stream if needed. An existing group is not an error.
func (s *Stream) CreateConsumerGroup(ctx context.Context, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.name, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	s.logger.Info("consumer group ready",
		slog.String("stream", s.name),
		slog.String("group", group))
	return nil
}

// Len is the number of entries in the stream.
func (s *Stream) Len(ctx context.Context) (int64, error) {
	n, err := s.rdb.XLen(ctx, s.name).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen failed: %w", err)
	}
	return n, nil
}

func parseMessage(data string) (*MailMessage, error) {
	var msg MailMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if msg.Kind == "" || msg.Email == "" {
		return nil, fmt.Errorf("message missing kind or email")
	}
	return &msg, nil
}
