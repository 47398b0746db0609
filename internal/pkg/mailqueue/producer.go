package mailqueue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Producer publishes mail jobs from the API process.
type Producer struct {
	stream *Stream
	logger *slog.Logger
}

func NewProducer(rdb *redis.Client, logger *slog.Logger, streamName string) *Producer {
	return &Producer{
		stream: NewStream(rdb, logger, streamName),
		logger: logger,
	}
}

// PublishWelcome queues the welcome mail for a freshly verified account.
func (p *Producer) PublishWelcome(ctx context.Context, userID, email, name string) error {
	if email == "" {
		return fmt.Errorf("empty recipient")
	}
	if err := p.stream.Publish(ctx, NewWelcomeMessage(userID, email, name)); err != nil {
		p.logger.Error("publish welcome mail failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		return err
	}
	p.logger.Info("welcome mail queued", slog.String("user_id", userID))
	return nil
}

// QueueLength reports the stream length.
func (p *Producer) QueueLength(ctx context.Context) (int64, error) {
	return p.stream.Len(ctx)
}
