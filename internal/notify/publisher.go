package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// ErrBroker — брокер сообщений недоступен.
var ErrBroker = errors.New("брокер сообщений недоступен")

// Publisher публикует события в именованный канал.
type Publisher interface {
	Publish(ctx context.Context, channel string, event Event) error
}

// RedisPublisher — публикация через Redis PUBLISH.
// Не ждёт подписчиков: событие без подписчиков просто теряется.
type RedisPublisher struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

// NewRedisPublisher создаёт публикатор.
func NewRedisPublisher(rdb redis.UniversalClient, logger *slog.Logger) *RedisPublisher {
	return &RedisPublisher{
		rdb:    rdb,
		logger: logger.With(slog.String("component", "publisher")),
	}
}

// Publish сериализует событие и публикует его в канал.
func (p *RedisPublisher) Publish(ctx context.Context, channel string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("ошибка сериализации события: %w", err)
	}

	receivers, err := p.rdb.Publish(ctx, channel, payload).Result()
	if err != nil {
		return fmt.Errorf("%w: канал %s: %v", ErrBroker, channel, err)
	}

	p.logger.Debug("Событие опубликовано",
		slog.String("channel", channel),
		slog.String("type", event.Type),
		slog.Int64("receivers", receivers),
	)
	return nil
}
