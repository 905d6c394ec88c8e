package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// OwnerGroup — группа маршрута определяется полем owner данных события.
const OwnerGroup = "$owner"

// Route связывает шаблон канала и тип события с группой подписчиков.
type Route struct {
	// Pattern — шаблон канала для PSUBSCRIBE (например, "upload_status*").
	Pattern string
	// Type — тип события; пустой тип принимает любые события канала.
	Type string
	// Group — имя группы websocket или OwnerGroup.
	Group string
}

// Broadcaster — получатель ретранслируемых сообщений.
type Broadcaster interface {
	Broadcast(group string, msg []byte) int
}

// Relay подписывается на каналы брокера и ретранслирует события в группы websocket.
type Relay struct {
	rdb    redis.UniversalClient
	routes []Route
	target Broadcaster
	logger *slog.Logger
}

// NewRelay создаёт ретранслятор.
func NewRelay(rdb redis.UniversalClient, routes []Route, target Broadcaster, logger *slog.Logger) *Relay {
	return &Relay{
		rdb:    rdb,
		routes: routes,
		target: target,
		logger: logger.With(slog.String("component", "relay")),
	}
}

// Run подписывается на шаблоны маршрутов и блокируется до отмены ctx.
func (r *Relay) Run(ctx context.Context) error {
	patterns := make([]string, 0, len(r.routes))
	seen := make(map[string]bool, len(r.routes))
	for _, rt := range r.routes {
		if !seen[rt.Pattern] {
			seen[rt.Pattern] = true
			patterns = append(patterns, rt.Pattern)
		}
	}

	pubsub := r.rdb.PSubscribe(ctx, patterns...)
	defer pubsub.Close()

	// Дожидаемся подтверждения подписки
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("ошибка подписки на каналы %v: %w", patterns, err)
	}
	r.logger.Info("Ретранслятор запущен", slog.Any("patterns", patterns))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Ретранслятор остановлен")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.dispatch(msg)
		}
	}
}

// dispatch разбирает сообщение и рассылает его группам подходящих маршрутов.
func (r *Relay) dispatch(msg *redis.Message) {
	var event Event
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil || event.Type == "" {
		r.logger.Warn("Некорректное сообщение в канале",
			slog.String("channel", msg.Channel),
		)
		return
	}

	out, err := json.Marshal(event)
	if err != nil {
		return
	}

	for _, rt := range r.routes {
		if rt.Pattern != msg.Pattern {
			continue
		}
		if rt.Type != "" && rt.Type != event.Type {
			continue
		}
		group := rt.Group
		if group == OwnerGroup {
			group = event.owner()
		}
		if group == "" {
			continue
		}
		n := r.target.Broadcast(group, out)
		r.logger.Debug("Событие ретранслировано",
			slog.String("type", event.Type),
			slog.String("group", group),
			slog.Int("subscribers", n),
		)
	}
}
