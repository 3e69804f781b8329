package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/radieske/updown-settlement/internal/shared/metrics"
)

// Notifier é o que os componentes do motor enxergam. Falhas de entrega nunca
// devem afetar o resultado de uma operação financeira; o chamador só loga.
type Notifier interface {
	Notify(ctx context.Context, userID, kind string, payload any) error
	Broadcast(ctx context.Context, kind string, payload any) error
}

// Publisher entrega um evento já montado a uma sala
type Publisher interface {
	Publish(ctx context.Context, room Room, ev Event) error
}

// Nop descarta todos os eventos
type Nop struct{}

func (Nop) Notify(context.Context, string, string, any) error { return nil }
func (Nop) Broadcast(context.Context, string, any) error      { return nil }

// RedisNotifier publica cada evento em "<prefix>:<room>"; o realtime-service
// assina "<prefix>:*" e repassa aos websockets.
type RedisNotifier struct {
	rdb     *redis.Client
	prefix  string
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewRedisNotifier(rdb *redis.Client, prefix string, log *zap.Logger, m *metrics.Metrics) *RedisNotifier {
	if prefix == "" {
		prefix = "realtime"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisNotifier{rdb: rdb, prefix: prefix, log: log, metrics: m}
}

// Channel retorna o canal Redis de uma sala
func (n *RedisNotifier) Channel(room Room) string { return n.prefix + ":" + string(room) }

func (n *RedisNotifier) Publish(ctx context.Context, room Room, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		n.metrics.Realtime("error")
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.rdb.Publish(ctx, n.Channel(room), b).Err(); err != nil {
		n.metrics.Realtime("error")
		n.log.Debug("realtime publish failed", zap.String("room", string(room)), zap.Error(err))
		return fmt.Errorf("publish %s: %w", room, err)
	}
	n.metrics.Realtime("published")
	return nil
}

func (n *RedisNotifier) Notify(ctx context.Context, userID, kind string, payload any) error {
	ev, err := NewEvent(kind, payload)
	if err != nil {
		return err
	}
	return n.Publish(ctx, UserRoom(userID), ev)
}

func (n *RedisNotifier) Broadcast(ctx context.Context, kind string, payload any) error {
	ev, err := NewEvent(kind, payload)
	if err != nil {
		return err
	}
	return n.Publish(ctx, BroadcastRoom(), ev)
}
