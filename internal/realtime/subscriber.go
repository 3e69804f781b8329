package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deliverer recebe os eventos vindos do pub/sub (implementado pelo Hub)
type Deliverer interface {
	Deliver(room Room, ev Event)
}

// Subscriber assina "<prefix>:*" no Redis e repassa cada evento à sala correspondente
type Subscriber struct {
	rdb    *redis.Client
	prefix string
	out    Deliverer
	log    *zap.Logger
}

func NewSubscriber(rdb *redis.Client, prefix string, out Deliverer, log *zap.Logger) *Subscriber {
	if prefix == "" {
		prefix = "realtime"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Subscriber{rdb: rdb, prefix: prefix, out: out, log: log}
}

// Run bloqueia até ctx ser cancelado ou a assinatura cair
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.rdb.PSubscribe(ctx, s.prefix+":*")
	defer sub.Close()

	// confirma a assinatura antes de começar a consumir
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe %s:*: %w", s.prefix, err)
	}
	s.log.Info("realtime subscriber started", zap.String("pattern", s.prefix+":*"))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("realtime subscription closed")
			}
			s.handle(msg)
		}
	}
}

func (s *Subscriber) handle(msg *redis.Message) {
	room, ok := strings.CutPrefix(msg.Channel, s.prefix+":")
	if !ok || room == "" {
		return
	}
	var ev Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		s.log.Warn("realtime subscriber unmarshal error", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	s.out.Deliver(Room(room), ev)
}
