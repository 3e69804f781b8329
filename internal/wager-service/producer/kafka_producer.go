package producer

import (
	"context"
	"fmt"

	"github.com/radieske/updown-settlement/internal/shared/kafka"
	"github.com/radieske/updown-settlement/pkg/contracts/events"
)

// KafkaPublisher enfileira comandos placeWager para o settlement-worker
type KafkaPublisher struct {
	Writer *kafka.Writer
}

func NewKafkaPublisher(w *kafka.Writer) *KafkaPublisher {
	return &KafkaPublisher{Writer: w}
}

// PublishPlaceWager usa o WagerID como tradeId; a chave é o usuário para manter a ordem por usuário
func (p *KafkaPublisher) PublishPlaceWager(ctx context.Context, e events.PlaceWager) error {
	env, err := events.NewEnvelope(events.KindPlaceWager, e.SessionID, e.WagerID, e)
	if err != nil {
		return err
	}
	if err := kafka.WriteJSON(ctx, p.Writer, e.UserID, env); err != nil {
		return fmt.Errorf("publish place wager %s: %w", e.WagerID, err)
	}
	return nil
}
