package session

import (
	"context"
	"fmt"

	"github.com/radieske/updown-settlement/internal/shared/kafka"
	"github.com/radieske/updown-settlement/pkg/contracts/events"
)

// Dispatcher pede a liquidação de uma sessão que entrou em RESOLVING
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID, reason string) error
}

// DispatchFunc adapta uma função a Dispatcher (ex.: liquidação inline sem fila)
type DispatchFunc func(ctx context.Context, sessionID, reason string) error

func (f DispatchFunc) Dispatch(ctx context.Context, sessionID, reason string) error {
	return f(ctx, sessionID, reason)
}

// KafkaDispatcher publica um comando settleSession, chaveado pelo id da sessão
type KafkaDispatcher struct {
	w *kafka.Writer
}

func NewKafkaDispatcher(w *kafka.Writer) *KafkaDispatcher {
	return &KafkaDispatcher{w: w}
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, sessionID, reason string) error {
	env, err := events.NewEnvelope(events.KindSettleSession, sessionID, "",
		events.SettleSession{SessionID: sessionID, Reason: reason})
	if err != nil {
		return err
	}
	if err := kafka.WriteJSON(ctx, d.w, sessionID, env); err != nil {
		return fmt.Errorf("dispatch settle %s: %w", sessionID, err)
	}
	return nil
}
