package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/radieske/updown-settlement/internal/domain"
	"github.com/radieske/updown-settlement/internal/settlement-worker/settlement"
	"github.com/radieske/updown-settlement/internal/wager-service/placement"
	"github.com/radieske/updown-settlement/pkg/contracts/events"
)

// Placer é a colocação de apostas (placement.Placer)
type Placer interface {
	Place(ctx context.Context, req placement.Request) (domain.Wager, error)
}

// Settler é a liquidação de sessões (settlement.Processor)
type Settler interface {
	Settle(ctx context.Context, sessionID string) (settlement.Result, error)
}

// Router encaminha cada envelope ao componente responsável pelo seu tipo
type Router struct {
	Placer  Placer
	Settler Settler
	Log     *zap.Logger
}

func (r *Router) Handle(ctx context.Context, env events.Envelope) error {
	switch env.Kind {
	case events.KindPlaceWager:
		return r.placeWager(ctx, env)
	case events.KindSettleSession:
		return r.settleSession(ctx, env)
	}
	return fmt.Errorf("%w: unknown command kind %q", domain.ErrValidation, env.Kind)
}

func (r *Router) placeWager(ctx context.Context, env events.Envelope) error {
	if r.Placer == nil {
		return fmt.Errorf("%w: placeWager not handled here", domain.ErrValidation)
	}
	var cmd events.PlaceWager
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		return fmt.Errorf("%w: decode placeWager: %v", domain.ErrValidation, err)
	}
	dir, _ := domain.ParseDirection(cmd.Direction)
	// o tradeId do envelope é o id da aposta: um replay devolve a aposta já gravada
	w, err := r.Placer.Place(ctx, placement.Request{
		WagerID:   env.TradeID,
		UserID:    cmd.UserID,
		SessionID: cmd.SessionID,
		Direction: dir,
		Stake:     cmd.Stake,
	})
	if err != nil {
		return err
	}
	if r.Log != nil {
		r.Log.Debug("queued wager placed", zap.String("wager_id", w.ID), zap.String("session_id", w.SessionID))
	}
	return nil
}

func (r *Router) settleSession(ctx context.Context, env events.Envelope) error {
	if r.Settler == nil {
		return fmt.Errorf("%w: settleSession not handled here", domain.ErrValidation)
	}
	res, err := r.Settler.Settle(ctx, env.SessionID)
	if err != nil {
		return err
	}
	if r.Log != nil {
		r.Log.Info("session settled from queue",
			zap.String("session_id", res.SessionID),
			zap.Int("wagers_processed", res.WagersProcessed),
		)
	}
	return nil
}
