// Package ledger concentra as únicas mutações legais do saldo do usuário
// (available/escrowed). Cada operação é uma atualização condicional no store:
// quem arbitra concorrência é o banco, nunca um check-then-act em memória.
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/radieske/updown-settlement/internal/domain"
)

// DefaultPayoutRatio é a fração do stake paga como lucro numa vitória
var DefaultPayoutRatio = decimal.RequireFromString("0.9")

// Ledger aplica escrow e liquidações sobre o store
type Ledger struct {
	store domain.Store
	ratio decimal.Decimal
	log   *zap.Logger
}

// New cria o ledger. ratio zero ou negativo usa DefaultPayoutRatio.
func New(store domain.Store, ratio decimal.Decimal, log *zap.Logger) *Ledger {
	if !ratio.IsPositive() {
		ratio = DefaultPayoutRatio
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{store: store, ratio: ratio, log: log}
}

// PayoutRatio retorna a razão configurada
func (l *Ledger) PayoutRatio() decimal.Decimal { return l.ratio }

// Profit = floor(stake × payoutRatio), calculado em decimal para não sofrer arredondamento binário
func (l *Ledger) Profit(stake int64) int64 {
	return decimal.NewFromInt(stake).Mul(l.ratio).Floor().IntPart()
}

// Resolve compara a direção apostada com o resultado da sessão
func (l *Ledger) Resolve(w domain.Wager, outcome domain.Direction) domain.Settlement {
	s := domain.Settlement{WagerID: w.ID, UserID: w.UserID, Stake: w.Stake, Result: domain.ResultLose}
	if w.Direction == outcome {
		s.Result = domain.ResultWin
		s.Profit = l.Profit(w.Stake)
	}
	return s
}

// on escolhe a transação informada ou o store em autocommit
func (l *Ledger) on(tx domain.LedgerStore) domain.LedgerStore {
	if tx != nil {
		return tx
	}
	return l.store
}

func positive(op string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%s: %w: amount must be positive, got %d", op, domain.ErrValidation, amount)
	}
	return nil
}

// Escrow move amount de available para escrowed. ErrInsufficientFunds se available < amount.
// Cada wagerID tem no máximo um escrow ativo: repetir a chamada não reserva de novo.
func (l *Ledger) Escrow(ctx context.Context, userID, wagerID string, amount int64) error {
	if err := positive("escrow", amount); err != nil {
		return err
	}
	return l.store.Escrow(ctx, userID, wagerID, amount)
}

// Release devolve um escrow a available. Usado apenas como compensação quando a
// aposta não pôde ser gravada; não existe cancelamento de aposta pelo usuário.
func (l *Ledger) Release(ctx context.Context, userID, wagerID string, amount int64) error {
	if err := positive("release", amount); err != nil {
		return err
	}
	return l.store.ReleaseEscrow(ctx, userID, wagerID, amount)
}

// SettleWin: available += stake+profit; escrowed -= stake
func (l *Ledger) SettleWin(ctx context.Context, tx domain.LedgerStore, userID, wagerID string, stake, profit int64) error {
	if err := positive("settle win", stake); err != nil {
		return err
	}
	if profit < 0 {
		return fmt.Errorf("settle win: %w: negative profit", domain.ErrValidation)
	}
	return l.on(tx).SettleWin(ctx, userID, wagerID, stake, profit)
}

// SettleLose: escrowed -= stake; available não muda
func (l *Ledger) SettleLose(ctx context.Context, tx domain.LedgerStore, userID, wagerID string, stake int64) error {
	if err := positive("settle lose", stake); err != nil {
		return err
	}
	return l.on(tx).SettleLose(ctx, userID, wagerID, stake)
}

// Apply aplica a liquidação já resolvida pela operação correspondente
func (l *Ledger) Apply(ctx context.Context, tx domain.LedgerStore, s domain.Settlement) error {
	switch s.Result {
	case domain.ResultWin:
		return l.SettleWin(ctx, tx, s.UserID, s.WagerID, s.Stake, s.Profit)
	case domain.ResultLose:
		return l.SettleLose(ctx, tx, s.UserID, s.WagerID, s.Stake)
	}
	return fmt.Errorf("apply settlement %s: %w: unknown result %q", s.WagerID, domain.ErrValidation, s.Result)
}

// Snapshot lê o saldo atual; é a fonte de verdade para o cliente reconstruir estado
func (l *Ledger) Snapshot(ctx context.Context, userID string) (domain.Balance, error) {
	if userID == "" {
		return domain.Balance{}, fmt.Errorf("snapshot: %w: userId required", domain.ErrValidation)
	}
	return l.store.GetBalance(ctx, userID)
}

// Open provisiona o ledger do usuário (depósito inicial vem de fora deste motor)
func (l *Ledger) Open(ctx context.Context, userID string, initial int64) (bool, error) {
	if userID == "" || initial < 0 {
		return false, fmt.Errorf("open ledger: %w", domain.ErrValidation)
	}
	created, err := l.store.OpenLedger(ctx, userID, initial)
	if err != nil {
		return false, err
	}
	if created {
		l.log.Info("ledger opened", zap.String("user_id", userID), zap.Int64("available", initial))
	}
	return created, nil
}

// Entries lista o diário de auditoria do usuário
func (l *Ledger) Entries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return l.store.ListEntries(ctx, userID, limit)
}
