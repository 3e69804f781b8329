// Package settlement aplica o resultado de uma sessão a todas as apostas pendentes.
// Cada aposta é liquidada numa transação própria (mutação no ledger + flip de
// applied_to_ledger), então uma nova passada nunca aplica a mesma aposta duas vezes.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/radieske/updown-settlement/internal/domain"
	"github.com/radieske/updown-settlement/internal/realtime"
	"github.com/radieske/updown-settlement/internal/shared/lock"
	"github.com/radieske/updown-settlement/internal/shared/metrics"
	"github.com/radieske/updown-settlement/internal/wallet-service/ledger"
)

// Result resume uma passada de liquidação. Os totais são desta passada;
// os agregados gravados na sessão são recalculados de todas as apostas liquidadas.
type Result struct {
	SessionID       string
	Outcome         domain.Direction
	WagersProcessed int
	WinTotal        int64 // soma dos lucros pagos
	LossTotal       int64 // soma dos stakes perdidos
	Failed          int   // marcadas FAILED (sem ledger); não voltam a ser tentadas
	Pending         int   // erro transitório; ficam para a próxima passada
	Totals          domain.SessionTotals
}

// Locker é o subconjunto do lock.Manager usado aqui
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (*lock.Lease, error)
}

type Processor struct {
	store   domain.Store
	ledger  *ledger.Ledger
	locks   Locker
	notify  realtime.Notifier
	lockTTL time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewProcessor(store domain.Store, l *ledger.Ledger, locks Locker, notify realtime.Notifier, lockTTL time.Duration, log *zap.Logger, m *metrics.Metrics) *Processor {
	if notify == nil {
		notify = realtime.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Processor{
		store:   store,
		ledger:  l,
		locks:   locks,
		notify:  notify,
		lockTTL: lockTTL,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// SetClock troca o relógio (testes)
func (p *Processor) SetClock(now func() time.Time) { p.now = now }

// Settle liquida a sessão. Erros possíveis: ErrLockHeld (outra passada em curso),
// ErrAlreadySettled, ErrNotYetEnded, ErrOutcomeMissing, ou erro de infraestrutura
// quando alguma aposta ficou pendente (a sessão segue em RESOLVING).
func (p *Processor) Settle(ctx context.Context, sessionID string) (Result, error) {
	start := time.Now()
	res, err := p.settle(ctx, sessionID)
	p.metrics.ObserveSettlement(time.Since(start).Seconds())
	switch {
	case err == nil:
		p.metrics.Settlement("settled")
	case errors.Is(err, domain.ErrAlreadySettled):
		p.metrics.Settlement("already_settled")
	case errors.Is(err, domain.ErrLockHeld):
		p.metrics.Settlement("locked")
	default:
		p.metrics.Settlement(domain.Classify(err).String())
	}
	return res, err
}

func (p *Processor) settle(ctx context.Context, sessionID string) (Result, error) {
	res := Result{SessionID: sessionID}

	lease, err := p.locks.Acquire(ctx, lock.SettleKey(sessionID), p.lockTTL)
	if err != nil {
		return res, fmt.Errorf("settle %s: %w", sessionID, err)
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			p.log.Warn("settle lock release failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}()

	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return res, fmt.Errorf("settle %s: %w", sessionID, err)
	}
	switch sess.Status {
	case domain.SessionSettled:
		return res, fmt.Errorf("settle %s: %w", sessionID, domain.ErrAlreadySettled)
	case domain.SessionOpen:
		// mesmo vencida, a sessão só é liquidada depois da transição para RESOLVING
		return res, fmt.Errorf("settle %s: status %s: %w", sessionID, sess.Status, domain.ErrNotYetEnded)
	}
	if !sess.HasOutcome() {
		p.log.Error("resolving session without outcome", zap.String("session_id", sessionID))
		return res, fmt.Errorf("settle %s: %w", sessionID, domain.ErrOutcomeMissing)
	}
	res.Outcome = sess.Outcome

	wagers, err := p.store.ListUnappliedWagers(ctx, sessionID)
	if err != nil {
		return res, fmt.Errorf("settle %s: list wagers: %w", sessionID, err)
	}

	touched := map[string]struct{}{}
	for _, w := range wagers {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		s, err := p.settleWager(ctx, w, sess.Outcome)
		switch {
		case err == nil:
			res.WagersProcessed++
			if s.Result == domain.ResultWin {
				res.WinTotal += s.Profit
			} else {
				res.LossTotal += s.Stake
			}
			touched[w.UserID] = struct{}{}
			p.publishWager(ctx, w, s)
		case errors.Is(err, domain.ErrConflict):
			// aplicada por outra passada entre a listagem e a transação
			p.log.Debug("wager already applied", zap.String("wager_id", w.ID))
		case permanent(err):
			res.Failed++
			p.fail(ctx, w, err)
		default:
			res.Pending++
			p.metrics.WagerSettled("error")
			p.log.Warn("wager settlement failed, will retry",
				zap.String("wager_id", w.ID),
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
			if rerr := p.store.RecordWagerError(ctx, w.ID, err.Error()); rerr != nil {
				p.log.Debug("record wager error failed", zap.String("wager_id", w.ID), zap.Error(rerr))
			}
		}
	}

	for userID := range touched {
		p.publishBalance(ctx, userID)
	}

	if res.Pending > 0 {
		return res, fmt.Errorf("settle %s: %d wagers left pending: %w", sessionID, res.Pending, domain.ErrInfrastructure)
	}

	totals, err := p.store.SessionTotals(ctx, sessionID)
	if err != nil {
		return res, fmt.Errorf("settle %s: totals: %w", sessionID, err)
	}
	if err := p.store.CompleteSession(ctx, sessionID, totals, p.now().UTC()); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return res, fmt.Errorf("settle %s: %w", sessionID, domain.ErrAlreadySettled)
		}
		return res, fmt.Errorf("settle %s: complete: %w", sessionID, err)
	}
	res.Totals = totals

	p.log.Info("session settled",
		zap.String("session_id", sessionID),
		zap.String("outcome", string(sess.Outcome)),
		zap.Int("wagers_processed", res.WagersProcessed),
		zap.Int("wagers_failed", res.Failed),
		zap.Int64("win_total", totals.WinTotal),
		zap.Int64("loss_total", totals.LossTotal),
	)
	p.publishSession(ctx, sess)
	return res, nil
}

// settleWager aplica a mutação no ledger e marca a aposta na mesma transação
func (p *Processor) settleWager(ctx context.Context, w domain.Wager, outcome domain.Direction) (domain.Settlement, error) {
	s := p.ledger.Resolve(w, outcome)
	err := p.store.WithTx(ctx, func(tx domain.Tx) error {
		if err := p.ledger.Apply(ctx, tx, s); err != nil {
			return err
		}
		return tx.MarkWagerSettled(ctx, s, p.now().UTC())
	})
	if err != nil {
		return s, err
	}
	p.metrics.WagerSettled(string(s.Result))
	return s, nil
}

// permanent identifica falhas que nenhuma nova tentativa resolve:
// ledger inexistente ou escrow menor que o stake (inconsistência a reconciliar).
func permanent(err error) bool {
	return errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInsufficientFunds)
}

func (p *Processor) fail(ctx context.Context, w domain.Wager, cause error) {
	p.metrics.WagerSettled("failed")
	p.log.Error("wager cannot be settled, marking failed",
		zap.String("wager_id", w.ID),
		zap.String("user_id", w.UserID),
		zap.String("session_id", w.SessionID),
		zap.Error(cause),
	)
	if err := p.store.MarkWagerFailed(ctx, w.ID, cause.Error()); err != nil {
		p.log.Warn("mark wager failed", zap.String("wager_id", w.ID), zap.Error(err))
	}
}

func (p *Processor) publishWager(ctx context.Context, w domain.Wager, s domain.Settlement) {
	payload := realtime.WagerPayload{
		WagerID:   w.ID,
		SessionID: w.SessionID,
		Direction: string(w.Direction),
		Stake:     w.Stake,
		Status:    string(domain.WagerSettled),
		Result:    string(s.Result),
		Profit:    s.Profit,
		Payout:    s.Payout(),
	}
	if err := p.notify.Notify(ctx, w.UserID, realtime.KindWagerSettled, payload); err != nil {
		p.log.Debug("realtime notify failed", zap.String("user_id", w.UserID), zap.Error(err))
	}
}

func (p *Processor) publishBalance(ctx context.Context, userID string) {
	bal, err := p.ledger.Snapshot(ctx, userID)
	if err != nil {
		return
	}
	if err := p.notify.Notify(ctx, userID, realtime.KindBalance, bal); err != nil {
		p.log.Debug("realtime notify failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (p *Processor) publishSession(ctx context.Context, sess domain.Session) {
	payload := realtime.SessionPayload{
		SessionID: sess.ID,
		Status:    string(domain.SessionSettled),
		Outcome:   string(sess.Outcome),
		EndTime:   sess.EndTime.UTC().Format(time.RFC3339),
	}
	if err := p.notify.Broadcast(ctx, realtime.KindSession, payload); err != nil {
		p.log.Debug("realtime broadcast failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
}
