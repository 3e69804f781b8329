// Package placement registra apostas Up/Down: reserva o stake no ledger e grava
// a aposta PENDING, estornando a reserva quando a gravação falha.
package placement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/radieske/updown-settlement/internal/domain"
	"github.com/radieske/updown-settlement/internal/realtime"
	"github.com/radieske/updown-settlement/internal/shared/lock"
	"github.com/radieske/updown-settlement/internal/shared/metrics"
	"github.com/radieske/updown-settlement/internal/wallet-service/ledger"
)

// Request é o pedido de aposta. WagerID é opcional; quando informado (tradeId)
// um replay com o mesmo id devolve a aposta original sem novos efeitos.
type Request struct {
	WagerID   string
	UserID    string
	SessionID string
	Direction domain.Direction
	Stake     int64
}

// Config parâmetros da colocação
type Config struct {
	MaxPending           int
	MinStake             int64
	LockTTL              time.Duration
	LockAttempts         int
	LockBackoff          time.Duration
	CompensationAttempts int
}

func (c Config) withDefaults() Config {
	if c.MaxPending <= 0 {
		c.MaxPending = 5
	}
	if c.MinStake <= 0 {
		c.MinStake = 1
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.LockAttempts <= 0 {
		c.LockAttempts = 5
	}
	if c.LockBackoff <= 0 {
		c.LockBackoff = 100 * time.Millisecond
	}
	if c.CompensationAttempts <= 0 {
		c.CompensationAttempts = 5
	}
	return c
}

// Locker adquire o lock por usuário+sessão
type Locker interface {
	AcquireWithRetry(ctx context.Context, name string, ttl time.Duration, maxAttempts int, backoff time.Duration) (*lock.Lease, error)
}

// ExpiredFunc é chamada quando uma aposta encontra a sessão ainda OPEN mas já vencida;
// o state machine usa isso para fazer a transição inline.
type ExpiredFunc func(ctx context.Context, sessionID string)

type Placer struct {
	store   domain.Store
	ledger  *ledger.Ledger
	locks   Locker
	notify  realtime.Notifier
	cfg     Config
	log     *zap.Logger
	metrics *metrics.Metrics

	onExpired ExpiredFunc
	now       func() time.Time
}

func New(store domain.Store, l *ledger.Ledger, locks Locker, notify realtime.Notifier, cfg Config, log *zap.Logger, m *metrics.Metrics) *Placer {
	if notify == nil {
		notify = realtime.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Placer{
		store:   store,
		ledger:  l,
		locks:   locks,
		notify:  notify,
		cfg:     cfg.withDefaults(),
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// OnExpired instala o gatilho de transição inline
func (p *Placer) OnExpired(fn ExpiredFunc) { p.onExpired = fn }

// SetClock troca o relógio (testes)
func (p *Placer) SetClock(now func() time.Time) { p.now = now }

func (p *Placer) validate(req *Request) error {
	switch {
	case req.UserID == "":
		return fmt.Errorf("%w: userId required", domain.ErrValidation)
	case req.SessionID == "":
		return fmt.Errorf("%w: sessionId required", domain.ErrValidation)
	case !req.Direction.Valid():
		return fmt.Errorf("%w: direction must be UP or DOWN", domain.ErrValidation)
	case req.Stake < p.cfg.MinStake:
		return fmt.Errorf("%w: stake must be >= %d", domain.ErrValidation, p.cfg.MinStake)
	}
	if req.WagerID == "" {
		req.WagerID = uuid.NewString()
	}
	return nil
}

// Place executa a colocação. Ordem das verificações: sessão existe e está OPEN,
// endTime no futuro, limite de pendentes, escrow. Retorna a aposta gravada.
func (p *Placer) Place(ctx context.Context, req Request) (domain.Wager, error) {
	w, err := p.place(ctx, req)
	if err != nil {
		p.metrics.WagerPlaced(domain.Classify(err).String())
		return domain.Wager{}, err
	}
	return w, nil
}

func (p *Placer) place(ctx context.Context, req Request) (domain.Wager, error) {
	if err := p.validate(&req); err != nil {
		return domain.Wager{}, err
	}

	lease, err := p.locks.AcquireWithRetry(ctx, lock.UserSessionKey(req.UserID, req.SessionID),
		p.cfg.LockTTL, p.cfg.LockAttempts, p.cfg.LockBackoff)
	if err != nil {
		return domain.Wager{}, fmt.Errorf("place wager: %w", err)
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			p.log.Warn("wager lock release failed", zap.String("lock", lease.Name), zap.Error(err))
		}
	}()

	if existing, ok, err := p.replay(ctx, req); err != nil || ok {
		return existing, err
	}

	now := p.now().UTC()
	sess, err := p.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return domain.Wager{}, fmt.Errorf("place wager: session %s: %w", req.SessionID, err)
	}
	if sess.Status != domain.SessionOpen {
		return domain.Wager{}, fmt.Errorf("place wager: session %s is %s: %w", sess.ID, sess.Status, domain.ErrSessionNotOpen)
	}
	if sess.Ended(now) {
		if p.onExpired != nil {
			p.onExpired(ctx, sess.ID)
		}
		return domain.Wager{}, fmt.Errorf("place wager: session %s: %w", sess.ID, domain.ErrSessionEnded)
	}

	pending, err := p.store.CountPendingWagers(ctx, req.SessionID, req.UserID)
	if err != nil {
		return domain.Wager{}, fmt.Errorf("place wager: count pending: %w", err)
	}
	if pending >= p.cfg.MaxPending {
		return domain.Wager{}, fmt.Errorf("place wager: %d pending: %w", pending, domain.ErrWagerCapReached)
	}

	if err := p.ledger.Escrow(ctx, req.UserID, req.WagerID, req.Stake); err != nil {
		return domain.Wager{}, fmt.Errorf("place wager: %w", err)
	}

	w := domain.Wager{
		ID:        req.WagerID,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Direction: req.Direction,
		Stake:     req.Stake,
		CreatedAt: now,
	}
	err = p.store.WithTx(ctx, func(tx domain.Tx) error {
		// falha com ErrSessionNotOpen se a sessão saiu de OPEN depois da leitura acima
		if err := tx.AddWagerToSession(ctx, w.SessionID, w.Direction, w.Stake); err != nil {
			return err
		}
		return tx.InsertWager(ctx, &w)
	})
	if err != nil {
		p.compensate(ctx, w, err)
		return domain.Wager{}, fmt.Errorf("place wager: record: %w", err)
	}

	p.metrics.WagerPlaced("accepted")
	p.log.Info("wager placed",
		zap.String("wager_id", w.ID),
		zap.String("user_id", w.UserID),
		zap.String("session_id", w.SessionID),
		zap.String("direction", string(w.Direction)),
		zap.Int64("stake", w.Stake),
	)
	p.publish(ctx, w)
	return w, nil
}

// replay devolve a aposta existente quando o cliente repete o mesmo wagerId
func (p *Placer) replay(ctx context.Context, req Request) (domain.Wager, bool, error) {
	existing, err := p.store.GetWager(ctx, req.WagerID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Wager{}, false, nil
	}
	if err != nil {
		return domain.Wager{}, false, fmt.Errorf("place wager: lookup %s: %w", req.WagerID, err)
	}
	if existing.UserID != req.UserID || existing.SessionID != req.SessionID {
		return domain.Wager{}, false, fmt.Errorf("place wager: id %s: %w", req.WagerID, domain.ErrAlreadyExists)
	}
	p.metrics.WagerPlaced("replayed")
	return existing, true, nil
}

// compensate estorna o escrow com tentativas limitadas. Se ainda assim falhar,
// o valor fica preso em escrowed e precisa de reconciliação manual.
func (p *Placer) compensate(ctx context.Context, w domain.Wager, cause error) {
	cctx := context.WithoutCancel(ctx)
	err := lock.Retry(cctx, p.cfg.CompensationAttempts, p.cfg.LockBackoff, func(ctx context.Context) error {
		return p.ledger.Release(ctx, w.UserID, w.ID, w.Stake)
	})
	if err != nil {
		p.metrics.Compensation("failed")
		p.log.Error("escrow compensation failed",
			zap.String("wager_id", w.ID),
			zap.String("user_id", w.UserID),
			zap.Int64("stake", w.Stake),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}
	p.metrics.Compensation("released")
	p.log.Warn("wager not recorded, escrow released",
		zap.String("wager_id", w.ID),
		zap.String("user_id", w.UserID),
		zap.Error(cause),
	)
}

func (p *Placer) publish(ctx context.Context, w domain.Wager) {
	payload := realtime.WagerPayload{
		WagerID:   w.ID,
		SessionID: w.SessionID,
		Direction: string(w.Direction),
		Stake:     w.Stake,
		Status:    string(w.Status),
	}
	if err := p.notify.Notify(ctx, w.UserID, realtime.KindWagerPlaced, payload); err != nil {
		p.log.Debug("realtime notify failed", zap.String("user_id", w.UserID), zap.Error(err))
	}
	bal, err := p.ledger.Snapshot(ctx, w.UserID)
	if err != nil {
		return
	}
	if err := p.notify.Notify(ctx, w.UserID, realtime.KindBalance, bal); err != nil {
		p.log.Debug("realtime notify failed", zap.String("user_id", w.UserID), zap.Error(err))
	}
}
