package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/radieske/updown-settlement/internal/domain"
	"github.com/radieske/updown-settlement/internal/shared/lock"
	"github.com/radieske/updown-settlement/internal/shared/metrics"
)

// Scheduler pré-cria as próximas sessões já com o resultado atribuído,
// para que a liquidação nunca espere pela definição do resultado.
type Scheduler struct {
	store    domain.Store
	locks    Locker
	outcomes OutcomeSource
	duration time.Duration
	ahead    int
	lockTTL  time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// NewScheduler cria o scheduler. lockTTL zero ou negativo usa 30s.
func NewScheduler(store domain.Store, locks Locker, outcomes OutcomeSource, duration time.Duration, ahead int, lockTTL time.Duration, log *zap.Logger, m *metrics.Metrics) *Scheduler {
	if outcomes == nil {
		outcomes = RandomOutcome{}
	}
	if duration <= 0 {
		duration = time.Minute
	}
	if ahead < 0 {
		ahead = 0
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		store:    store,
		locks:    locks,
		outcomes: outcomes,
		duration: duration,
		ahead:    ahead,
		lockTTL:  lockTTL,
		log:      log,
		metrics:  m,
	}
}

// Window retorna o início da janela que contém t
func (s *Scheduler) Window(t time.Time) time.Time {
	return t.UTC().Truncate(s.duration)
}

// EnsureUpcoming garante a sessão corrente e as próximas `ahead`. Idempotente:
// sessões existentes não são alteradas. Retorna as sessões da faixa que seguem abertas.
// Outro scheduler segurando o lock de pré-geração não é erro.
func (s *Scheduler) EnsureUpcoming(ctx context.Context, now time.Time) ([]domain.Session, error) {
	lease, err := s.locks.Acquire(ctx, lock.PregenKey, s.lockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			s.log.Warn("pregen lock release failed", zap.Error(err))
		}
	}()

	first := s.Window(now)
	out := make([]domain.Session, 0, s.ahead+1)
	created := 0
	for i := 0; i <= s.ahead; i++ {
		start := first.Add(time.Duration(i) * s.duration)
		id := domain.SessionIDFor(start)
		sess := domain.Session{
			ID:            id,
			StartTime:     start,
			EndTime:       start.Add(s.duration),
			Outcome:       s.outcomes.Outcome(id),
			OutcomeSource: domain.OutcomeScheduled,
		}
		ok, err := s.store.CreateSession(ctx, sess)
		if err != nil {
			return out, fmt.Errorf("create session %s: %w", id, err)
		}
		if ok {
			created++
			s.metrics.SessionCreated()
			sess.Status = domain.SessionOpen
		} else if sess, err = s.store.GetSession(ctx, id); err != nil {
			return out, err
		}
		if sess.Status == domain.SessionOpen {
			out = append(out, sess)
		}
	}
	if created > 0 {
		s.log.Info("sessions pre-generated", zap.Int("created", created), zap.String("from", domain.SessionIDFor(first)))
	}
	return out, nil
}
