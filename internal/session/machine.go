// Package session conduz o ciclo de vida das sessões: pré-geração com resultado
// já atribuído, transição OPEN -> RESOLVING no fim da janela e disparo da liquidação.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/radieske/updown-settlement/internal/domain"
	"github.com/radieske/updown-settlement/internal/realtime"
	"github.com/radieske/updown-settlement/internal/shared/lock"
	"github.com/radieske/updown-settlement/internal/shared/metrics"
)

// Quem observou o fim da janela primeiro
const (
	DriverPoller  = "poller"
	DriverTimer   = "timer"
	DriverRequest = "request"
	DriverRedrive = "redrive"
)

// Locker é o subconjunto do lock.Manager usado aqui
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (*lock.Lease, error)
}

// State é a visão pública de uma sessão (get-session-state).
// Outcome fica vazio enquanto a sessão está OPEN.
type State struct {
	SessionID string
	Status    domain.SessionStatus
	Outcome   domain.Direction
	StartTime time.Time
	EndTime   time.Time
	TimeLeft  time.Duration
}

// Machine aplica as transições de status. Qualquer driver (poller, timer,
// requisição) pode chamar Advance; o lock por sessão garante um único executor.
type Machine struct {
	store    domain.Store
	locks    Locker
	dispatch Dispatcher
	notify   realtime.Notifier
	lockTTL  time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewMachine(store domain.Store, locks Locker, dispatch Dispatcher, notify realtime.Notifier, lockTTL time.Duration, log *zap.Logger, m *metrics.Metrics) *Machine {
	if notify == nil {
		notify = realtime.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Machine{
		store:    store,
		locks:    locks,
		dispatch: dispatch,
		notify:   notify,
		lockTTL:  lockTTL,
		log:      log,
		metrics:  m,
		now:      time.Now,
		timers:   map[string]*time.Timer{},
	}
}

// SetClock troca o relógio (testes)
func (m *Machine) SetClock(now func() time.Time) { m.now = now }

// Advance move a sessão de OPEN para RESOLVING se a janela já terminou e dispara a
// liquidação. Retorna a sessão como ficou; não é erro a sessão ainda estar aberta
// ou outro driver já ter feito a transição.
func (m *Machine) Advance(ctx context.Context, sessionID, driver string) (domain.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if sess.Status != domain.SessionOpen || !sess.Ended(m.now()) {
		return sess, nil
	}

	lease, err := m.locks.Acquire(ctx, lock.SessionKey(sessionID), m.lockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		m.log.Debug("session transition already in progress", zap.String("session_id", sessionID), zap.String("driver", driver))
		return sess, nil
	}
	if err != nil {
		return sess, err
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			m.log.Warn("session lock release failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}()

	// relê sob o lock: outro driver pode ter concluído entre a leitura e o lock
	sess, err = m.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if sess.Status != domain.SessionOpen {
		return sess, nil
	}

	if !sess.HasOutcome() {
		if sess, err = m.assignFallback(ctx, sess); err != nil {
			return sess, err
		}
	}

	at := m.now().UTC()
	if err := m.store.AdvanceSession(ctx, sessionID, domain.SessionOpen, domain.SessionResolving, at); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return m.store.GetSession(ctx, sessionID)
		}
		return sess, fmt.Errorf("advance session %s: %w", sessionID, err)
	}
	sess.Status = domain.SessionResolving
	sess.ResolvedAt = &at

	m.metrics.Transition(string(domain.SessionResolving), driver)
	m.log.Info("session resolving",
		zap.String("session_id", sessionID),
		zap.String("outcome", string(sess.Outcome)),
		zap.String("outcome_source", string(sess.OutcomeSource)),
		zap.String("driver", driver),
	)

	m.broadcast(ctx, sess)
	m.requestSettlement(ctx, sessionID, driver)
	return sess, nil
}

// assignFallback grava o resultado determinístico. Condição anormal: o scheduler
// deveria ter atribuído o resultado na criação.
func (m *Machine) assignFallback(ctx context.Context, sess domain.Session) (domain.Session, error) {
	outcome := DeterministicOutcome(sess.ID)
	assigned, err := m.store.AssignOutcome(ctx, sess.ID, outcome, domain.OutcomeFallback)
	if err != nil {
		return sess, fmt.Errorf("assign fallback outcome %s: %w", sess.ID, err)
	}
	if !assigned {
		return m.store.GetSession(ctx, sess.ID)
	}
	m.metrics.Fallback()
	m.log.Warn("session ended without outcome, using deterministic fallback",
		zap.String("session_id", sess.ID),
		zap.String("outcome", string(outcome)),
	)
	sess.Outcome = outcome
	sess.OutcomeSource = domain.OutcomeFallback
	return sess, nil
}

// requestSettlement falha sem erro: o poller redispara sessões paradas em RESOLVING
func (m *Machine) requestSettlement(ctx context.Context, sessionID, reason string) {
	if m.dispatch == nil {
		return
	}
	if err := m.dispatch.Dispatch(ctx, sessionID, reason); err != nil {
		m.log.Warn("settlement dispatch failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Redrive pede de novo a liquidação de uma sessão em RESOLVING
func (m *Machine) Redrive(ctx context.Context, sess domain.Session) {
	if sess.Status != domain.SessionResolving {
		return
	}
	m.metrics.Transition("redrive", DriverRedrive)
	m.requestSettlement(ctx, sess.ID, DriverRedrive)
}

func (m *Machine) broadcast(ctx context.Context, sess domain.Session) {
	payload := realtime.SessionPayload{
		SessionID: sess.ID,
		Status:    string(sess.Status),
		Outcome:   string(sess.Outcome),
		EndTime:   sess.EndTime.UTC().Format(time.RFC3339),
	}
	if err := m.notify.Broadcast(ctx, realtime.KindSession, payload); err != nil {
		m.log.Debug("realtime broadcast failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

// State atende get-session-state. Faz a checagem inline: se a janela já
// terminou, quem perguntou dirige a transição.
func (m *Machine) State(ctx context.Context, sessionID string) (State, error) {
	if _, err := domain.ParseSessionID(sessionID); err != nil {
		return State{}, err
	}
	sess, err := m.Advance(ctx, sessionID, DriverRequest)
	if err != nil {
		return State{}, err
	}
	st := State{
		SessionID: sess.ID,
		Status:    sess.Status,
		StartTime: sess.StartTime,
		EndTime:   sess.EndTime,
		TimeLeft:  sess.TimeLeft(m.now()),
	}
	if sess.Status != domain.SessionOpen {
		st.Outcome = sess.Outcome
	}
	return st, nil
}

// ScheduleTimers arma um timer por sessão aberta para disparar Advance no endTime.
// Sessões já armadas são ignoradas.
func (m *Machine) ScheduleTimers(ctx context.Context, sessions []domain.Session) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	armed := 0
	now := m.now()
	for _, s := range sessions {
		if s.Status != domain.SessionOpen || s.Ended(now) {
			continue
		}
		if _, ok := m.timers[s.ID]; ok {
			continue
		}
		id := s.ID
		m.timers[id] = time.AfterFunc(s.EndTime.Sub(now), func() {
			m.mu.Lock()
			delete(m.timers, id)
			m.mu.Unlock()
			if ctx.Err() != nil {
				return
			}
			if _, err := m.Advance(ctx, id, DriverTimer); err != nil {
				m.log.Warn("timer transition failed", zap.String("session_id", id), zap.Error(err))
			}
		})
		armed++
	}
	return armed
}

// StopTimers desarma todos os timers pendentes
func (m *Machine) StopTimers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}
