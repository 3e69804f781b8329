package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/radieske/updown-settlement/internal/domain"
)

// Poller varre periodicamente: gera as próximas sessões, vence as sessões
// abertas cujo endTime passou e redispara as que ficaram paradas em RESOLVING.
type Poller struct {
	machine   *Machine
	scheduler *Scheduler
	store     domain.Store
	interval  time.Duration
	redrive   time.Duration
	batch     int
	timers    bool
	log       *zap.Logger
	now       func() time.Time
}

// PollerConfig parâmetros do poller
type PollerConfig struct {
	Interval     time.Duration
	RedriveAfter time.Duration // tempo em RESOLVING antes de pedir a liquidação de novo
	Batch        int
	Timers       bool // arma timers in-process para as sessões geradas
}

func NewPoller(machine *Machine, scheduler *Scheduler, store domain.Store, cfg PollerConfig, log *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.RedriveAfter <= 0 {
		cfg.RedriveAfter = 30 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{
		machine:   machine,
		scheduler: scheduler,
		store:     store,
		interval:  cfg.Interval,
		redrive:   cfg.RedriveAfter,
		batch:     cfg.Batch,
		timers:    cfg.Timers,
		log:       log,
		now:       time.Now,
	}
}

// SetClock troca o relógio (testes)
func (p *Poller) SetClock(now func() time.Time) { p.now = now }

// Run executa Tick a cada intervalo até ctx ser cancelado
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("session poller started", zap.Duration("interval", p.interval))
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		p.Tick(ctx)
		select {
		case <-ctx.Done():
			p.machine.StopTimers()
			return nil
		case <-t.C:
		}
	}
}

// Tick faz uma varredura. Erros são logados; a próxima varredura tenta de novo.
func (p *Poller) Tick(ctx context.Context) {
	now := p.now().UTC()

	if p.scheduler != nil {
		upcoming, err := p.scheduler.EnsureUpcoming(ctx, now)
		if err != nil {
			p.log.Warn("session pre-generation failed", zap.Error(err))
		}
		if p.timers && len(upcoming) > 0 {
			p.machine.ScheduleTimers(ctx, upcoming)
		}
	}

	overdue, err := p.store.ListSessions(ctx, domain.SessionOpen, now, p.batch)
	if err != nil {
		p.log.Warn("list overdue sessions failed", zap.Error(err))
	}
	for _, s := range overdue {
		if _, err := p.machine.Advance(ctx, s.ID, DriverPoller); err != nil {
			p.log.Warn("session transition failed", zap.String("session_id", s.ID), zap.Error(err))
		}
	}

	stuck, err := p.store.ListSessions(ctx, domain.SessionResolving, now.Add(-p.redrive), p.batch)
	if err != nil {
		p.log.Warn("list resolving sessions failed", zap.Error(err))
		return
	}
	for _, s := range stuck {
		if s.ResolvedAt != nil && now.Sub(*s.ResolvedAt) < p.redrive {
			continue
		}
		p.machine.Redrive(ctx, s)
	}
}
