package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics reúne os coletores do motor. Um *Metrics nil é válido e não registra nada.
type Metrics struct {
	WagersPlaced       *prometheus.CounterVec // result
	Compensations      *prometheus.CounterVec // result
	Settlements        *prometheus.CounterVec // result
	WagersSettled      *prometheus.CounterVec // result
	SettlementDuration prometheus.Histogram
	LockAcquire        *prometheus.CounterVec // result
	OutcomeFallback    prometheus.Counter
	SessionsCreated    prometheus.Counter
	SessionTransitions *prometheus.CounterVec // to, driver
	QueueMessages      *prometheus.CounterVec // topic, result
	RealtimeEvents     *prometheus.CounterVec // result
}

// New cria e registra os coletores em reg (use prometheus.DefaultRegisterer nos serviços)
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WagersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updown_wagers_placed_total", Help: "apostas recebidas por resultado",
		}, []string{"result"}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updown_wager_compensations_total", Help: "estornos de escrow após falha ao gravar aposta",
		}, []string{"result"}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updown_settlements_total", Help: "execuções de liquidação por resultado",
		}, []string{"result"}),
		WagersSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updown_wagers_settled_total", Help: "apostas liquidadas (win/lose/error/failed)",
		}, []string{"result"}),
		SettlementDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "updown_settlement_duration_seconds", Help: "duração de uma passada de liquidação",
			Buckets: prometheus.DefBuckets,
		}),
		LockAcquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updown_lock_acquire_total", Help: "tentativas de lock por resultado",
		}, []string{"result"}),
		OutcomeFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "updown_outcome_fallback_total", Help: "sessões vencidas sem resultado que receberam resultado determinístico",
		}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "updown_sessions_created_total", Help: "sessões pré-geradas",
		}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updown_session_transitions_total", Help: "transições de status por destino e driver",
		}, []string{"to", "driver"}),
		QueueMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updown_queue_messages_total", Help: "mensagens consumidas por tópico e resultado",
		}, []string{"topic", "result"}),
		RealtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "updown_realtime_events_total", Help: "eventos de tempo real por resultado",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.WagersPlaced, m.Compensations, m.Settlements, m.WagersSettled, m.SettlementDuration,
			m.LockAcquire, m.OutcomeFallback, m.SessionsCreated, m.SessionTransitions,
			m.QueueMessages, m.RealtimeEvents,
		)
	}
	return m
}

func (m *Metrics) WagerPlaced(result string) {
	if m != nil {
		m.WagersPlaced.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Compensation(result string) {
	if m != nil {
		m.Compensations.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Settlement(result string) {
	if m != nil {
		m.Settlements.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) WagerSettled(result string) {
	if m != nil {
		m.WagersSettled.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Lock(result string) {
	if m != nil {
		m.LockAcquire.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Realtime(result string) {
	if m != nil {
		m.RealtimeEvents.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Transition(to, driver string) {
	if m != nil {
		m.SessionTransitions.WithLabelValues(to, driver).Inc()
	}
}

func (m *Metrics) Queue(topic, result string) {
	if m != nil {
		m.QueueMessages.WithLabelValues(topic, result).Inc()
	}
}

func (m *Metrics) Fallback() {
	if m != nil {
		m.OutcomeFallback.Inc()
	}
}

func (m *Metrics) SessionCreated() {
	if m != nil {
		m.SessionsCreated.Inc()
	}
}

func (m *Metrics) ObserveSettlement(seconds float64) {
	if m != nil {
		m.SettlementDuration.Observe(seconds)
	}
}
