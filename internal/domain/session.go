package domain

import (
	"fmt"
	"time"
)

// SessionStatus só avança: OPEN -> RESOLVING -> SETTLED.
type SessionStatus string

const (
	SessionOpen      SessionStatus = "OPEN"
	SessionResolving SessionStatus = "RESOLVING"
	SessionSettled   SessionStatus = "SETTLED"
)

// rank define a ordem do ciclo de vida
func (s SessionStatus) rank() int {
	switch s {
	case SessionOpen:
		return 0
	case SessionResolving:
		return 1
	case SessionSettled:
		return 2
	}
	return -1
}

// CanAdvanceTo indica se a transição s -> next é permitida.
func (s SessionStatus) CanAdvanceTo(next SessionStatus) bool {
	return s.rank() >= 0 && next.rank() == s.rank()+1
}

// OutcomeSource registra de onde veio o resultado da sessão.
type OutcomeSource string

const (
	OutcomeScheduled OutcomeSource = "SCHEDULED"
	OutcomeFallback  OutcomeSource = "FALLBACK"
)

// SessionIDLayout é o formato do id derivado do minuto de início (UTC).
const SessionIDLayout = "200601021504"

// SessionIDFor deriva o id da sessão a partir do horário de início.
func SessionIDFor(start time.Time) string {
	return start.UTC().Format(SessionIDLayout)
}

// ParseSessionID retorna o minuto de início codificado no id.
func ParseSessionID(id string) (time.Time, error) {
	t, err := time.ParseInLocation(SessionIDLayout, id, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid session id %q", ErrValidation, id)
	}
	return t, nil
}

// Session é a janela de tempo em que apostas podem ser feitas.
type Session struct {
	ID            string
	StartTime     time.Time
	EndTime       time.Time
	Status        SessionStatus
	Outcome       Direction // vazio enquanto não definido
	OutcomeSource OutcomeSource

	// contadores agregados
	TotalWagers    int64
	TotalUpStake   int64
	TotalDownStake int64
	SettledWagers  int64
	WinTotal       int64
	LossTotal      int64

	CreatedAt  time.Time
	ResolvedAt *time.Time
	SettledAt  *time.Time
}

// HasOutcome informa se o resultado já foi atribuído.
func (s Session) HasOutcome() bool { return s.Outcome.Valid() }

// Ended informa se o horário de término já passou.
func (s Session) Ended(now time.Time) bool { return !now.Before(s.EndTime) }

// TimeLeft retorna o tempo restante até o fim da janela (nunca negativo).
func (s Session) TimeLeft(now time.Time) time.Duration {
	if d := s.EndTime.Sub(now); d > 0 {
		return d
	}
	return 0
}

// SessionTotals são os agregados recalculados a partir das apostas liquidadas.
type SessionTotals struct {
	SettledWagers int64
	WinTotal      int64
	LossTotal     int64
}
