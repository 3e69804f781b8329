package session

import (
	"crypto/rand"
	"hash/fnv"
	"math/big"

	"github.com/radieske/updown-settlement/internal/domain"
)

// OutcomeSource escolhe o resultado pré-atribuído a uma sessão no momento da criação
type OutcomeSource interface {
	Outcome(sessionID string) domain.Direction
}

// OutcomeFunc adapta uma função a OutcomeSource
type OutcomeFunc func(sessionID string) domain.Direction

func (f OutcomeFunc) Outcome(sessionID string) domain.Direction { return f(sessionID) }

// RandomOutcome sorteia UP/DOWN com crypto/rand
type RandomOutcome struct{}

func (RandomOutcome) Outcome(sessionID string) domain.Direction {
	n, err := rand.Int(rand.Reader, big.NewInt(2))
	if err != nil {
		return DeterministicOutcome(sessionID)
	}
	if n.Int64() == 0 {
		return domain.DirectionUp
	}
	return domain.DirectionDown
}

// DeterministicOutcome é o fallback para sessão vencida sem resultado:
// paridade do FNV-1a do id. Mesmo id, mesmo resultado, em qualquer processo.
func DeterministicOutcome(sessionID string) domain.Direction {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	if h.Sum32()%2 == 0 {
		return domain.DirectionUp
	}
	return domain.DirectionDown
}
