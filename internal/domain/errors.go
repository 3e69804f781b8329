package domain

import (
	"context"
	"errors"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrSessionNotOpen    = errors.New("session not open")
	ErrSessionEnded      = errors.New("session already ended")
	ErrWagerCapReached   = errors.New("pending wager cap reached")
	ErrConflict          = errors.New("concurrent update conflict")
	ErrLockHeld          = errors.New("lock already held")
	ErrAlreadySettled    = errors.New("session already settled")
	ErrNotYetEnded       = errors.New("session not yet ended")
	ErrOutcomeMissing    = errors.New("session outcome missing")
	ErrInfrastructure    = errors.New("infrastructure unavailable")
)

// Kind agrupa os erros nas quatro categorias tratadas pelos chamadores.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindInsufficientFunds
	KindConflict
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindConflict:
		return "conflict"
	case KindInfrastructure:
		return "infrastructure"
	}
	return "unknown"
}

// Classify mapeia um erro (possivelmente encapsulado) para sua categoria.
// Erros desconhecidos vindos do banco/cache/fila são tratados como infraestrutura.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrSessionNotOpen),
		errors.Is(err, ErrSessionEnded),
		errors.Is(err, ErrWagerCapReached),
		errors.Is(err, ErrNotYetEnded):
		return KindValidation
	case errors.Is(err, ErrConflict),
		errors.Is(err, ErrLockHeld),
		errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrAlreadySettled):
		return KindConflict
	}
	return KindInfrastructure
}

// Retryable indica se vale a pena tentar de novo mais tarde.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	k := Classify(err)
	return k == KindInfrastructure || k == KindConflict
}
