package domain

import (
	"strings"
	"time"
)

// Direction é o lado apostado e também o resultado de uma sessão.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// ParseDirection aceita "up"/"down" em qualquer caixa.
func ParseDirection(s string) (Direction, bool) {
	d := Direction(strings.ToUpper(strings.TrimSpace(s)))
	return d, d.Valid()
}

func (d Direction) Valid() bool { return d == DirectionUp || d == DirectionDown }

// WagerStatus
type WagerStatus string

const (
	WagerPending  WagerStatus = "PENDING"
	WagerSettling WagerStatus = "SETTLING"
	WagerSettled  WagerStatus = "SETTLED"
	WagerFailed   WagerStatus = "FAILED"
)

// WagerResult
type WagerResult string

const (
	ResultWin  WagerResult = "WIN"
	ResultLose WagerResult = "LOSE"
)

// Wager é a aposta de um usuário em uma sessão. Direction e Stake são imutáveis
// após a criação; AppliedToLedger muda de false para true no máximo uma vez.
type Wager struct {
	ID              string
	SessionID       string
	UserID          string
	Direction       Direction
	Stake           int64
	Status          WagerStatus
	AppliedToLedger bool
	Result          WagerResult // vazio até a liquidação
	Profit          int64
	Payout          int64
	LastError       string
	CreatedAt       time.Time
	SettledAt       *time.Time
}

// Settlement descreve o efeito de liquidação de uma aposta.
type Settlement struct {
	WagerID string
	UserID  string
	Stake   int64
	Result  WagerResult
	Profit  int64 // zero em LOSE
}

// Payout é o valor devolvido ao saldo disponível.
func (s Settlement) Payout() int64 {
	if s.Result == ResultWin {
		return s.Stake + s.Profit
	}
	return 0
}
