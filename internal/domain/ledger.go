package domain

import "time"

// Balance é o saldo de um usuário dividido entre disponível e reservado.
// Ambos são sempre não negativos (garantido por CHECK no banco).
type Balance struct {
	UserID    string    `json:"userId"`
	Available int64     `json:"available"`
	Escrowed  int64     `json:"escrowed"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EntryKind identifica a operação registrada no diário do ledger.
type EntryKind string

const (
	EntryOpen    EntryKind = "OPEN"
	EntryEscrow  EntryKind = "ESCROW"
	EntryRelease EntryKind = "RELEASE"
	EntryWin     EntryKind = "WIN"
	EntryLose    EntryKind = "LOSE"
)

// LedgerEntry é uma linha do diário de auditoria, gravada na mesma transação da mutação.
type LedgerEntry struct {
	ID             int64
	UserID         string
	WagerID        string
	Kind           EntryKind
	AvailableDelta int64
	EscrowedDelta  int64
	CreatedAt      time.Time
}
