package domain

import (
	"context"
	"time"
)

// LedgerStore expõe as únicas mutações legais do saldo. Cada método é uma única
// atualização condicional no banco; zero linhas afetadas vira ErrInsufficientFunds
// (ou ErrNotFound quando o usuário não tem ledger).
type LedgerStore interface {
	OpenLedger(ctx context.Context, userID string, available int64) (created bool, err error)
	GetBalance(ctx context.Context, userID string) (Balance, error)
	Escrow(ctx context.Context, userID, wagerID string, amount int64) error
	ReleaseEscrow(ctx context.Context, userID, wagerID string, amount int64) error
	SettleWin(ctx context.Context, userID, wagerID string, stake, profit int64) error
	SettleLose(ctx context.Context, userID, wagerID string, stake int64) error
	ListEntries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error)
}

// WagerStore persiste apostas.
type WagerStore interface {
	// InsertWager retorna ErrAlreadyExists quando o id já existe.
	InsertWager(ctx context.Context, w *Wager) error
	GetWager(ctx context.Context, id string) (Wager, error)
	CountPendingWagers(ctx context.Context, sessionID, userID string) (int, error)
	// ListUnappliedWagers retorna apostas PENDING com applied_to_ledger=false.
	ListUnappliedWagers(ctx context.Context, sessionID string) ([]Wager, error)
	// MarkWagerSettled vira applied_to_ledger false->true; ErrConflict se já aplicada.
	MarkWagerSettled(ctx context.Context, s Settlement, at time.Time) error
	MarkWagerFailed(ctx context.Context, wagerID, reason string) error
	RecordWagerError(ctx context.Context, wagerID, reason string) error
}

// SessionStore persiste sessões; transições de status são condicionais.
type SessionStore interface {
	CreateSession(ctx context.Context, s Session) (created bool, err error)
	GetSession(ctx context.Context, id string) (Session, error)
	// ListSessions retorna sessões no status dado com end_time <= endBefore, mais antigas primeiro.
	ListSessions(ctx context.Context, status SessionStatus, endBefore time.Time, limit int) ([]Session, error)
	// AssignOutcome grava o resultado apenas se ainda não houver um.
	AssignOutcome(ctx context.Context, id string, outcome Direction, source OutcomeSource) (assigned bool, err error)
	// AdvanceSession muda from -> to; ErrConflict se o status atual não for from.
	AdvanceSession(ctx context.Context, id string, from, to SessionStatus, at time.Time) error
	AddWagerToSession(ctx context.Context, id string, dir Direction, stake int64) error
	SessionTotals(ctx context.Context, id string) (SessionTotals, error)
	// CompleteSession move RESOLVING -> SETTLED gravando os agregados.
	CompleteSession(ctx context.Context, id string, totals SessionTotals, at time.Time) error
}

// Tx agrupa as operações que podem participar de uma mesma transação.
type Tx interface {
	LedgerStore
	WagerStore
	SessionStore
}

// Store é o armazenamento durável. Métodos chamados diretamente rodam em autocommit;
// WithTx executa fn em uma transação multi-documento (commit se fn retornar nil).
type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}
