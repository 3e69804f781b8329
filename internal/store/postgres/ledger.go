package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/radieske/updown-settlement/internal/domain"
)

// OpenLedger cria o ledger do usuário com saldo inicial; não altera um ledger existente
func (q *queries) OpenLedger(ctx context.Context, userID string, available int64) (bool, error) {
	if available < 0 {
		return false, fmt.Errorf("open ledger: %w: negative balance", domain.ErrValidation)
	}
	const stmt = `
		WITH ins AS (
			INSERT INTO user_ledgers (user_id, available, escrowed)
			VALUES ($1, $2::bigint, 0)
			ON CONFLICT (user_id) DO NOTHING
			RETURNING user_id
		)
		INSERT INTO ledger_entries (user_id, kind, available_delta, escrowed_delta)
		SELECT user_id, 'OPEN', $2::bigint, 0 FROM ins`
	res, err := q.q.ExecContext(ctx, stmt, userID, available)
	if err != nil {
		return false, mapErr("open ledger", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapErr("open ledger", err)
	}
	return n == 1, nil
}

// GetBalance lê o saldo atual
func (q *queries) GetBalance(ctx context.Context, userID string) (domain.Balance, error) {
	b := domain.Balance{UserID: userID}
	err := q.q.QueryRowContext(ctx,
		`SELECT available, escrowed, updated_at FROM user_ledgers WHERE user_id=$1`, userID,
	).Scan(&b.Available, &b.Escrowed, &b.UpdatedAt)
	if err != nil {
		return domain.Balance{}, mapErr("get balance", err)
	}
	return b, nil
}

// Escrow: available -= amount, escrowed += amount, somente se available >= amount.
// Com wagerID, no máximo um escrow ativo por aposta: repetir a chamada com o mesmo
// usuário e valor não move saldo.
func (q *queries) Escrow(ctx context.Context, userID, wagerID string, amount int64) error {
	if wagerID != "" {
		held, err := q.claimEscrow(ctx, userID, wagerID, amount)
		if err != nil || held {
			return err
		}
	}
	return q.apply(ctx, userID, wagerID, domain.EntryEscrow, -amount, amount)
}

// ReleaseEscrow desfaz um escrow (compensação de uma aposta que não foi gravada).
// Liberar uma reserva já liberada não faz nada.
func (q *queries) ReleaseEscrow(ctx context.Context, userID, wagerID string, amount int64) error {
	if wagerID != "" {
		done, err := q.releaseClaim(ctx, userID, wagerID, amount)
		if err != nil || done {
			return err
		}
	}
	return q.apply(ctx, userID, wagerID, domain.EntryRelease, amount, -amount)
}

// claimEscrow grava (ou reativa, se liberada) a reserva da aposta.
// held=true quando a mesma reserva já está ativa e o saldo não deve ser tocado.
func (q *queries) claimEscrow(ctx context.Context, userID, wagerID string, amount int64) (held bool, err error) {
	const stmt = `
		INSERT INTO wager_escrows (wager_id, user_id, amount)
		VALUES ($1, $2, $3::bigint)
		ON CONFLICT (wager_id) DO UPDATE
		   SET amount = EXCLUDED.amount, released = FALSE, updated_at = NOW()
		 WHERE wager_escrows.released
		   AND wager_escrows.user_id = EXCLUDED.user_id
		RETURNING wager_id`
	var id string
	err = q.q.QueryRowContext(ctx, stmt, wagerID, userID, amount).Scan(&id)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, mapErr("escrow claim", err)
	}

	var owner string
	var active int64
	if err := q.q.QueryRowContext(ctx,
		`SELECT user_id, amount FROM wager_escrows WHERE wager_id=$1`, wagerID,
	).Scan(&owner, &active); err != nil {
		return false, mapErr("escrow claim", err)
	}
	if owner != userID || active != amount {
		return false, fmt.Errorf("escrow claim %s: %w", wagerID, domain.ErrAlreadyExists)
	}
	return true, nil
}

// releaseClaim marca a reserva como liberada. done=true quando ela já estava liberada.
func (q *queries) releaseClaim(ctx context.Context, userID, wagerID string, amount int64) (done bool, err error) {
	res, err := q.q.ExecContext(ctx, `
		UPDATE wager_escrows
		   SET released = TRUE, updated_at = NOW()
		 WHERE wager_id=$1 AND user_id=$2 AND amount=$3::bigint AND NOT released`,
		wagerID, userID, amount)
	if err != nil {
		return false, mapErr("escrow release", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapErr("escrow release", err)
	}
	if n == 1 {
		return false, nil
	}

	var released bool
	if err := q.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM wager_escrows
			 WHERE wager_id=$1 AND user_id=$2 AND amount=$3::bigint AND released
		)`, wagerID, userID, amount,
	).Scan(&released); err != nil {
		return false, mapErr("escrow release", err)
	}
	if !released {
		return false, fmt.Errorf("escrow release %s: %w: no matching escrow", wagerID, domain.ErrNotFound)
	}
	return true, nil
}

// Escrow em autocommit: reserva da aposta e mutação do saldo na mesma transação
func (s *Store) Escrow(ctx context.Context, userID, wagerID string, amount int64) error {
	if wagerID == "" {
		return s.queries.Escrow(ctx, userID, wagerID, amount)
	}
	return s.WithTx(ctx, func(tx domain.Tx) error { return tx.Escrow(ctx, userID, wagerID, amount) })
}

// ReleaseEscrow em autocommit, com a mesma garantia de Escrow
func (s *Store) ReleaseEscrow(ctx context.Context, userID, wagerID string, amount int64) error {
	if wagerID == "" {
		return s.queries.ReleaseEscrow(ctx, userID, wagerID, amount)
	}
	return s.WithTx(ctx, func(tx domain.Tx) error { return tx.ReleaseEscrow(ctx, userID, wagerID, amount) })
}

// SettleWin devolve stake+profit ao disponível e baixa o stake do reservado
func (q *queries) SettleWin(ctx context.Context, userID, wagerID string, stake, profit int64) error {
	return q.apply(ctx, userID, wagerID, domain.EntryWin, stake+profit, -stake)
}

// SettleLose apenas baixa o stake do reservado
func (q *queries) SettleLose(ctx context.Context, userID, wagerID string, stake int64) error {
	return q.apply(ctx, userID, wagerID, domain.EntryLose, 0, -stake)
}

// apply executa a mutação condicional e grava o lançamento no diário no mesmo comando.
// A condição garante que nenhum dos saldos fique negativo; o banco arbitra a concorrência.
func (q *queries) apply(ctx context.Context, userID, wagerID string, kind domain.EntryKind, availDelta, escrowDelta int64) error {
	const stmt = `
		WITH upd AS (
			UPDATE user_ledgers
			   SET available  = available + $2::bigint,
			       escrowed   = escrowed + $3::bigint,
			       updated_at = NOW()
			 WHERE user_id = $1
			   AND available + $2::bigint >= 0
			   AND escrowed + $3::bigint >= 0
			RETURNING user_id
		)
		INSERT INTO ledger_entries (user_id, wager_id, kind, available_delta, escrowed_delta)
		SELECT user_id, NULLIF($4::text, ''), $5, $2::bigint, $3::bigint FROM upd`

	op := "ledger " + string(kind)
	res, err := q.q.ExecContext(ctx, stmt, userID, availDelta, escrowDelta, wagerID, string(kind))
	if err != nil {
		return mapErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(op, err)
	}
	if n == 1 {
		return nil
	}

	// nenhuma linha: ou o ledger não existe ou o saldo não cobre a operação
	var exists bool
	if err := q.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_ledgers WHERE user_id=$1)`, userID,
	).Scan(&exists); err != nil {
		return mapErr(op, err)
	}
	if !exists {
		return fmt.Errorf("%s: user %s: %w", op, userID, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: user %s: %w", op, userID, domain.ErrInsufficientFunds)
}

// ListEntries retorna os lançamentos mais recentes do usuário
func (q *queries) ListEntries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, user_id, COALESCE(wager_id, ''), kind, available_delta, escrowed_delta, created_at
		  FROM ledger_entries
		 WHERE user_id=$1
		 ORDER BY id DESC
		 LIMIT $2`, userID, limit)
	if err != nil {
		return nil, mapErr("list entries", err)
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.UserID, &e.WagerID, &kind, &e.AvailableDelta, &e.EscrowedDelta, &e.CreatedAt); err != nil {
			return nil, mapErr("list entries", err)
		}
		e.Kind = domain.EntryKind(kind)
		out = append(out, e)
	}
	return out, mapErr("list entries", rows.Err())
}
