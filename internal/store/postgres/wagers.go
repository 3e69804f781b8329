package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/radieske/updown-settlement/internal/domain"
)

const wagerColumns = `id, session_id, user_id, direction, stake, status, applied_to_ledger,
	COALESCE(result, ''), profit, payout, COALESCE(last_error, ''), created_at, settled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWager(r rowScanner) (domain.Wager, error) {
	var (
		w                         domain.Wager
		direction, status, result string
		settledAt                 sql.NullTime
	)
	if err := r.Scan(&w.ID, &w.SessionID, &w.UserID, &direction, &w.Stake, &status, &w.AppliedToLedger,
		&result, &w.Profit, &w.Payout, &w.LastError, &w.CreatedAt, &settledAt); err != nil {
		return domain.Wager{}, err
	}
	w.Direction = domain.Direction(direction)
	w.Status = domain.WagerStatus(status)
	w.Result = domain.WagerResult(result)
	if settledAt.Valid {
		t := settledAt.Time
		w.SettledAt = &t
	}
	return w, nil
}

// InsertWager grava uma aposta PENDING; id duplicado vira ErrAlreadyExists
func (q *queries) InsertWager(ctx context.Context, w *domain.Wager) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO wagers (id, session_id, user_id, direction, stake, status, applied_to_ledger, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,FALSE,$7)`,
		w.ID, w.SessionID, w.UserID, string(w.Direction), w.Stake, string(domain.WagerPending), w.CreatedAt,
	)
	if err != nil {
		return mapErr("insert wager", err)
	}
	w.Status = domain.WagerPending
	w.AppliedToLedger = false
	return nil
}

// GetWager busca uma aposta pelo id
func (q *queries) GetWager(ctx context.Context, id string) (domain.Wager, error) {
	w, err := scanWager(q.q.QueryRowContext(ctx, `SELECT `+wagerColumns+` FROM wagers WHERE id=$1`, id))
	if err != nil {
		return domain.Wager{}, mapErr("get wager", err)
	}
	return w, nil
}

// CountPendingWagers conta as apostas PENDING do usuário na sessão
func (q *queries) CountPendingWagers(ctx context.Context, sessionID, userID string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM wagers
		 WHERE session_id=$1 AND user_id=$2 AND status=$3`,
		sessionID, userID, string(domain.WagerPending),
	).Scan(&n)
	if err != nil {
		return 0, mapErr("count pending wagers", err)
	}
	return n, nil
}

// ListUnappliedWagers lista apostas ainda não aplicadas ao ledger
func (q *queries) ListUnappliedWagers(ctx context.Context, sessionID string) ([]domain.Wager, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+wagerColumns+` FROM wagers
		 WHERE session_id=$1 AND status=$2 AND applied_to_ledger=FALSE
		 ORDER BY created_at, id`,
		sessionID, string(domain.WagerPending),
	)
	if err != nil {
		return nil, mapErr("list unapplied wagers", err)
	}
	defer rows.Close()

	var out []domain.Wager
	for rows.Next() {
		w, err := scanWager(rows)
		if err != nil {
			return nil, mapErr("list unapplied wagers", err)
		}
		out = append(out, w)
	}
	return out, mapErr("list unapplied wagers", rows.Err())
}

// MarkWagerSettled vira applied_to_ledger para true; condicional para nunca aplicar duas vezes
func (q *queries) MarkWagerSettled(ctx context.Context, s domain.Settlement, at time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE wagers
		   SET status=$2, applied_to_ledger=TRUE, result=$3, profit=$4, payout=$5,
		       settled_at=$6, last_error=NULL
		 WHERE id=$1 AND applied_to_ledger=FALSE AND status=$7`,
		s.WagerID, string(domain.WagerSettled), string(s.Result), s.Profit, s.Payout(), at,
		string(domain.WagerPending),
	)
	if err != nil {
		return mapErr("mark wager settled", err)
	}
	return expectOne(res, "mark wager settled "+s.WagerID)
}

// MarkWagerFailed tira a aposta das próximas passadas de liquidação (falha permanente)
func (q *queries) MarkWagerFailed(ctx context.Context, wagerID, reason string) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE wagers SET status=$2, last_error=$3
		 WHERE id=$1 AND applied_to_ledger=FALSE AND status=$4`,
		wagerID, string(domain.WagerFailed), reason, string(domain.WagerPending),
	)
	if err != nil {
		return mapErr("mark wager failed", err)
	}
	return expectOne(res, "mark wager failed "+wagerID)
}

// RecordWagerError guarda o último erro sem mudar o status (será tentada de novo)
func (q *queries) RecordWagerError(ctx context.Context, wagerID, reason string) error {
	_, err := q.q.ExecContext(ctx, `UPDATE wagers SET last_error=$2 WHERE id=$1`, wagerID, reason)
	return mapErr("record wager error", err)
}

// expectOne transforma "zero linhas" em ErrConflict
func expectOne(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(op, err)
	}
	if n != 1 {
		return fmt.Errorf("%s: %w", op, domain.ErrConflict)
	}
	return nil
}
