package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/radieske/updown-settlement/internal/domain"
)

const sessionColumns = `id, start_time, end_time, status, COALESCE(outcome, ''), COALESCE(outcome_source, ''),
	total_wagers, total_up_stake, total_down_stake, settled_wagers, win_total, loss_total,
	created_at, resolved_at, settled_at`

func scanSession(r rowScanner) (domain.Session, error) {
	var (
		s                       domain.Session
		status, outcome, source string
		resolvedAt, settledAt   sql.NullTime
	)
	if err := r.Scan(&s.ID, &s.StartTime, &s.EndTime, &status, &outcome, &source,
		&s.TotalWagers, &s.TotalUpStake, &s.TotalDownStake, &s.SettledWagers, &s.WinTotal, &s.LossTotal,
		&s.CreatedAt, &resolvedAt, &settledAt); err != nil {
		return domain.Session{}, err
	}
	s.Status = domain.SessionStatus(status)
	s.Outcome = domain.Direction(outcome)
	s.OutcomeSource = domain.OutcomeSource(source)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		s.ResolvedAt = &t
	}
	if settledAt.Valid {
		t := settledAt.Time
		s.SettledAt = &t
	}
	return s, nil
}

// nullable converte string vazia em NULL
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateSession insere a sessão se ainda não existir
func (q *queries) CreateSession(ctx context.Context, s domain.Session) (bool, error) {
	if !s.EndTime.After(s.StartTime) {
		return false, fmt.Errorf("create session %s: %w: end_time must be after start_time", s.ID, domain.ErrValidation)
	}
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO sessions (id, start_time, end_time, status, outcome, outcome_source)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO NOTHING`,
		s.ID, s.StartTime, s.EndTime, string(domain.SessionOpen),
		nullable(string(s.Outcome)), nullable(string(s.OutcomeSource)),
	)
	if err != nil {
		return false, mapErr("create session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapErr("create session", err)
	}
	return n == 1, nil
}

// GetSession busca a sessão pelo id
func (q *queries) GetSession(ctx context.Context, id string) (domain.Session, error) {
	s, err := scanSession(q.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=$1`, id))
	if err != nil {
		return domain.Session{}, mapErr("get session "+id, err)
	}
	return s, nil
}

// ListSessions lista sessões num status cujo término já passou de endBefore
func (q *queries) ListSessions(ctx context.Context, status domain.SessionStatus, endBefore time.Time, limit int) ([]domain.Session, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		 WHERE status=$1 AND end_time <= $2
		 ORDER BY end_time
		 LIMIT $3`, string(status), endBefore, limit)
	if err != nil {
		return nil, mapErr("list sessions", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, mapErr("list sessions", err)
		}
		out = append(out, s)
	}
	return out, mapErr("list sessions", rows.Err())
}

// AssignOutcome grava o resultado apenas uma vez
func (q *queries) AssignOutcome(ctx context.Context, id string, outcome domain.Direction, source domain.OutcomeSource) (bool, error) {
	if !outcome.Valid() {
		return false, fmt.Errorf("assign outcome: %w: invalid outcome %q", domain.ErrValidation, outcome)
	}
	res, err := q.q.ExecContext(ctx, `
		UPDATE sessions SET outcome=$2, outcome_source=$3
		 WHERE id=$1 AND outcome IS NULL`, id, string(outcome), string(source))
	if err != nil {
		return false, mapErr("assign outcome", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapErr("assign outcome", err)
	}
	return n == 1, nil
}

// AdvanceSession aplica a transição from -> to de forma condicional
func (q *queries) AdvanceSession(ctx context.Context, id string, from, to domain.SessionStatus, at time.Time) error {
	if !from.CanAdvanceTo(to) {
		return fmt.Errorf("advance session %s: %w: %s -> %s", id, domain.ErrValidation, from, to)
	}
	res, err := q.q.ExecContext(ctx, `
		UPDATE sessions
		   SET status=$3,
		       resolved_at = CASE WHEN $3 = 'RESOLVING' THEN $4 ELSE resolved_at END,
		       settled_at  = CASE WHEN $3 = 'SETTLED' THEN $4 ELSE settled_at END
		 WHERE id=$1 AND status=$2`, id, string(from), string(to), at)
	if err != nil {
		return mapErr("advance session", err)
	}
	return expectOne(res, "advance session "+id)
}

// AddWagerToSession atualiza os contadores; só vale enquanto a sessão estiver OPEN,
// o que serializa a inserção de apostas com a transição para RESOLVING na mesma linha.
func (q *queries) AddWagerToSession(ctx context.Context, id string, dir domain.Direction, stake int64) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE sessions
		   SET total_wagers     = total_wagers + 1,
		       total_up_stake   = total_up_stake + CASE WHEN $2 = 'UP' THEN $3::bigint ELSE 0 END,
		       total_down_stake = total_down_stake + CASE WHEN $2 = 'DOWN' THEN $3::bigint ELSE 0 END
		 WHERE id=$1 AND status='OPEN'`, id, string(dir), stake)
	if err != nil {
		return mapErr("add wager to session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr("add wager to session", err)
	}
	if n != 1 {
		return fmt.Errorf("add wager to session %s: %w", id, domain.ErrSessionNotOpen)
	}
	return nil
}

// SessionTotals recalcula os agregados a partir das apostas aplicadas
func (q *queries) SessionTotals(ctx context.Context, id string) (domain.SessionTotals, error) {
	var t domain.SessionTotals
	err := q.q.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN result='WIN' THEN profit ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN result='LOSE' THEN stake ELSE 0 END), 0)
		  FROM wagers
		 WHERE session_id=$1 AND applied_to_ledger`, id,
	).Scan(&t.SettledWagers, &t.WinTotal, &t.LossTotal)
	if err != nil {
		return domain.SessionTotals{}, mapErr("session totals", err)
	}
	return t, nil
}

// CompleteSession fecha a sessão (RESOLVING -> SETTLED) com os agregados
func (q *queries) CompleteSession(ctx context.Context, id string, t domain.SessionTotals, at time.Time) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE sessions
		   SET status='SETTLED', settled_wagers=$2, win_total=$3, loss_total=$4, settled_at=$5
		 WHERE id=$1 AND status='RESOLVING'`, id, t.SettledWagers, t.WinTotal, t.LossTotal, at)
	if err != nil {
		return mapErr("complete session", err)
	}
	return expectOne(res, "complete session "+id)
}
