// Package postgres implementa domain.Store sobre database/sql + lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/radieske/updown-settlement/internal/domain"
)

// querier é satisfeito tanto por *sql.DB quanto por *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implementa domain.Tx sobre um querier
type queries struct{ q querier }

// Store implementa domain.Store em Postgres
type Store struct {
	queries
	db      *sql.DB
	timeout time.Duration
}

// New retorna o store sobre uma conexão já aberta
func New(db *sql.DB) *Store {
	return &Store{queries: queries{q: db}, db: db}
}

// WithTimeout limita a duração de cada transação; transações presas viram erro de infraestrutura
func (s *Store) WithTimeout(d time.Duration) *Store {
	s.timeout = d
	return s
}

// DB expõe a conexão para health checks e migrações
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifica a conexão com o banco
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: postgres ping: %v", domain.ErrInfrastructure, err)
	}
	return nil
}

// WithTx executa fn numa transação; rollback se fn retornar erro
func (s *Store) WithTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", domain.ErrInfrastructure, err)
	}
	defer tx.Rollback()

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tx: %v", domain.ErrInfrastructure, err)
	}
	return nil
}

// códigos SQLSTATE relevantes
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeCheckViolation      = "23514"
)

// mapErr traduz erros do driver para os sentinelas do domínio
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%s: %w", op, domain.ErrAlreadyExists)
		case codeForeignKeyViolation:
			return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		case codeCheckViolation:
			return fmt.Errorf("%s: %w: %s", op, domain.ErrValidation, pqErr.Constraint)
		}
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrInfrastructure, err)
}

var _ domain.Store = (*Store)(nil)
