package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/radieske/updown-settlement/internal/domain"
	"github.com/radieske/updown-settlement/internal/shared/httpx"
	"github.com/radieske/updown-settlement/internal/wallet-service/dto"
)

// Ledger define as operações de saldo usadas pelo handler HTTP
type Ledger interface {
	Snapshot(ctx context.Context, userID string) (domain.Balance, error)
	Open(ctx context.Context, userID string, initial int64) (bool, error)
	Entries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error)
}

// Server expõe consulta de saldo e provisionamento de ledger.
// Escrow e liquidação não passam por aqui: só o wager-service e o settlement-worker mexem no saldo.
type Server struct {
	log    *zap.Logger
	ledger Ledger
}

// NewServer instancia o servidor HTTP de wallet
func NewServer(log *zap.Logger, l Ledger) *Server { return &Server{log: log, ledger: l} }

// Router retorna o mux HTTP com as rotas da API de wallet
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /wallet", s.getWallet)          // ?userId=...
	mux.HandleFunc("POST /wallet/open", s.openLedger)   // provisionamento
	mux.HandleFunc("GET /wallet/entries", s.getEntries) // ?userId=...&limit=...
	return mux
}

// getWallet retorna o snapshot do saldo (fonte de verdade para reconciliação do cliente)
func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	b, err := s.ledger.Snapshot(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, dto.FromBalance(b))
}

// openLedger cria o ledger do usuário; repetir a chamada não altera o saldo
func (s *Server) openLedger(w http.ResponseWriter, r *http.Request) {
	var req dto.OpenLedgerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	created, err := s.ledger.Open(r.Context(), req.UserID, req.Available)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	b, err := s.ledger.Snapshot(r.Context(), req.UserID)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpx.WriteJSON(w, status, dto.OpenLedgerResponse{BalanceResponse: dto.FromBalance(b), Created: created})
}

// getEntries lista o diário de auditoria, mais recentes primeiro
func (s *Server) getEntries(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		httpx.WriteError(w, s.log, fmt.Errorf("%w: userId required", domain.ErrValidation))
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httpx.WriteError(w, s.log, fmt.Errorf("%w: invalid limit", domain.ErrValidation))
			return
		}
		limit = n
	}
	es, err := s.ledger.Entries(r.Context(), userID, limit)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, dto.FromEntries(userID, es))
}
