package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/radieske/updown-settlement/internal/domain"
	"github.com/radieske/updown-settlement/internal/session"
	"github.com/radieske/updown-settlement/internal/shared/httpx"
	"github.com/radieske/updown-settlement/internal/wager-service/dto"
	"github.com/radieske/updown-settlement/internal/wager-service/placement"
	"github.com/radieske/updown-settlement/pkg/contracts/events"
)

type Placer interface {
	Place(ctx context.Context, req placement.Request) (domain.Wager, error)
}

type Sessions interface {
	State(ctx context.Context, sessionID string) (session.State, error)
}

type Wagers interface {
	GetWager(ctx context.Context, id string) (domain.Wager, error)
}

type Publisher interface {
	PublishPlaceWager(ctx context.Context, e events.PlaceWager) error
}

type Server struct {
	log      *zap.Logger
	placer   Placer
	sessions Sessions
	wagers   Wagers
	publ     Publisher // nil desabilita /wagers/async
}

func NewServer(log *zap.Logger, p Placer, s Sessions, w Wagers, publ Publisher) *Server {
	return &Server{log: log, placer: p, sessions: s, wagers: w, publ: publ}
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /wagers", s.placeWager)
	mux.HandleFunc("POST /wagers/async", s.enqueueWager)
	mux.HandleFunc("GET /wagers/{id}", s.getWager)
	mux.HandleFunc("GET /sessions/{id}", s.getSession)
	return mux
}

func (s *Server) parse(r *http.Request) (placement.Request, error) {
	var req dto.PlaceWagerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		return placement.Request{}, err
	}
	dir, ok := domain.ParseDirection(req.Direction)
	if !ok {
		return placement.Request{}, fmt.Errorf("%w: direction must be UP or DOWN", domain.ErrValidation)
	}
	return placement.Request{
		WagerID:   req.WagerID,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Direction: dir,
		Stake:     req.Stake,
	}, nil
}

// placeWager coloca a aposta de forma síncrona: escrow + gravação PENDING
func (s *Server) placeWager(w http.ResponseWriter, r *http.Request) {
	req, err := s.parse(r)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	wager, err := s.placer.Place(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, dto.FromWager(wager))
}

// enqueueWager publica um comando placeWager; o settlement-worker executa a colocação
func (s *Server) enqueueWager(w http.ResponseWriter, r *http.Request) {
	if s.publ == nil {
		http.Error(w, "async placement disabled", http.StatusNotImplemented)
		return
	}
	req, err := s.parse(r)
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	if req.UserID == "" || req.SessionID == "" || req.Stake <= 0 {
		httpx.WriteError(w, s.log, fmt.Errorf("%w: invalid payload", domain.ErrValidation))
		return
	}
	if req.WagerID == "" {
		req.WagerID = uuid.NewString()
	}
	err = s.publ.PublishPlaceWager(r.Context(), events.PlaceWager{
		WagerID:   req.WagerID,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Direction: string(req.Direction),
		Stake:     req.Stake,
	})
	if err != nil {
		httpx.WriteError(w, s.log, fmt.Errorf("%w: %v", domain.ErrInfrastructure, err))
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, dto.QueuedResponse{WagerID: req.WagerID, Status: "QUEUED"})
}

func (s *Server) getWager(w http.ResponseWriter, r *http.Request) {
	wager, err := s.wagers.GetWager(r.Context(), r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, dto.FromWager(wager))
}

// getSession devolve o estado da sessão; se a janela já acabou a transição acontece aqui mesmo
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	st, err := s.sessions.State(r.Context(), r.PathValue("id"))
	if err != nil {
		httpx.WriteError(w, s.log, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, dto.FromState(st))
}
