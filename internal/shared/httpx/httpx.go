package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/radieske/updown-settlement/internal/domain"
)

// retryAfter em segundos, enviado junto com 503
const retryAfter = "1"

// ErrorResponse é o corpo de erro comum às APIs
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// WriteJSON serializa e envia resposta JSON
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusFor mapeia a categoria do erro para o status HTTP.
// Lock ocupado depois das tentativas é contenção transitória: 503 com Retry-After.
func StatusFor(err error) int {
	if errors.Is(err, domain.ErrNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, domain.ErrLockHeld) {
		return http.StatusServiceUnavailable
	}
	switch domain.Classify(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case domain.KindConflict:
		return http.StatusConflict
	}
	return http.StatusServiceUnavailable
}

// WriteError responde com o status da categoria; detalhes de infraestrutura só vão pro log
func WriteError(w http.ResponseWriter, log *zap.Logger, err error) {
	status := StatusFor(err)
	kind := domain.Classify(err).String()
	msg := err.Error()
	switch {
	case errors.Is(err, domain.ErrLockHeld):
		log.Warn("request contended", zap.Error(err))
		msg = "busy, retry later"
	case status == http.StatusServiceUnavailable:
		log.Error("request failed", zap.Error(err))
		msg = "service unavailable, retry later"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfter)
	}
	WriteJSON(w, status, ErrorResponse{Error: msg, Kind: kind})
}

// DecodeJSON lê o corpo da requisição; corpo inválido vira erro de validação
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: bad json: %v", domain.ErrValidation, err)
	}
	return nil
}
