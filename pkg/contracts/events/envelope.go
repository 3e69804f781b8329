package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Tipos de comando transportados pela fila (entrega at-least-once, sem ordem garantida)
const (
	KindPlaceWager    = "placeWager"
	KindSettleSession = "settleSession"
)

// Envelope é o formato comum das mensagens nas filas place_wager e settle_session.
// SessionID ou TradeID identificam de forma estável a unidade de trabalho.
type Envelope struct {
	Kind      string          `json:"kind"`
	SessionID string          `json:"sessionId,omitempty"`
	TradeID   string          `json:"tradeId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// DedupKey retorna o identificador usado para o lock de deduplicação da mensagem.
func (e Envelope) DedupKey() string {
	switch e.Kind {
	case KindPlaceWager:
		return "trade:" + e.TradeID
	case KindSettleSession:
		return "session:" + e.SessionID
	}
	return ""
}

// NewEnvelope serializa payload num envelope do tipo kind
func NewEnvelope(kind, sessionID, tradeID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Envelope{
		Kind:      kind,
		SessionID: sessionID,
		TradeID:   tradeID,
		Payload:   b,
		Timestamp: time.Now().UTC(),
	}, nil
}
