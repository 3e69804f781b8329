// Package realtime entrega eventos de saldo, apostas e sessões aos clientes
// conectados. A entrega é best-effort: o cliente reconstrói o estado pedindo
// um snapshot de saldo ao (re)conectar.
package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Tipos de evento enviados ao cliente
const (
	KindBalance      = "balance"
	KindWagerPlaced  = "wager_placed"
	KindWagerSettled = "wager_settled"
	KindSession      = "session_state"
	KindBatch        = "batch"
	KindPong         = "pong"
	KindError        = "error"
)

// Room endereça um canal lógico: um usuário ou todos os conectados
type Room string

const broadcastRoom Room = "broadcast"

func UserRoom(userID string) Room { return Room("user:" + userID) }

func BroadcastRoom() Room { return broadcastRoom }

// UserID retorna o usuário dono da sala, se for uma sala de usuário
func (r Room) UserID() (string, bool) {
	id, ok := strings.CutPrefix(string(r), "user:")
	return id, ok && id != ""
}

// Event é o envelope trafegado no pub/sub e no websocket.
// Um evento "batch" carrega Events em ordem e é expandido antes de chegar ao cliente.
type Event struct {
	Kind    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Events  []Event         `json:"events,omitempty"`
	At      time.Time       `json:"ts"`
}

// NewEvent serializa payload no envelope
func NewEvent(kind string, payload any) (Event, error) {
	ev := Event{Kind: kind, At: time.Now().UTC()}
	if payload == nil {
		return ev, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s event: %w", kind, err)
	}
	ev.Payload = b
	return ev, nil
}

// Batch agrupa eventos preservando a ordem
func Batch(events []Event) Event {
	return Event{Kind: KindBatch, Events: events, At: time.Now().UTC()}
}

// Expand transforma um batch na sequência ordenada de eventos individuais
func (e Event) Expand() []Event {
	if e.Kind != KindBatch {
		return []Event{e}
	}
	out := make([]Event, 0, len(e.Events))
	for _, inner := range e.Events {
		out = append(out, inner.Expand()...)
	}
	return out
}

// WagerPayload acompanha wager_placed e wager_settled
type WagerPayload struct {
	WagerID   string `json:"wagerId"`
	SessionID string `json:"sessionId"`
	Direction string `json:"direction"`
	Stake     int64  `json:"stake"`
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	Profit    int64  `json:"profit,omitempty"`
	Payout    int64  `json:"payout,omitempty"`
}

// SessionPayload acompanha session_state (broadcast)
type SessionPayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
	Outcome   string `json:"outcome,omitempty"`
	EndTime   string `json:"endTime"`
}
