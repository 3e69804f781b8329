package dto

import (
	"time"

	"github.com/radieske/updown-settlement/internal/domain"
	"github.com/radieske/updown-settlement/internal/session"
)

type WagerResponse struct {
	WagerID   string     `json:"wagerId"`
	UserID    string     `json:"userId"`
	SessionID string     `json:"sessionId"`
	Direction string     `json:"direction"`
	Stake     int64      `json:"stake"`
	Status    string     `json:"status"`
	Result    string     `json:"result,omitempty"`
	Profit    int64      `json:"profit,omitempty"`
	Payout    int64      `json:"payout,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	SettledAt *time.Time `json:"settledAt,omitempty"`
}

// QueuedResponse é devolvido pelo caminho assíncrono (comando na fila)
type QueuedResponse struct {
	WagerID string `json:"wagerId"`
	Status  string `json:"status"` // QUEUED
}

type SessionStateResponse struct {
	SessionID  string    `json:"sessionId"`
	Status     string    `json:"status"`
	Outcome    string    `json:"outcome,omitempty"` // oculto enquanto OPEN
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime"`
	TimeLeftMs int64     `json:"timeLeftMs"`
}

func FromWager(w domain.Wager) WagerResponse {
	return WagerResponse{
		WagerID:   w.ID,
		UserID:    w.UserID,
		SessionID: w.SessionID,
		Direction: string(w.Direction),
		Stake:     w.Stake,
		Status:    string(w.Status),
		Result:    string(w.Result),
		Profit:    w.Profit,
		Payout:    w.Payout,
		CreatedAt: w.CreatedAt,
		SettledAt: w.SettledAt,
	}
}

func FromState(st session.State) SessionStateResponse {
	return SessionStateResponse{
		SessionID:  st.SessionID,
		Status:     string(st.Status),
		Outcome:    string(st.Outcome),
		StartTime:  st.StartTime,
		EndTime:    st.EndTime,
		TimeLeftMs: st.TimeLeft.Milliseconds(),
	}
}
