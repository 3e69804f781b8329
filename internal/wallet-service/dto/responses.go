package dto

import (
	"time"

	"github.com/radieske/updown-settlement/internal/domain"
)

type BalanceResponse struct {
	UserID    string    `json:"userId"`
	Available int64     `json:"available"`
	Escrowed  int64     `json:"escrowed"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type OpenLedgerResponse struct {
	BalanceResponse
	Created bool `json:"created"`
}

type EntryResponse struct {
	ID             int64     `json:"id"`
	WagerID        string    `json:"wagerId,omitempty"`
	Kind           string    `json:"kind"`
	AvailableDelta int64     `json:"availableDelta"`
	EscrowedDelta  int64     `json:"escrowedDelta"`
	CreatedAt      time.Time `json:"createdAt"`
}

type EntriesResponse struct {
	UserID  string          `json:"userId"`
	Entries []EntryResponse `json:"entries"`
}

func FromBalance(b domain.Balance) BalanceResponse {
	return BalanceResponse{UserID: b.UserID, Available: b.Available, Escrowed: b.Escrowed, UpdatedAt: b.UpdatedAt}
}

func FromEntries(userID string, es []domain.LedgerEntry) EntriesResponse {
	out := EntriesResponse{UserID: userID, Entries: make([]EntryResponse, 0, len(es))}
	for _, e := range es {
		out.Entries = append(out.Entries, EntryResponse{
			ID:             e.ID,
			WagerID:        e.WagerID,
			Kind:           string(e.Kind),
			AvailableDelta: e.AvailableDelta,
			EscrowedDelta:  e.EscrowedDelta,
			CreatedAt:      e.CreatedAt,
		})
	}
	return out
}
