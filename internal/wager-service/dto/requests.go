package dto

type PlaceWagerRequest struct {
	WagerID   string `json:"wagerId,omitempty"` // opcional; reenvio com o mesmo id é idempotente
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Direction string `json:"direction"` // "UP" | "DOWN"
	Stake     int64  `json:"stake"`
}
