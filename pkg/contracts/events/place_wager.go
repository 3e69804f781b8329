package events

// PlaceWager é o payload de um comando placeWager.
// WagerID é gerado pelo produtor e serve como tradeId idempotente.
type PlaceWager struct {
	WagerID   string `json:"wagerId"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Direction string `json:"direction"` // "UP" | "DOWN"
	Stake     int64  `json:"stake"`
}
