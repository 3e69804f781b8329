package topics

const (
	// Comandos consumidos pelo settlement-worker
	PlaceWager    = "place_wager"
	SettleSession = "settle_session"

	// DLQs
	PlaceWagerDLQ    = "place_wager_dlq"
	SettleSessionDLQ = "settle_session_dlq"
)
