package events

// SettleSession é emitido quando uma sessão entra em RESOLVING.
type SettleSession struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"` // "poller" | "timer" | "request" | "redrive"
}
