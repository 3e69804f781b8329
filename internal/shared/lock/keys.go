package lock

// Nomes de lock usados pelos componentes. Todos são derivados de identificadores
// estáveis, de modo que qualquer processo chega ao mesmo nome.

// SessionKey serializa as transições de status de uma sessão
func SessionKey(sessionID string) string { return "session:" + sessionID }

// SettleKey serializa execuções de liquidação de uma sessão
func SettleKey(sessionID string) string { return "settle:" + sessionID }

// UserSessionKey serializa apostas de um usuário numa sessão (limite de pendentes)
func UserSessionKey(userID, sessionID string) string {
	return "wager:" + sessionID + ":" + userID
}

// QueueKey deduplica mensagens da fila pelo identificador estável da mensagem
func QueueKey(dedupKey string) string { return "queue:" + dedupKey }

// PregenKey evita que vários schedulers gerem as mesmas sessões ao mesmo tempo
const PregenKey = "sessions:pregen"
