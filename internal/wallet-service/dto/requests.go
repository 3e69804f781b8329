package dto

// OpenLedgerRequest provisiona o ledger de um usuário; o depósito inicial vem do sistema de pagamentos
type OpenLedgerRequest struct {
	UserID    string `json:"userId"`
	Available int64  `json:"available"`
}
