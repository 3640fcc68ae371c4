package models

import "time"

// Классификация результата диагностики credential'а
//
// Только NETWORK_ERROR retry'ится; остальные классификации
// терминальны в рамках одного прогона.
const (
	ClassificationOK                      = "OK"
	ClassificationIPRestricted            = "IP_RESTRICTED"
	ClassificationInvalidSignature        = "INVALID_SIGNATURE"
	ClassificationInvalidKey              = "INVALID_KEY"
	ClassificationInsufficientPermissions = "INSUFFICIENT_PERMISSIONS"
	ClassificationAccountModeMismatch     = "ACCOUNT_MODE_MISMATCH"
	ClassificationNetworkError            = "NETWORK_ERROR"
	ClassificationUnknownError            = "UNKNOWN_ERROR"
)

// DiagnosticRetention - сколько последних результатов хранится на credential
const DiagnosticRetention = 50

// DiagnosticResult - одна запись истории диагностики credential'а
//
// Append-only журнал с ограниченным retention (последние N записей
// на credential); читается логикой алертинга.
type DiagnosticResult struct {
	ID             int64     `json:"id" db:"id"`
	CredentialID   int64     `json:"credential_id" db:"credential_id"`
	Classification string    `json:"classification" db:"classification"`
	LatencyMS      int64     `json:"latency_ms" db:"latency_ms"`
	RawDetail      string    `json:"raw_detail,omitempty" db:"raw_detail"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// IsRetryableClassification - retry'ится только сетевой сбой
func IsRetryableClassification(c string) bool {
	return c == ClassificationNetworkError
}
