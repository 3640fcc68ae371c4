package models

import "time"

// Поддерживаемые окружения биржи
const (
	EnvTestnet = "testnet"
	EnvMainnet = "mainnet"
)

// Статусы валидации credential'а
//
// Переходы: UNKNOWN → CHECKING → {VALID, INVALID};
// VALID → CHECKING при следующем плановом sweep'е.
const (
	ValidationUnknown  = "UNKNOWN"
	ValidationChecking = "CHECKING"
	ValidationValid    = "VALID"
	ValidationInvalid  = "INVALID"
)

// Credential представляет API ключи пользователя для одной биржи и окружения
//
// Уникален по (user_id, exchange, environment). Секреты хранятся
// зашифрованными (AES-256-GCM, base64) и не отдаются в JSON.
// validation_status мутирует только CredentialValidator; ключи -
// только явная ротация пользователем.
type Credential struct {
	ID               int64      `json:"id" db:"id"`
	UserID           int64      `json:"user_id" db:"user_id"`
	Exchange         string     `json:"exchange" db:"exchange"`       // bybit, binance
	Environment      string     `json:"environment" db:"environment"` // testnet, mainnet
	APIKey           string     `json:"-" db:"api_key"`               // зашифрован
	APISecret        string     `json:"-" db:"api_secret"`            // зашифрован
	IsActive         bool       `json:"is_active" db:"is_active"`
	ValidationStatus string     `json:"validation_status" db:"validation_status"`
	FailureStreak    int        `json:"failure_streak" db:"failure_streak"`
	LastValidatedAt  *time.Time `json:"last_validated_at,omitempty" db:"last_validated_at"`
	LastError        string     `json:"last_error,omitempty" db:"last_error"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// IsValidEnvironment проверяет значение окружения
func IsValidEnvironment(env string) bool {
	return env == EnvTestnet || env == EnvMainnet
}

// IsValidationStatus проверяет значение статуса валидации
func IsValidationStatus(s string) bool {
	switch s {
	case ValidationUnknown, ValidationChecking, ValidationValid, ValidationInvalid:
		return true
	}
	return false
}
