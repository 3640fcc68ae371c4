package service

import (
	"context"
	"time"

	"marketbot/internal/exchange"
	"marketbot/internal/models"
)

// CredentialStoreInterface определяет интерфейс репозитория credential'ов
type CredentialStoreInterface interface {
	Create(ctx context.Context, cred *models.Credential) error
	GetByID(ctx context.Context, id int64) (*models.Credential, error)
	GetByUser(ctx context.Context, userID int64) ([]*models.Credential, error)
	GetActive(ctx context.Context) ([]*models.Credential, error)
	GetEligible(ctx context.Context, exchange, environment string) ([]*models.Credential, error)
	SetStatus(ctx context.Context, id int64, from, to string) error
	RecordValidationResult(ctx context.Context, id int64, status, lastError string, success bool) (int, error)
	RotateKeys(ctx context.Context, id int64, apiKey, apiSecret string) error
	SetActive(ctx context.Context, id int64, active bool) error
	Delete(ctx context.Context, id int64) error
}

// DiagnosticStoreInterface определяет интерфейс журнала диагностики
type DiagnosticStoreInterface interface {
	Append(ctx context.Context, res *models.DiagnosticResult) error
	History(ctx context.Context, credentialID int64, limit int) ([]*models.DiagnosticResult, error)
}

// BalanceStoreInterface определяет интерфейс репозитория балансов
type BalanceStoreInterface interface {
	Upsert(ctx context.Context, b *models.Balance) error
	GetByUser(ctx context.Context, userID int64) ([]*models.Balance, error)
	GetByUserExchange(ctx context.Context, userID int64, exchange string) ([]*models.Balance, error)
	TotalUSD(ctx context.Context, userID int64) (float64, error)
	StaleSince(ctx context.Context, cutoff time.Time) ([]*models.Balance, error)
}

// Broadcaster - интерфейс для отправки событий через WebSocket hub
type Broadcaster interface {
	BroadcastCredentialStatus(credentialID, userID int64, status, classification string)
	BroadcastBalanceUpdate(userID int64, exchange string, totalUSD float64)
	BroadcastAlert(level, message string)
}

// ClientFactory создаёт биржевой клиент по credential'у.
// Внедряется снаружи: тесты подставляют фейковый клиент.
type ClientFactory func(name, environment, apiKey, apiSecret string) (exchange.Client, error)

// PriceLookup возвращает USD-цену актива для оценки балансов.
// Второе значение false, если цена неизвестна.
type PriceLookup func(asset string) (float64, bool)
