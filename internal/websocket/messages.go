package websocket

import (
	"time"

	"marketbot/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeCredentialStatus - изменение статуса валидации credential'а
	// Отправляется после каждого прогона диагностики
	MessageTypeCredentialStatus MessageType = "credentialStatus"

	// MessageTypeBalanceUpdate - обновление балансов пользователя
	// Отправляется после каждого успешного сбора по credential'у
	MessageTypeBalanceUpdate MessageType = "balanceUpdate"

	// MessageTypeAlert - алерт для оператора
	// Слёт VALID → INVALID, порог подряд неудач, проблемы с БД
	MessageTypeAlert MessageType = "alert"

	// MessageTypeDispatchSummary - итог рассылки одного сигнала
	MessageTypeDispatchSummary MessageType = "dispatchSummary"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// CredentialStatusMessage - сообщение о смене статуса credential'а
type CredentialStatusMessage struct {
	BaseMessage
	CredentialID   int64  `json:"credential_id"`
	UserID         int64  `json:"user_id"`
	Status         string `json:"status"`         // UNKNOWN, CHECKING, VALID, INVALID
	Classification string `json:"classification"` // таксономия диагностики
}

// BalanceUpdateMessage - сообщение об обновлении балансов пользователя
type BalanceUpdateMessage struct {
	BaseMessage
	UserID   int64   `json:"user_id"`
	Exchange string  `json:"exchange"`
	TotalUSD float64 `json:"total_usd"`
}

// AlertMessage - сообщение-алерт
type AlertMessage struct {
	BaseMessage
	Level   string `json:"level"` // warning, critical
	Message string `json:"message"`
}

// DispatchSummaryMessage - итог рассылки сигнала
type DispatchSummaryMessage struct {
	BaseMessage
	Data *models.DispatchSummary `json:"data"`
}

// ============ Фабричные функции для создания сообщений ============

// NewCredentialStatusMessage создает сообщение смены статуса
func NewCredentialStatusMessage(credentialID, userID int64, status, classification string) *CredentialStatusMessage {
	return &CredentialStatusMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeCredentialStatus,
			Timestamp: time.Now(),
		},
		CredentialID:   credentialID,
		UserID:         userID,
		Status:         status,
		Classification: classification,
	}
}

// NewBalanceUpdateMessage создает сообщение обновления балансов
func NewBalanceUpdateMessage(userID int64, exchange string, totalUSD float64) *BalanceUpdateMessage {
	return &BalanceUpdateMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeBalanceUpdate,
			Timestamp: time.Now(),
		},
		UserID:   userID,
		Exchange: exchange,
		TotalUSD: totalUSD,
	}
}

// NewAlertMessage создает сообщение-алерт
func NewAlertMessage(level, message string) *AlertMessage {
	return &AlertMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeAlert,
			Timestamp: time.Now(),
		},
		Level:   level,
		Message: message,
	}
}

// NewDispatchSummaryMessage создает сообщение итога рассылки
func NewDispatchSummaryMessage(summary *models.DispatchSummary) *DispatchSummaryMessage {
	return &DispatchSummaryMessage{
		BaseMessage: BaseMessage{
			Type:      MessageTypeDispatchSummary,
			Timestamp: time.Now(),
		},
		Data: summary,
	}
}
