package models

import "time"

// Signal - нормализованный торговый сигнал от слоя приёма
//
// Диспетчер обрабатывает сигналы строго в порядке поступления;
// внутри одного сигнала рассылка по пользователям не упорядочена.
type Signal struct {
	ID             string    `json:"signal_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"` // LONG, SHORT
	SuggestedPrice float64   `json:"suggested_price"`
	Strength       float64   `json:"strength"`
	Source         string    `json:"source"`
	ReceivedAt     time.Time `json:"received_at"`
}

// Результаты рассылки по одному пользователю
const (
	DispatchResultSubmitted = "SUBMITTED"
	DispatchResultRejected  = "REJECTED"
	DispatchResultFailed    = "FAILED"
	DispatchResultSkipped   = "SKIPPED" // сигнал устарел к моменту отправки
)

// DispatchRecord фиксирует попытку рассылки сигнала одному пользователю
//
// Гарантия: не более одной записи на (signal_id, user_id).
// Запись создаётся ДО отправки ордера - при рестарте процесса
// повторная рассылка того же сигнала пользователю невозможна.
type DispatchRecord struct {
	SignalID    string    `json:"signal_id" db:"signal_id"`
	UserID      int64     `json:"user_id" db:"user_id"`
	AttemptedAt time.Time `json:"attempted_at" db:"attempted_at"`
	Result      string    `json:"result" db:"result"`
	OrderID     *string   `json:"order_id,omitempty" db:"order_id"`
}

// DispatchSummary - итог рассылки одного сигнала для мониторинга
type DispatchSummary struct {
	SignalID       string `json:"signal_id"`
	EligibleCount  int    `json:"eligible_count"`
	SubmittedCount int    `json:"submitted_count"`
	RejectedCount  int    `json:"rejected_count"`
	FailedCount    int    `json:"failed_count"`
	SkippedCount   int    `json:"skipped_count"`
}
