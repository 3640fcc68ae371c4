package models

import "time"

// Направления позиции
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Статусы ордера
//
// Жизненный цикл: PENDING → SUBMITTED → {FILLED, REJECTED, CANCELLED, FAILED}.
// PENDING означает что ордер уже прошёл OrderSafetyGate.
// Терминальные статусы неизменяемы.
const (
	OrderStatusPending   = "PENDING"
	OrderStatusSubmitted = "SUBMITTED"
	OrderStatusFilled    = "FILLED"
	OrderStatusRejected  = "REJECTED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusFailed    = "FAILED"
)

// OrderRequest - запрос на создание ордера, вход OrderSafetyGate
//
// StopLoss/TakeProfit == 0 означает "не задан": gate выведет их из
// policy-множителей, молча пропустить ордер без SL/TP нельзя.
type OrderRequest struct {
	SignalID    string  `json:"signal_id"`
	UserID      int64   `json:"user_id"`
	Exchange    string  `json:"exchange"`
	Environment string  `json:"environment"`
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"` // LONG, SHORT
	Quantity    float64 `json:"quantity"`
	Price       float64 `json:"price"`
	StopLoss    float64 `json:"stop_loss,omitempty"`
	TakeProfit  float64 `json:"take_profit,omitempty"`
	Leverage    int     `json:"leverage"`
}

// Order представляет ордер в течение всего жизненного цикла
//
// ID служит idempotency-ключом. ClientOrderID детерминированно
// выводится из (signal_id, user_id): биржа распознаёт повторную
// отправку как дубликат. Статус мутирует только OrderExecutor.
type Order struct {
	ID              string     `json:"id" db:"id"`
	SignalID        string     `json:"signal_id" db:"signal_id"`
	UserID          int64      `json:"user_id" db:"user_id"`
	Exchange        string     `json:"exchange" db:"exchange"`
	Environment     string     `json:"environment" db:"environment"`
	Symbol          string     `json:"symbol" db:"symbol"`
	Side            string     `json:"side" db:"side"`
	Quantity        float64    `json:"quantity" db:"quantity"`
	Price           float64    `json:"price" db:"price"`
	StopLoss        float64    `json:"stop_loss" db:"stop_loss"`
	TakeProfit      float64    `json:"take_profit" db:"take_profit"`
	Leverage        int        `json:"leverage" db:"leverage"`
	ClientOrderID   string     `json:"client_order_id" db:"client_order_id"`
	ExchangeOrderID string     `json:"exchange_order_id,omitempty" db:"exchange_order_id"`
	Status          string     `json:"status" db:"status"`
	RejectReason    string     `json:"reject_reason,omitempty" db:"reject_reason"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	ExecutedAt      *time.Time `json:"executed_at,omitempty" db:"executed_at"`
}

// IsTerminalOrderStatus возвращает true для неизменяемых статусов
func IsTerminalOrderStatus(s string) bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled, OrderStatusFailed:
		return true
	}
	return false
}

// HasProtectiveOrders проверяет инвариант SUBMITTED-ордера:
// SL и TP присутствуют и стоят с правильной стороны от цены входа
// (long: SL < price < TP; short: TP < price < SL)
func (o *Order) HasProtectiveOrders() bool {
	if o.StopLoss <= 0 || o.TakeProfit <= 0 {
		return false
	}
	switch o.Side {
	case SideLong:
		return o.StopLoss < o.Price && o.Price < o.TakeProfit
	case SideShort:
		return o.TakeProfit < o.Price && o.Price < o.StopLoss
	}
	return false
}
