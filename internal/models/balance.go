package models

import (
	"math"
	"time"
)

// Типы аккаунтов на биржах
const (
	AccountTypeUnified = "UNIFIED" // Bybit v5 unified account
	AccountTypeFutures = "FUTURES" // Binance USDT-M futures
	AccountTypeSpot    = "SPOT"
)

// balanceTolerance - числовой допуск инварианта total = free + locked
const balanceTolerance = 1e-8

// Balance представляет баланс одного актива пользователя на бирже
//
// Уникален по (user_id, exchange, asset, account_type).
// Пишется только BalanceAggregator'ом (upsert); при ошибке обновления
// предыдущая строка остаётся нетронутой - лучше устаревший баланс,
// чем отсутствующий.
type Balance struct {
	ID          int64     `json:"id" db:"id"`
	UserID      int64     `json:"user_id" db:"user_id"`
	Exchange    string    `json:"exchange" db:"exchange"`
	Asset       string    `json:"asset" db:"asset"` // USDT, BTC, ...
	AccountType string    `json:"account_type" db:"account_type"`
	Free        float64   `json:"free" db:"free"`
	Locked      float64   `json:"locked" db:"locked"`
	Total       float64   `json:"total" db:"total"`
	USDValue    float64   `json:"usd_value" db:"usd_value"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// CheckTotal проверяет инвариант total = free + locked (с допуском)
func (b *Balance) CheckTotal() bool {
	return math.Abs(b.Total-(b.Free+b.Locked)) <= balanceTolerance
}
