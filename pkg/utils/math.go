package utils

import (
	"math"
)

// math.go - математические утилиты для торгового ядра
//
// Все функции являются чистыми (pure functions) без побочных эффектов.

// BalanceTolerance - допуск при сравнении денежных величин (free + locked = total)
const BalanceTolerance = 1e-8

// RoundToLotSize округляет значение ВНИЗ до ближайшего кратного lotSize.
//
// Используется для округления объёма ордера до минимального шага биржи.
// Округление вниз гарантирует, что мы не превысим доступные средства.
//
// Примеры:
//   - RoundToLotSize(0.123456, 0.001) = 0.123
//   - RoundToLotSize(1.999, 0.01) = 1.99
func RoundToLotSize(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	return math.Floor(value/lotSize) * lotSize
}

// RoundToTickSize округляет цену к ближайшему кратному tickSize.
//
// Применяется к производным SL/TP: биржа отклонит цену
// не кратную шагу цены инструмента.
func RoundToTickSize(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	return math.Round(price/tickSize) * tickSize
}

// Notional возвращает номинал позиции (quantity × price) в котируемой валюте.
//
// Если любой из аргументов не положителен, возвращает 0.
func Notional(quantity, price float64) float64 {
	if quantity <= 0 || price <= 0 {
		return 0
	}
	return quantity * price
}

// RequiredMargin возвращает требуемую маржу для позиции с плечом.
//
// leverage < 1 трактуется как 1 (без плеча).
func RequiredMargin(notional float64, leverage int) float64 {
	if leverage < 1 {
		leverage = 1
	}
	return notional / float64(leverage)
}

// NearlyEqual сравнивает две величины с допуском BalanceTolerance
func NearlyEqual(a, b float64) bool {
	return math.Abs(a-b) <= BalanceTolerance
}
