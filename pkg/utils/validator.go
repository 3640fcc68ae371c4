package utils

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// validator.go - валидация входных данных
//
// Проверки формата, приходящего снаружи (API, конфигурация),
// до того как данные попадут в gate/executor.

// Ошибки валидации
var (
	ErrEmptySymbol    = errors.New("symbol cannot be empty")
	ErrInvalidSymbol  = errors.New("symbol must be uppercase alphanumeric, e.g. BTCUSDT")
	ErrInvalidSide    = errors.New("side must be LONG or SHORT")
	ErrEmptyAPIKey    = errors.New("api key cannot be empty")
	ErrAPIKeyTooShort = errors.New("api key is suspiciously short")
)

// symbolRe - формат торгового символа (BTCUSDT, 1000PEPEUSDT)
var symbolRe = regexp.MustCompile(`^[A-Z0-9]{5,20}$`)

// ValidateSymbol проверяет формат символа
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return ErrEmptySymbol
	}
	if !symbolRe.MatchString(symbol) {
		return fmt.Errorf("%w: got %q", ErrInvalidSymbol, symbol)
	}
	return nil
}

// ValidateSide проверяет направление сигнала/ордера
func ValidateSide(side string) error {
	switch strings.ToUpper(side) {
	case "LONG", "SHORT":
		return nil
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidSide, side)
	}
}

// ValidateAPIKey - базовая проверка API ключа перед диагностикой
//
// Реальную валидность подтверждает только CredentialValidator;
// здесь отсекаем очевидный мусор до похода на биржу.
func ValidateAPIKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyAPIKey
	}
	if len(key) < 16 {
		return ErrAPIKeyTooShort
	}
	return nil
}

// ValidateQuantity проверяет объём ордера
func ValidateQuantity(qty float64) error {
	if qty <= 0 {
		return fmt.Errorf("quantity must be positive, got %v", qty)
	}
	return nil
}

// ValidatePrice проверяет цену
func ValidatePrice(price float64) error {
	if price <= 0 {
		return fmt.Errorf("price must be positive, got %v", price)
	}
	return nil
}
