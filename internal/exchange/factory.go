package exchange

import (
	"fmt"
	"strings"

	"marketbot/internal/models"
)

// SupportedExchanges - список поддерживаемых бирж
var SupportedExchanges = []string{
	"bybit",
	"binance",
}

// NewClient создаёт клиент биржи по имени и окружению
func NewClient(name, environment, apiKey, secretKey string) (Client, error) {
	if !models.IsValidEnvironment(environment) {
		return nil, fmt.Errorf("unsupported environment: %s", environment)
	}

	switch strings.ToLower(name) {
	case "bybit":
		return NewBybit(apiKey, secretKey, environment), nil
	case "binance":
		return NewBinance(apiKey, secretKey, environment), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", name)
	}
}

// IsSupported проверяет, поддерживается ли биржа
func IsSupported(name string) bool {
	name = strings.ToLower(name)
	for _, supported := range SupportedExchanges {
		if name == supported {
			return true
		}
	}
	return false
}
