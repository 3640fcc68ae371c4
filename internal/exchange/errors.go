package exchange

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"marketbot/internal/models"
)

// ExchangeError представляет ошибку, возвращённую биржевым API
type ExchangeError struct {
	Exchange string
	Code     string
	HTTPCode int
	Message  string
	Original error
}

func (e *ExchangeError) Error() string {
	return e.Exchange + ": " + e.Code + " " + e.Message
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *ExchangeError) Unwrap() error {
	return e.Original
}

// Коды ошибок Bybit v5
const (
	bybitCodeTimestamp   = "10002" // timestamp вне recv_window
	bybitCodeInvalidKey  = "10003"
	bybitCodeBadSign     = "10004"
	bybitCodePermission  = "10005"
	bybitCodeRateLimit   = "10006" // too many visits, приходит с HTTP 200
	bybitCodeIPMismatch  = "10010"
	bybitCodeUnifiedOnly = "10024" // требуется единый торговый аккаунт
)

// Коды ошибок Binance Futures
const (
	binanceCodeRateLimit  = "-1003"
	binanceCodeTimestamp  = "-1021"
	binanceCodeBadSign    = "-1022"
	binanceCodeInvalidKey = "-2014"
	binanceCodeRejected   = "-2015" // ключ/IP/права - различаем по тексту
)

// ProtectiveLegError означает, что основной ордер принят биржей,
// но защитный (stop-loss или take-profit) выставить не удалось.
// Ack сохраняется внутри ошибки: позиция на бирже живая, и вызывающий
// код обязан зафиксировать её, а не считать отправку несостоявшейся.
type ProtectiveLegError struct {
	Ack *OrderAck
	Leg string // "stop_loss" | "take_profit"
	Err error
}

func (e *ProtectiveLegError) Error() string {
	return "order " + e.Ack.ClientOrderID + " accepted but " + e.Leg + " order failed: " + e.Err.Error()
}

func (e *ProtectiveLegError) Unwrap() error {
	return e.Err
}

// IsClockSkew определяет, вызвана ли ошибка рассинхронизацией часов.
// После такой ошибки клиент один раз пересинхронизирует время и повторяет запрос.
func IsClockSkew(err error) bool {
	var exErr *ExchangeError
	if !errors.As(err, &exErr) {
		return false
	}
	return exErr.Code == bybitCodeTimestamp || exErr.Code == binanceCodeTimestamp
}

// IsRateLimited определяет, отклонён ли запрос из-за превышения лимита.
// Bybit возвращает retCode 10006 при HTTP 200, Binance - код -1003 либо
// HTTP 429, поэтому проверяем и код ответа, и код из тела.
func IsRateLimited(err error) bool {
	var exErr *ExchangeError
	if !errors.As(err, &exErr) {
		return false
	}
	if exErr.HTTPCode == http.StatusTooManyRequests {
		return true
	}
	return exErr.Code == bybitCodeRateLimit || exErr.Code == binanceCodeRateLimit
}

// IsNetworkError определяет сетевой сбой (таймаут, обрыв, DNS)
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Classify относит ошибку диагностики к одной из категорий таксономии.
// Категория определяет и сообщение оператору, и retry-политику:
// повторяется только NETWORK_ERROR, остальные требуют вмешательства.
func Classify(err error) string {
	if err == nil {
		return models.ClassificationOK
	}

	if IsNetworkError(err) {
		return models.ClassificationNetworkError
	}

	var exErr *ExchangeError
	if !errors.As(err, &exErr) {
		return models.ClassificationUnknownError
	}

	switch exErr.Code {
	case bybitCodeInvalidKey, binanceCodeInvalidKey:
		return models.ClassificationInvalidKey
	case bybitCodeBadSign, binanceCodeBadSign:
		return models.ClassificationInvalidSignature
	case bybitCodeIPMismatch:
		return models.ClassificationIPRestricted
	case bybitCodePermission:
		return models.ClassificationInsufficientPermissions
	case bybitCodeUnifiedOnly:
		return models.ClassificationAccountModeMismatch
	case binanceCodeRejected:
		// Binance сводит ключ/IP/права в один код, различаем по тексту
		msg := strings.ToLower(exErr.Message)
		switch {
		case strings.Contains(msg, "ip"):
			return models.ClassificationIPRestricted
		case strings.Contains(msg, "permission"):
			return models.ClassificationInsufficientPermissions
		default:
			return models.ClassificationInvalidKey
		}
	}

	msg := strings.ToLower(exErr.Message)
	if strings.Contains(msg, "unified") || strings.Contains(msg, "account mode") {
		return models.ClassificationAccountModeMismatch
	}

	return models.ClassificationUnknownError
}

// IsRetryable сообщает, имеет ли смысл повторять запрос с той же подписью.
// Ошибки аутентификации и прав терминальны: повтор даст тот же ответ.
// Превышение лимита запросов временно и повторяется после backoff.
func IsRetryable(err error) bool {
	// Основной ордер уже на бирже: повтор всего запроса создаст дубль
	var legErr *ProtectiveLegError
	if errors.As(err, &legErr) {
		return false
	}
	if IsNetworkError(err) {
		return true
	}
	if IsClockSkew(err) {
		return true
	}
	if IsRateLimited(err) {
		return true
	}
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		// 5xx со стороны биржи - временный сбой
		return exErr.HTTPCode >= 500
	}
	return false
}
