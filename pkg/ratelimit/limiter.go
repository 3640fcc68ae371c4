package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter - Token Bucket rate limiter для контроля частоты запросов к API бирж
//
// Алгоритм Token Bucket:
// - Ведро наполняется токенами с постоянной скоростью (rate токенов/сек)
// - Максимальная ёмкость ведра = burst (позволяет короткие всплески)
// - Каждый запрос потребляет 1 токен
// - Если токенов нет, запрос ждёт или отклоняется
//
// Burst важен для рассылки сигнала: несколько пользовательских ордеров
// уходят пачкой, дальше поток сглаживается под лимит биржи.
//
// Использование:
//
//	limiter := NewRateLimiter(10, 20) // 10 req/sec, burst 20
//	err := limiter.Wait(ctx)          // блокирующее ожидание
//	if limiter.Allow() { ... }        // неблокирующая проверка
type RateLimiter struct {
	rate       float64   // токенов в секунду
	burst      float64   // максимальная ёмкость (burst capacity)
	tokens     float64   // текущее количество токенов
	lastRefill time.Time // время последнего пополнения
	mu         sync.Mutex
}

// NewRateLimiter создаёт новый rate limiter
//
// Параметры:
//   - rate: количество запросов в секунду
//   - burst: максимальный burst (обычно 1.5-2x от rate)
//
// Лимиты приватных endpoint'ов поддерживаемых бирж:
//   - Bybit:   10 req/sec (burst 20)
//   - Binance: 20 req/sec (burst 40) для USDT-фьючерсов
func NewRateLimiter(rate, burst float64) *RateLimiter {
	if rate <= 0 {
		rate = 10 // дефолт 10 req/sec
	}
	if burst <= 0 {
		burst = rate * 2
	}
	if burst < rate {
		burst = rate
	}

	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst, // начинаем с полным ведром
		lastRefill: time.Now(),
	}
}

// refill пополняет токены на основе прошедшего времени
// ВАЖНО: вызывается под lock'ом
func (rl *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()

	rl.tokens += elapsed * rl.rate

	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}

	rl.lastRefill = now
}

// Wait блокирует до получения токена или отмены контекста
//
// Возвращает:
//   - nil: токен получен, можно выполнять запрос
//   - ctx.Err(): контекст отменён (timeout или cancel)
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		rl.refill()

		if rl.tokens >= 1 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}

		// Время ожидания до следующего токена
		waitTime := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		select {
		case <-time.After(waitTime):
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Allow проверяет доступность токена без блокировки
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()

	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}

	return false
}

// Tokens возвращает текущее количество доступных токенов
// Полезно для мониторинга и отладки
func (rl *RateLimiter) Tokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill()
	return rl.tokens
}

// Rate возвращает скорость пополнения токенов (токенов/сек)
func (rl *RateLimiter) Rate() float64 {
	return rl.rate
}

// Burst возвращает максимальную ёмкость
func (rl *RateLimiter) Burst() float64 {
	return rl.burst
}

// ============================================================
// ExchangeLimiters - реестр лимитеров по биржам
// ============================================================

// ExchangeLimiters хранит по одному лимитеру на биржу
//
// Один процесс обслуживает много пользователей одной биржи, поэтому
// лимит применяется к бирже целиком, а не к отдельному credential'у:
// и sweep валидатора, и рассылка сигнала ходят через общее ведро.
type ExchangeLimiters struct {
	limiters map[string]*RateLimiter
	mu       sync.RWMutex
}

// NewExchangeLimiters создаёт пустой реестр
func NewExchangeLimiters() *ExchangeLimiters {
	return &ExchangeLimiters{
		limiters: make(map[string]*RateLimiter),
	}
}

// Add регистрирует лимитер для биржи
func (el *ExchangeLimiters) Add(exchange string, rate, burst float64) {
	el.mu.Lock()
	defer el.mu.Unlock()
	el.limiters[exchange] = NewRateLimiter(rate, burst)
}

// Wait ожидает токен для указанной биржи
// Если лимитер для биржи не зарегистрирован, запрос проходит без ожидания
func (el *ExchangeLimiters) Wait(ctx context.Context, exchange string) error {
	el.mu.RLock()
	limiter, ok := el.limiters[exchange]
	el.mu.RUnlock()

	if !ok {
		return nil
	}

	return limiter.Wait(ctx)
}

// Allow проверяет доступность токена для биржи
func (el *ExchangeLimiters) Allow(exchange string) bool {
	el.mu.RLock()
	limiter, ok := el.limiters[exchange]
	el.mu.RUnlock()

	if !ok {
		return true
	}

	return limiter.Allow()
}

// Get возвращает лимитер биржи (nil если не зарегистрирован)
func (el *ExchangeLimiters) Get(exchange string) *RateLimiter {
	el.mu.RLock()
	defer el.mu.RUnlock()
	return el.limiters[exchange]
}
