package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestNewRateLimiterDefaults(t *testing.T) {
	tests := []struct {
		name          string
		rate, burst   float64
		expectedRate  float64
		expectedBurst float64
	}{
		{"valid params", 10, 20, 10, 20},
		{"zero rate", 0, 0, 10, 20},
		{"negative rate", -5, 0, 10, 20},
		{"burst below rate", 10, 5, 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := NewRateLimiter(tt.rate, tt.burst)
			if rl.Rate() != tt.expectedRate {
				t.Errorf("rate: expected %v, got %v", tt.expectedRate, rl.Rate())
			}
			if rl.Burst() != tt.expectedBurst {
				t.Errorf("burst: expected %v, got %v", tt.expectedBurst, rl.Burst())
			}
		})
	}
}

func TestAllowConsumesTokens(t *testing.T) {
	rl := NewRateLimiter(1, 2) // 1 req/sec, burst 2

	if !rl.Allow() {
		t.Error("first request should be allowed (full bucket)")
	}
	if !rl.Allow() {
		t.Error("second request should be allowed (burst)")
	}
	if rl.Allow() {
		t.Error("third request should be rejected (bucket empty)")
	}
}

func TestTokensRefillOverTime(t *testing.T) {
	rl := NewRateLimiter(100, 100) // быстрое пополнение для теста

	// Опустошаем ведро
	for rl.Allow() {
	}

	time.Sleep(50 * time.Millisecond) // ~5 токенов

	if !rl.Allow() {
		t.Error("token should be available after refill")
	}
}

func TestWaitBlocksAndReturns(t *testing.T) {
	rl := NewRateLimiter(50, 1)

	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait failed: %v", err)
	}

	// Второй Wait должен дождаться пополнения (~20ms при 50 rps)
	start := time.Now()
	if err := rl.Wait(context.Background()); err != nil {
		t.Fatalf("second Wait failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("expected Wait to block, returned after %v", elapsed)
	}
}

func TestWaitRespectsContext(t *testing.T) {
	rl := NewRateLimiter(0.1, 1) // 1 токен в 10 секунд
	rl.Allow()                   // опустошаем

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := rl.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestExchangeLimiters(t *testing.T) {
	el := NewExchangeLimiters()
	el.Add("bybit", 1, 1)

	// Зарегистрированная биржа лимитируется
	if !el.Allow("bybit") {
		t.Error("first bybit request should pass")
	}
	if el.Allow("bybit") {
		t.Error("second bybit request should be limited")
	}

	// Незарегистрированная биржа проходит свободно
	for i := 0; i < 10; i++ {
		if !el.Allow("binance") {
			t.Fatal("unregistered exchange must not be limited")
		}
	}

	if err := el.Wait(context.Background(), "binance"); err != nil {
		t.Errorf("Wait for unregistered exchange: %v", err)
	}

	if el.Get("bybit") == nil {
		t.Error("Get should return registered limiter")
	}
	if el.Get("okx") != nil {
		t.Error("Get should return nil for unknown exchange")
	}
}
