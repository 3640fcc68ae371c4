package exchange

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"
)

// serverClock хранит смещение локальных часов относительно часов биржи.
// Биржи отклоняют подписи с timestamp вне recv_window, поэтому все
// подписываемые запросы используют скорректированное время.
type serverClock struct {
	offsetMs atomic.Int64
}

// Now возвращает текущее время в миллисекундах с учётом смещения
func (c *serverClock) Now() int64 {
	return time.Now().UnixMilli() + c.offsetMs.Load()
}

// NowString возвращает скорректированный timestamp как строку для подписи
func (c *serverClock) NowString() string {
	return strconv.FormatInt(c.Now(), 10)
}

// Sync пересчитывает смещение по времени сервера биржи
func (c *serverClock) Sync(serverTime time.Time) {
	c.offsetMs.Store(serverTime.UnixMilli() - time.Now().UnixMilli())
}

// Offset возвращает текущее смещение
func (c *serverClock) Offset() time.Duration {
	return time.Duration(c.offsetMs.Load()) * time.Millisecond
}

// resyncAndRetry обрабатывает ошибку рассинхронизации часов: один раз
// синхронизирует время по серверу и повторяет запрос. Повторная ошибка
// timestamp возвращается как есть - бесконечный цикл ресинков недопустим.
func resyncAndRetry(ctx context.Context, clock *serverClock, fetchTime func(context.Context) (time.Time, error), do func() ([]byte, error), firstErr error) ([]byte, error) {
	if !IsClockSkew(firstErr) {
		return nil, firstErr
	}

	serverTime, err := fetchTime(ctx)
	if err != nil {
		return nil, firstErr
	}
	clock.Sync(serverTime)

	return do()
}
