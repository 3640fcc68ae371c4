package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"marketbot/internal/config"
	"marketbot/internal/exchange"
	"marketbot/internal/models"
	"marketbot/pkg/ratelimit"
	"marketbot/pkg/utils"
)

// Ошибки диспетчера
var (
	ErrQueueFull  = errors.New("signal queue is full")
	ErrNotRunning = errors.New("dispatcher is not running")
)

// Шаг округления количества для исходящих ордеров
const defaultLotSize = 0.001

// CredentialSourceInterface отдаёт credentials, пригодные к исполнению
type CredentialSourceInterface interface {
	GetEligible(ctx context.Context, exchange, environment string) ([]*models.Credential, error)
}

// DispatchStoreInterface определяет интерфейс журнала рассылки
type DispatchStoreInterface interface {
	Claim(ctx context.Context, signalID string, userID int64) (bool, error)
	Finish(ctx context.Context, signalID string, userID int64, result string, orderID *string) error
}

// BalanceSourceInterface отдаёт доступный баланс пользователя
type BalanceSourceInterface interface {
	TotalUSD(ctx context.Context, userID int64) (float64, error)
}

// Decrypter возвращает ключи credential'а в открытом виде
type Decrypter interface {
	Decrypt(cred *models.Credential) (apiKey, apiSecret string, err error)
}

// ClientFactory создаёт биржевой клиент по расшифрованным ключам
type ClientFactory func(name, environment, apiKey, apiSecret string) (exchange.Client, error)

// SummarySink получает итог рассылки каждого сигнала
type SummarySink interface {
	BroadcastDispatchSummary(summary *models.DispatchSummary)
}

// PolicyFromConfig собирает риск-политику из конфигурации
func PolicyFromConfig(cfg config.PolicyConfig) *models.UserPolicy {
	return &models.UserPolicy{
		AllowedSymbols:   cfg.AllowedSymbols,
		MinNotional:      cfg.MinNotional,
		MaxNotional:      cfg.MaxNotional,
		MaxLeverage:      cfg.MaxLeverage,
		MaxOpenPositions: cfg.MaxOpenPositions,
		StopLossPct:      cfg.StopLossPct,
		TakeProfitPct:    cfg.TakeProfitPct,
	}
}

// Dispatcher разносит один торговый сигнал по всем пригодным пользователям
//
// Сигналы обрабатываются строго в порядке поступления; внутри одного
// сигнала пользователи исполняются пулом воркеров без упорядочивания.
// Исключение одного пользователя (отказ gate'а, сбой отправки)
// фиксируется и не влияет на остальных.
type Dispatcher struct {
	creds      CredentialSourceInterface
	dispatches DispatchStoreInterface
	balances   BalanceSourceInterface
	orders     OrderStoreInterface
	decrypter  Decrypter
	newClient  ClientFactory
	executor   *Executor
	limiters   *ratelimit.ExchangeLimiters
	policy     *models.UserPolicy
	cfg        config.DispatcherConfig
	logger     *utils.Logger
	hub        SummarySink

	queue   chan *models.Signal
	running atomic.Bool

	// последний принятый сигнал по символу, для проверки устаревания
	mu     sync.RWMutex
	latest map[string]*models.Signal
}

// NewDispatcher создает новый экземпляр диспетчера
func NewDispatcher(
	creds CredentialSourceInterface,
	dispatches DispatchStoreInterface,
	balances BalanceSourceInterface,
	orders OrderStoreInterface,
	decrypter Decrypter,
	newClient ClientFactory,
	executor *Executor,
	limiters *ratelimit.ExchangeLimiters,
	policy *models.UserPolicy,
	cfg config.DispatcherConfig,
	logger *utils.Logger,
) *Dispatcher {
	return &Dispatcher{
		creds:      creds,
		dispatches: dispatches,
		balances:   balances,
		orders:     orders,
		decrypter:  decrypter,
		newClient:  newClient,
		executor:   executor,
		limiters:   limiters,
		policy:     policy,
		cfg:        cfg,
		logger:     logger.Named("dispatcher"),
		queue:      make(chan *models.Signal, 64),
		latest:     make(map[string]*models.Signal),
	}
}

// SetSummarySink подключает получателя итогов рассылки
func (d *Dispatcher) SetSummarySink(hub SummarySink) {
	d.hub = hub
}

// Submit ставит сигнал в очередь на рассылку.
// Регистрация в latest происходит сразу: более новый сигнал
// противоположного направления вытесняет находящиеся в обработке.
func (d *Dispatcher) Submit(sig *models.Signal) error {
	if !d.running.Load() {
		return ErrNotRunning
	}

	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = time.Now()
	}

	d.mu.Lock()
	prev, ok := d.latest[sig.Symbol]
	if !ok || sig.ReceivedAt.After(prev.ReceivedAt) {
		d.latest[sig.Symbol] = sig
	}
	d.mu.Unlock()

	select {
	case d.queue <- sig:
		SignalsReceived.Inc()
		QueueDepth.Inc()
		return nil
	default:
		return ErrQueueFull
	}
}

// Run обрабатывает очередь сигналов: по одному, в порядке поступления
func (d *Dispatcher) Run(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	d.logger.Info("диспетчер запущен",
		zap.Int("workers", d.cfg.Workers),
		zap.String("environment", d.cfg.Environment),
		zap.Duration("signal_ttl", d.cfg.SignalTTL))

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-d.queue:
			QueueDepth.Dec()
			if _, err := d.Dispatch(ctx, sig); err != nil {
				d.logger.Error("рассылка сигнала завершилась ошибкой",
					zap.String("signal_id", sig.ID),
					zap.Error(err))
			}
		}
	}
}

// Dispatch разносит один сигнал по всем пригодным пользователям.
//
// Пригодность: активный credential со статусом VALID для целевой биржи
// и окружения, и отсутствие DispatchRecord для (signal_id, user_id).
// Запись журнала создаётся ДО отправки ордера.
func (d *Dispatcher) Dispatch(ctx context.Context, sig *models.Signal) (*models.DispatchSummary, error) {
	d.registerSignal(sig)

	var eligible []*models.Credential
	seen := make(map[int64]bool)
	for _, exch := range exchange.SupportedExchanges {
		creds, err := d.creds.GetEligible(ctx, exch, d.cfg.Environment)
		if err != nil {
			return nil, err
		}
		for _, cred := range creds {
			// не более одного исполнения на пользователя за сигнал
			if !seen[cred.UserID] {
				seen[cred.UserID] = true
				eligible = append(eligible, cred)
			}
		}
	}

	summary := &models.DispatchSummary{SignalID: sig.ID}
	var mu sync.Mutex

	jobs := make(chan *models.Credential)
	var wg sync.WaitGroup

	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cred := range jobs {
				claimed, err := d.dispatches.Claim(ctx, sig.ID, cred.UserID)
				if err != nil {
					d.logger.Error("не удалось занять слот рассылки",
						zap.String("signal_id", sig.ID),
						zap.Int64("user_id", cred.UserID),
						zap.Error(err))
					continue
				}
				if !claimed {
					// сигнал уже разослан этому пользователю
					continue
				}

				result, orderID := d.dispatchOne(ctx, sig, cred)

				if err := d.dispatches.Finish(ctx, sig.ID, cred.UserID, result, orderID); err != nil {
					d.logger.Error("не удалось записать итог рассылки",
						zap.String("signal_id", sig.ID),
						zap.Int64("user_id", cred.UserID),
						zap.Error(err))
				}

				DispatchResults.WithLabelValues(result).Inc()

				mu.Lock()
				summary.EligibleCount++
				switch result {
				case models.DispatchResultSubmitted:
					summary.SubmittedCount++
				case models.DispatchResultRejected:
					summary.RejectedCount++
				case models.DispatchResultFailed:
					summary.FailedCount++
				case models.DispatchResultSkipped:
					summary.SkippedCount++
				}
				mu.Unlock()
			}
		}()
	}

	for _, cred := range eligible {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return summary, ctx.Err()
		case jobs <- cred:
		}
	}
	close(jobs)
	wg.Wait()

	d.logger.Info("сигнал разослан",
		zap.String("signal_id", sig.ID),
		zap.String("symbol", sig.Symbol),
		zap.String("side", sig.Side),
		zap.Int("eligible", summary.EligibleCount),
		zap.Int("submitted", summary.SubmittedCount),
		zap.Int("rejected", summary.RejectedCount),
		zap.Int("failed", summary.FailedCount),
		zap.Int("skipped", summary.SkippedCount))

	if d.hub != nil {
		d.hub.BroadcastDispatchSummary(summary)
	}

	return summary, nil
}

// dispatchOne исполняет сигнал для одного пользователя.
// Любая ошибка изолируется в итог этого пользователя.
func (d *Dispatcher) dispatchOne(ctx context.Context, sig *models.Signal, cred *models.Credential) (string, *string) {
	if d.isStale(sig) {
		return models.DispatchResultSkipped, nil
	}

	openPositions, err := d.orders.CountOpenByUser(ctx, cred.UserID, cred.Exchange)
	if err != nil {
		d.logger.Error("не удалось посчитать открытые позиции",
			zap.Int64("user_id", cred.UserID), zap.Error(err))
		return models.DispatchResultFailed, nil
	}
	availableUSD, err := d.balances.TotalUSD(ctx, cred.UserID)
	if err != nil {
		d.logger.Error("не удалось получить баланс",
			zap.Int64("user_id", cred.UserID), zap.Error(err))
		return models.DispatchResultFailed, nil
	}

	quantity := utils.RoundToLotSize(d.cfg.OrderNotional/sig.SuggestedPrice, defaultLotSize)
	req := &models.OrderRequest{
		SignalID:    sig.ID,
		UserID:      cred.UserID,
		Exchange:    cred.Exchange,
		Environment: cred.Environment,
		Symbol:      sig.Symbol,
		Side:        sig.Side,
		Quantity:    quantity,
		Price:       sig.SuggestedPrice,
		Leverage:    d.cfg.Leverage,
	}

	order, rejection := ApproveOrder(req, d.policy, AccountState{
		OpenPositions: openPositions,
		AvailableUSD:  availableUSD,
	})
	if rejection != nil {
		GateRejections.WithLabelValues(rejection.Reason).Inc()
		d.logger.Info("gate отклонил ордер",
			zap.String("signal_id", sig.ID),
			zap.Int64("user_id", cred.UserID),
			zap.String("reason", rejection.Reason),
			zap.String("detail", rejection.Detail))
		return models.DispatchResultRejected, nil
	}

	apiKey, apiSecret, err := d.decrypter.Decrypt(cred)
	if err != nil {
		d.logger.Error("не удалось расшифровать ключи",
			zap.Int64("credential_id", cred.ID), zap.Error(err))
		return models.DispatchResultFailed, nil
	}
	client, err := d.newClient(cred.Exchange, cred.Environment, apiKey, apiSecret)
	if err != nil {
		return models.DispatchResultFailed, nil
	}

	if d.limiters != nil {
		if err := d.limiters.Wait(ctx, cred.Exchange); err != nil {
			return models.DispatchResultFailed, nil
		}
	}

	// Последняя проверка актуальности прямо перед отправкой: запрос
	// в полёте отозвать нельзя, поэтому проверяем до него
	if d.isStale(sig) {
		return models.DispatchResultSkipped, nil
	}

	result, err := d.executor.Execute(ctx, client, order)
	if err != nil {
		d.logger.Error("исполнение ордера завершилось ошибкой",
			zap.String("signal_id", sig.ID),
			zap.Int64("user_id", cred.UserID),
			zap.Error(err))
		return models.DispatchResultFailed, nil
	}

	if order.ID != "" {
		return result, &order.ID
	}
	return result, nil
}

func (d *Dispatcher) registerSignal(sig *models.Signal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev, ok := d.latest[sig.Symbol]
	if !ok || sig.ReceivedAt.After(prev.ReceivedAt) {
		d.latest[sig.Symbol] = sig
	}
}

// isStale: сигнал устарел по TTL либо вытеснен более новым сигналом
// противоположного направления по тому же символу
func (d *Dispatcher) isStale(sig *models.Signal) bool {
	if d.cfg.SignalTTL > 0 && time.Since(sig.ReceivedAt) > d.cfg.SignalTTL {
		return true
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	latest, ok := d.latest[sig.Symbol]
	if !ok {
		return false
	}
	return latest.ID != sig.ID &&
		latest.Side != sig.Side &&
		latest.ReceivedAt.After(sig.ReceivedAt)
}
