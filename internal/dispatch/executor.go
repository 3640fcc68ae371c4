package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"marketbot/internal/config"
	"marketbot/internal/exchange"
	"marketbot/internal/models"
	"marketbot/internal/repository"
	"marketbot/pkg/retry"
	"marketbot/pkg/utils"
)

// OrderStoreInterface определяет интерфейс репозитория ордеров
type OrderStoreInterface interface {
	Create(ctx context.Context, order *models.Order) error
	GetByID(ctx context.Context, id string) (*models.Order, error)
	GetByClientOrderID(ctx context.Context, clientOrderID string) (*models.Order, error)
	CountOpenByUser(ctx context.Context, userID int64, exchange string) (int, error)
	MarkSubmitted(ctx context.Context, id, exchangeOrderID string) error
	MarkFilled(ctx context.Context, id string, executedAt time.Time) error
	MarkCancelled(ctx context.Context, id string) error
	MarkRejected(ctx context.Context, id, reason string) error
	MarkFailed(ctx context.Context, id, reason string) error
}

// ClientOrderID детерминированно выводит клиентский идентификатор
// ордера из (signal_id, user_id). Повторная отправка с тем же
// идентификатором распознаётся биржей как дубликат.
func ClientOrderID(signalID string, userID int64) string {
	return "mb-" + signalID + "-" + strconv.FormatInt(userID, 10)
}

// Executor проводит ордер через жизненный цикл
// PENDING → SUBMITTED → {FILLED, REJECTED, CANCELLED, FAILED}.
//
// Ретраятся только временные ошибки (rate limit, сеть, 5xx);
// терминальный отказ биржи сразу помечает ордер REJECTED с причиной.
type Executor struct {
	orders OrderStoreInterface
	cfg    config.DispatcherConfig
	logger *utils.Logger
}

// NewExecutor создает новый экземпляр исполнителя
func NewExecutor(orders OrderStoreInterface, cfg config.DispatcherConfig, logger *utils.Logger) *Executor {
	return &Executor{
		orders: orders,
		cfg:    cfg,
		logger: logger.Named("executor"),
	}
}

// Execute сохраняет прошедший gate ордер и отправляет его на биржу.
// Возвращает итог рассылки для DispatchRecord.
func (e *Executor) Execute(ctx context.Context, client exchange.Client, order *models.Order) (string, error) {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	order.ClientOrderID = ClientOrderID(order.SignalID, order.UserID)

	if err := e.orders.Create(ctx, order); err != nil {
		if errors.Is(err, repository.ErrOrderExists) {
			// Повторная отправка того же (signal, user): биржа уже
			// видела этот client order id, второй ордер не создаётся
			return e.resolveDuplicate(ctx, order)
		}
		return models.DispatchResultFailed, err
	}

	started := time.Now()
	ack, submitErr := e.submit(ctx, client, order)
	latency := time.Since(started)

	if submitErr != nil {
		var legErr *exchange.ProtectiveLegError
		if errors.As(submitErr, &legErr) {
			return e.recordUnprotected(ctx, order, legErr)
		}
		return e.recordFailure(ctx, order, submitErr)
	}

	if err := e.orders.MarkSubmitted(ctx, order.ID, ack.ExchangeOrderID); err != nil {
		return models.DispatchResultFailed, err
	}
	order.Status = models.OrderStatusSubmitted
	order.ExchangeOrderID = ack.ExchangeOrderID

	OrderSubmissionLatency.WithLabelValues(order.Exchange).Observe(latency.Seconds())

	e.logger.Info("ордер отправлен",
		zap.String("order_id", order.ID),
		zap.String("client_order_id", order.ClientOrderID),
		zap.String("exchange_order_id", ack.ExchangeOrderID),
		zap.String("symbol", order.Symbol),
		zap.String("side", order.Side),
		zap.Float64("quantity", order.Quantity),
		zap.Duration("latency", latency))

	return models.DispatchResultSubmitted, nil
}

// submit отправляет ордер с ретраями временных ошибок
func (e *Executor) submit(ctx context.Context, client exchange.Client, order *models.Order) (*exchange.OrderAck, error) {
	cfg := retry.OrderConfig()
	cfg.MaxRetries = e.cfg.MaxRetries
	cfg.InitialDelay = e.cfg.RetryBackoff
	cfg.RetryIf = exchange.IsRetryable

	params := &exchange.OrderParams{
		Symbol:        order.Symbol,
		Side:          order.Side,
		Quantity:      order.Quantity,
		Price:         order.Price,
		Leverage:      order.Leverage,
		StopLoss:      order.StopLoss,
		TakeProfit:    order.TakeProfit,
		ClientOrderID: order.ClientOrderID,
	}

	return retry.DoWithResult(ctx, func() (*exchange.OrderAck, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.OrderTimeout)
		defer cancel()
		return client.PlaceOrder(attemptCtx, params)
	}, cfg)
}

// recordUnprotected фиксирует ордер, принятый биржей без защитной ноги.
// Локальный статус обязан отражать биржу: позиция живая, поэтому SUBMITTED,
// а отсутствие стопа поднимается ошибкой в лог - оператор закрывает руками
// или через Cancel/Reconcile.
func (e *Executor) recordUnprotected(ctx context.Context, order *models.Order, legErr *exchange.ProtectiveLegError) (string, error) {
	if err := e.orders.MarkSubmitted(ctx, order.ID, legErr.Ack.ExchangeOrderID); err != nil {
		return models.DispatchResultFailed, err
	}
	order.Status = models.OrderStatusSubmitted
	order.ExchangeOrderID = legErr.Ack.ExchangeOrderID

	e.logger.Error("позиция открыта без защитного ордера",
		zap.String("order_id", order.ID),
		zap.String("client_order_id", order.ClientOrderID),
		zap.String("exchange_order_id", legErr.Ack.ExchangeOrderID),
		zap.String("leg", legErr.Leg),
		zap.Error(legErr.Err))

	return models.DispatchResultSubmitted, nil
}

// recordFailure разводит терминальный отказ и исчерпанные ретраи
func (e *Executor) recordFailure(ctx context.Context, order *models.Order, submitErr error) (string, error) {
	if exchange.IsRetryable(submitErr) {
		// Временная ошибка, но попытки кончились
		reason := fmt.Sprintf("submission failed after %d attempts: %s", e.cfg.MaxRetries, submitErr)
		if err := e.orders.MarkFailed(ctx, order.ID, reason); err != nil {
			return models.DispatchResultFailed, err
		}
		order.Status = models.OrderStatusFailed
		e.logger.Warn("ордер не отправлен, попытки исчерпаны",
			zap.String("order_id", order.ID),
			zap.Error(submitErr))
		return models.DispatchResultFailed, nil
	}

	reason := rejectReason(submitErr)
	if err := e.orders.MarkRejected(ctx, order.ID, reason); err != nil {
		return models.DispatchResultFailed, err
	}
	order.Status = models.OrderStatusRejected
	order.RejectReason = reason
	e.logger.Warn("биржа отклонила ордер",
		zap.String("order_id", order.ID),
		zap.String("reason", reason))
	return models.DispatchResultRejected, nil
}

// resolveDuplicate возвращает итог по уже существующему ордеру
func (e *Executor) resolveDuplicate(ctx context.Context, order *models.Order) (string, error) {
	existing, err := e.orders.GetByClientOrderID(ctx, order.ClientOrderID)
	if err != nil {
		return models.DispatchResultFailed, err
	}
	*order = *existing

	switch existing.Status {
	case models.OrderStatusSubmitted, models.OrderStatusFilled:
		return models.DispatchResultSubmitted, nil
	case models.OrderStatusRejected:
		return models.DispatchResultRejected, nil
	default:
		return models.DispatchResultFailed, nil
	}
}

// Cancel отменяет SUBMITTED-ордер. Переход в CANCELLED происходит только
// если биржа подтвердила, что ордер не успел исполниться; гонка
// cancel против исполнения разрешается в пользу FILLED - состояние
// биржи первично.
func (e *Executor) Cancel(ctx context.Context, client exchange.Client, order *models.Order) error {
	if order.Status != models.OrderStatusSubmitted {
		return fmt.Errorf("order %s is %s, only SUBMITTED orders can be cancelled", order.ID, order.Status)
	}

	cancelErr := client.CancelOrder(ctx, order.Symbol, order.ClientOrderID)

	state, err := client.QueryOrder(ctx, order.Symbol, order.ClientOrderID)
	if err != nil {
		if cancelErr != nil {
			return errors.Join(cancelErr, err)
		}
		return err
	}

	if state.Status == exchange.RemoteStatusFilled {
		if err := e.orders.MarkFilled(ctx, order.ID, time.Now()); err != nil {
			return err
		}
		order.Status = models.OrderStatusFilled
		e.logger.Info("ордер исполнился раньше отмены",
			zap.String("order_id", order.ID))
		return nil
	}

	if cancelErr != nil {
		return cancelErr
	}

	if err := e.orders.MarkCancelled(ctx, order.ID); err != nil {
		return err
	}
	order.Status = models.OrderStatusCancelled
	e.logger.Info("ордер отменён", zap.String("order_id", order.ID))
	return nil
}

// Reconcile подтягивает статус SUBMITTED-ордера с биржи
func (e *Executor) Reconcile(ctx context.Context, client exchange.Client, order *models.Order) error {
	if order.Status != models.OrderStatusSubmitted {
		return nil
	}

	state, err := client.QueryOrder(ctx, order.Symbol, order.ClientOrderID)
	if err != nil {
		return err
	}

	switch state.Status {
	case exchange.RemoteStatusFilled:
		if err := e.orders.MarkFilled(ctx, order.ID, time.Now()); err != nil {
			return err
		}
		order.Status = models.OrderStatusFilled
	case exchange.RemoteStatusCancelled:
		if err := e.orders.MarkCancelled(ctx, order.ID); err != nil {
			return err
		}
		order.Status = models.OrderStatusCancelled
	case exchange.RemoteStatusRejected:
		if err := e.orders.MarkRejected(ctx, order.ID, "rejected by exchange after submission"); err != nil {
			return err
		}
		order.Status = models.OrderStatusRejected
	}
	return nil
}

// rejectReason превращает ошибку биржи в читаемую причину отказа
func rejectReason(err error) string {
	var exErr *exchange.ExchangeError
	if errors.As(err, &exErr) {
		return fmt.Sprintf("exchange rejected order (code %s): %s", exErr.Code, exErr.Message)
	}
	return "order submission failed: " + err.Error()
}
