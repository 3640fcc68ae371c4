package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"marketbot/internal/models"
	"marketbot/internal/storage"
)

// Ошибки репозитория ордеров
var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrOrderExists      = errors.New("order already exists for this signal and user")
	ErrStatusTransition = errors.New("invalid order status transition")
)

// OrderRepository - работа с таблицей orders
//
// Статусы меняются только условными UPDATE'ами: переход фиксируется
// лишь если текущий статус совпадает с ожидаемым. Терминальный статус
// перезаписать нельзя на уровне SQL.
type OrderRepository struct {
	db storage.Querier
}

// NewOrderRepository создает новый экземпляр репозитория
func NewOrderRepository(db storage.Querier) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderColumns = `id, signal_id, user_id, exchange, environment, symbol, side, quantity, price,
		stop_loss, take_profit, leverage, client_order_id, exchange_order_id, status, reject_reason,
		created_at, executed_at`

// Create создает запись об ордере в статусе PENDING
func (r *OrderRepository) Create(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (id, signal_id, user_id, exchange, environment, symbol, side, quantity, price,
			stop_loss, take_profit, leverage, client_order_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	order.Status = models.OrderStatusPending
	order.CreatedAt = time.Now()

	_, err := r.db.ExecContext(ctx, query,
		order.ID,
		order.SignalID,
		order.UserID,
		order.Exchange,
		order.Environment,
		order.Symbol,
		order.Side,
		order.Quantity,
		order.Price,
		order.StopLoss,
		order.TakeProfit,
		order.Leverage,
		order.ClientOrderID,
		order.Status,
		order.CreatedAt,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return ErrOrderExists
		}
		return err
	}

	return nil
}

// GetByID возвращает ордер по ID
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE id = $1`

	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// GetByClientOrderID возвращает ордер по клиентскому ID биржи
func (r *OrderRepository) GetByClientOrderID(ctx context.Context, clientOrderID string) (*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE client_order_id = $1`

	return r.scanOne(r.db.QueryRowContext(ctx, query, clientOrderID))
}

// GetBySignal возвращает все ордера по сигналу
func (r *OrderRepository) GetBySignal(ctx context.Context, signalID string) ([]*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE signal_id = $1
		ORDER BY user_id`

	return r.queryMany(ctx, query, signalID)
}

// GetByUser возвращает последние ордера пользователя
func (r *OrderRepository) GetByUser(ctx context.Context, userID int64, limit int) ([]*models.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	return r.queryMany(ctx, query, userID, limit)
}

// CountOpenByUser возвращает число незакрытых позиций пользователя на бирже
// (ордера в нетерминальных статусах плюс FILLED без закрытия учитываются
// вызывающим кодом через состояние позиций; здесь - только активные ордера)
func (r *OrderRepository) CountOpenByUser(ctx context.Context, userID int64, exchange string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM orders
		WHERE user_id = $1 AND exchange = $2 AND status IN ($3, $4)`

	var count int
	err := r.db.QueryRowContext(ctx, query, userID, exchange,
		models.OrderStatusPending, models.OrderStatusSubmitted).Scan(&count)
	return count, err
}

// MarkSubmitted переводит PENDING → SUBMITTED с фиксацией exchange_order_id
func (r *OrderRepository) MarkSubmitted(ctx context.Context, id, exchangeOrderID string) error {
	query := `
		UPDATE orders
		SET status = $1, exchange_order_id = $2
		WHERE id = $3 AND status = $4`

	return r.transition(ctx, query, models.OrderStatusSubmitted, exchangeOrderID, id, models.OrderStatusPending)
}

// MarkFilled переводит SUBMITTED → FILLED
func (r *OrderRepository) MarkFilled(ctx context.Context, id string, executedAt time.Time) error {
	query := `
		UPDATE orders
		SET status = $1, executed_at = $2
		WHERE id = $3 AND status = $4`

	return r.transition(ctx, query, models.OrderStatusFilled, executedAt, id, models.OrderStatusSubmitted)
}

// MarkCancelled переводит SUBMITTED → CANCELLED
func (r *OrderRepository) MarkCancelled(ctx context.Context, id string) error {
	query := `
		UPDATE orders
		SET status = $1
		WHERE id = $2 AND status = $3`

	return r.transition(ctx, query, models.OrderStatusCancelled, id, models.OrderStatusSubmitted)
}

// MarkRejected фиксирует отказ с причиной. Отказ возможен и из PENDING
// (до отправки), и из SUBMITTED (отказ биржи).
func (r *OrderRepository) MarkRejected(ctx context.Context, id, reason string) error {
	query := `
		UPDATE orders
		SET status = $1, reject_reason = $2
		WHERE id = $3 AND status IN ($4, $5)`

	return r.transition(ctx, query, models.OrderStatusRejected, reason, id,
		models.OrderStatusPending, models.OrderStatusSubmitted)
}

// MarkFailed фиксирует невосстановимый сбой исполнения
func (r *OrderRepository) MarkFailed(ctx context.Context, id, reason string) error {
	query := `
		UPDATE orders
		SET status = $1, reject_reason = $2
		WHERE id = $3 AND status IN ($4, $5)`

	return r.transition(ctx, query, models.OrderStatusFailed, reason, id,
		models.OrderStatusPending, models.OrderStatusSubmitted)
}

// transition выполняет условный UPDATE статуса.
// Ноль затронутых строк означает несовпадение ожидаемого статуса.
func (r *OrderRepository) transition(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrStatusTransition
	}
	return nil
}

func (r *OrderRepository) scanOne(row *sql.Row) (*models.Order, error) {
	order := &models.Order{}
	var exchangeOrderID, rejectReason sql.NullString
	var executedAt sql.NullTime

	err := row.Scan(
		&order.ID,
		&order.SignalID,
		&order.UserID,
		&order.Exchange,
		&order.Environment,
		&order.Symbol,
		&order.Side,
		&order.Quantity,
		&order.Price,
		&order.StopLoss,
		&order.TakeProfit,
		&order.Leverage,
		&order.ClientOrderID,
		&exchangeOrderID,
		&order.Status,
		&rejectReason,
		&order.CreatedAt,
		&executedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}

	order.ExchangeOrderID = exchangeOrderID.String
	order.RejectReason = rejectReason.String
	if executedAt.Valid {
		order.ExecutedAt = &executedAt.Time
	}

	return order, nil
}

func (r *OrderRepository) queryMany(ctx context.Context, query string, args ...any) ([]*models.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order := &models.Order{}
		var exchangeOrderID, rejectReason sql.NullString
		var executedAt sql.NullTime

		err := rows.Scan(
			&order.ID,
			&order.SignalID,
			&order.UserID,
			&order.Exchange,
			&order.Environment,
			&order.Symbol,
			&order.Side,
			&order.Quantity,
			&order.Price,
			&order.StopLoss,
			&order.TakeProfit,
			&order.Leverage,
			&order.ClientOrderID,
			&exchangeOrderID,
			&order.Status,
			&rejectReason,
			&order.CreatedAt,
			&executedAt,
		)
		if err != nil {
			return nil, err
		}

		order.ExchangeOrderID = exchangeOrderID.String
		order.RejectReason = rejectReason.String
		if executedAt.Valid {
			order.ExecutedAt = &executedAt.Time
		}

		orders = append(orders, order)
	}

	return orders, rows.Err()
}
