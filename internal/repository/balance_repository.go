package repository

import (
	"context"
	"time"

	"marketbot/internal/models"
	"marketbot/internal/storage"
)

// BalanceRepository - работа с таблицей balances
type BalanceRepository struct {
	db storage.Querier
}

// NewBalanceRepository создает новый экземпляр репозитория
func NewBalanceRepository(db storage.Querier) *BalanceRepository {
	return &BalanceRepository{db: db}
}

// Upsert записывает баланс по ключу (user_id, exchange, asset, account_type).
// При ошибке апстрима строка не трогается: устаревший баланс с честным
// updated_at лучше затёртого.
func (r *BalanceRepository) Upsert(ctx context.Context, b *models.Balance) error {
	query := `
		INSERT INTO balances (user_id, exchange, asset, account_type, free, locked, total, usd_value, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, exchange, asset, account_type)
		DO UPDATE SET
			free = EXCLUDED.free,
			locked = EXCLUDED.locked,
			total = EXCLUDED.total,
			usd_value = EXCLUDED.usd_value,
			updated_at = EXCLUDED.updated_at
		RETURNING id`

	b.UpdatedAt = time.Now()

	return r.db.QueryRowContext(ctx, query,
		b.UserID,
		b.Exchange,
		b.Asset,
		b.AccountType,
		b.Free,
		b.Locked,
		b.Total,
		b.USDValue,
		b.UpdatedAt,
	).Scan(&b.ID)
}

// GetByUser возвращает все балансы пользователя
func (r *BalanceRepository) GetByUser(ctx context.Context, userID int64) ([]*models.Balance, error) {
	query := `
		SELECT id, user_id, exchange, asset, account_type, free, locked, total, usd_value, updated_at
		FROM balances
		WHERE user_id = $1
		ORDER BY exchange, asset`

	return r.queryMany(ctx, query, userID)
}

// GetByUserExchange возвращает балансы пользователя на одной бирже
func (r *BalanceRepository) GetByUserExchange(ctx context.Context, userID int64, exchange string) ([]*models.Balance, error) {
	query := `
		SELECT id, user_id, exchange, asset, account_type, free, locked, total, usd_value, updated_at
		FROM balances
		WHERE user_id = $1 AND exchange = $2
		ORDER BY asset`

	return r.queryMany(ctx, query, userID, exchange)
}

// TotalUSD возвращает суммарную USD-оценку балансов пользователя
func (r *BalanceRepository) TotalUSD(ctx context.Context, userID int64) (float64, error) {
	query := `
		SELECT COALESCE(SUM(usd_value), 0)
		FROM balances
		WHERE user_id = $1`

	var total float64
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&total)
	return total, err
}

// StaleSince возвращает балансы, не обновлявшиеся с указанного момента
// (для мониторинга отставших агрегаций)
func (r *BalanceRepository) StaleSince(ctx context.Context, cutoff time.Time) ([]*models.Balance, error) {
	query := `
		SELECT id, user_id, exchange, asset, account_type, free, locked, total, usd_value, updated_at
		FROM balances
		WHERE updated_at < $1
		ORDER BY updated_at`

	return r.queryMany(ctx, query, cutoff)
}

func (r *BalanceRepository) queryMany(ctx context.Context, query string, args ...any) ([]*models.Balance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []*models.Balance
	for rows.Next() {
		b := &models.Balance{}
		err := rows.Scan(
			&b.ID,
			&b.UserID,
			&b.Exchange,
			&b.Asset,
			&b.AccountType,
			&b.Free,
			&b.Locked,
			&b.Total,
			&b.USDValue,
			&b.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}

	return balances, rows.Err()
}
