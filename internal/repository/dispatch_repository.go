package repository

import (
	"context"
	"time"

	"marketbot/internal/models"
	"marketbot/internal/storage"
)

// DispatchRepository - работа с таблицей dispatch_records
//
// Первичный ключ (signal_id, user_id) даёт гарантию "не более одной
// попытки на пару": при рестарте процесса повторная вставка молча
// игнорируется и диспетчер видит, что пользователь уже обработан.
type DispatchRepository struct {
	db storage.Querier
}

// NewDispatchRepository создает новый экземпляр репозитория
func NewDispatchRepository(db storage.Querier) *DispatchRepository {
	return &DispatchRepository{db: db}
}

// Claim пытается застолбить пару (signal_id, user_id) ДО отправки ордера.
// Возвращает false, если запись уже существует - рассылку этому
// пользователю делал другой запуск.
func (r *DispatchRepository) Claim(ctx context.Context, signalID string, userID int64) (bool, error) {
	query := `
		INSERT INTO dispatch_records (signal_id, user_id, attempted_at, result)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (signal_id, user_id) DO NOTHING`

	result, err := r.db.ExecContext(ctx, query, signalID, userID, time.Now(), models.DispatchResultFailed)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows == 1, nil
}

// Finish записывает фактический исход попытки рассылки
func (r *DispatchRepository) Finish(ctx context.Context, signalID string, userID int64, result string, orderID *string) error {
	query := `
		UPDATE dispatch_records
		SET result = $1, order_id = $2
		WHERE signal_id = $3 AND user_id = $4`

	_, err := r.db.ExecContext(ctx, query, result, orderID, signalID, userID)
	return err
}

// GetBySignal возвращает все записи рассылки одного сигнала
func (r *DispatchRepository) GetBySignal(ctx context.Context, signalID string) ([]*models.DispatchRecord, error) {
	query := `
		SELECT signal_id, user_id, attempted_at, result, order_id
		FROM dispatch_records
		WHERE signal_id = $1
		ORDER BY user_id`

	rows, err := r.db.QueryContext(ctx, query, signalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.DispatchRecord
	for rows.Next() {
		rec := &models.DispatchRecord{}
		if err := rows.Scan(&rec.SignalID, &rec.UserID, &rec.AttemptedAt, &rec.Result, &rec.OrderID); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// Summarize собирает сводку рассылки сигнала из записей
func (r *DispatchRepository) Summarize(ctx context.Context, signalID string) (*models.DispatchSummary, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE result = $2),
			COUNT(*) FILTER (WHERE result = $3),
			COUNT(*) FILTER (WHERE result = $4),
			COUNT(*) FILTER (WHERE result = $5)
		FROM dispatch_records
		WHERE signal_id = $1`

	summary := &models.DispatchSummary{SignalID: signalID}
	err := r.db.QueryRowContext(ctx, query, signalID,
		models.DispatchResultSubmitted,
		models.DispatchResultRejected,
		models.DispatchResultFailed,
		models.DispatchResultSkipped,
	).Scan(
		&summary.EligibleCount,
		&summary.SubmittedCount,
		&summary.RejectedCount,
		&summary.FailedCount,
		&summary.SkippedCount,
	)
	if err != nil {
		return nil, err
	}

	return summary, nil
}
