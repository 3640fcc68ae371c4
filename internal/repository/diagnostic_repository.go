package repository

import (
	"context"
	"time"

	"marketbot/internal/models"
	"marketbot/internal/storage"
)

// DiagnosticRepository - работа с таблицей diagnostic_results
//
// Append-only журнал с retention: после каждой вставки старые записи
// credential'а за пределами окна удаляются.
type DiagnosticRepository struct {
	db storage.Querier
}

// NewDiagnosticRepository создает новый экземпляр репозитория
func NewDiagnosticRepository(db storage.Querier) *DiagnosticRepository {
	return &DiagnosticRepository{db: db}
}

// Append добавляет результат диагностики и подрезает историю credential'а
func (r *DiagnosticRepository) Append(ctx context.Context, res *models.DiagnosticResult) error {
	insert := `
		INSERT INTO diagnostic_results (credential_id, classification, latency_ms, raw_detail, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	res.CreatedAt = time.Now()

	err := r.db.QueryRowContext(ctx, insert,
		res.CredentialID,
		res.Classification,
		res.LatencyMS,
		res.RawDetail,
		res.CreatedAt,
	).Scan(&res.ID)
	if err != nil {
		return err
	}

	// Retention: держим только последние N записей на credential
	prune := `
		DELETE FROM diagnostic_results
		WHERE credential_id = $1
		  AND id NOT IN (
			SELECT id FROM diagnostic_results
			WHERE credential_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		  )`

	_, err = r.db.ExecContext(ctx, prune, res.CredentialID, models.DiagnosticRetention)
	return err
}

// History возвращает последние результаты диагностики credential'а
func (r *DiagnosticRepository) History(ctx context.Context, credentialID int64, limit int) ([]*models.DiagnosticResult, error) {
	if limit <= 0 || limit > models.DiagnosticRetention {
		limit = models.DiagnosticRetention
	}

	query := `
		SELECT id, credential_id, classification, latency_ms, raw_detail, created_at
		FROM diagnostic_results
		WHERE credential_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, credentialID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*models.DiagnosticResult
	for rows.Next() {
		res := &models.DiagnosticResult{}
		err := rows.Scan(
			&res.ID,
			&res.CredentialID,
			&res.Classification,
			&res.LatencyMS,
			&res.RawDetail,
			&res.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	return results, rows.Err()
}
