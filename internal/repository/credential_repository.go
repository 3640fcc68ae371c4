package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"marketbot/internal/models"
	"marketbot/internal/storage"
)

// Ошибки репозитория credential'ов
var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrCredentialExists   = errors.New("credential already exists for this user, exchange and environment")
)

// CredentialRepository - работа с таблицей credentials
//
// Ключи и секреты хранятся уже зашифрованными: шифрование делает
// сервисный слой, репозиторий не видит plaintext.
type CredentialRepository struct {
	db storage.Querier
}

// NewCredentialRepository создает новый экземпляр репозитория
func NewCredentialRepository(db storage.Querier) *CredentialRepository {
	return &CredentialRepository{db: db}
}

const credentialColumns = `id, user_id, exchange, environment, api_key, api_secret, is_active,
		validation_status, failure_streak, last_validated_at, last_error, created_at, updated_at`

// Create добавляет credential. Новый credential всегда стартует в UNKNOWN.
func (r *CredentialRepository) Create(ctx context.Context, cred *models.Credential) error {
	query := `
		INSERT INTO credentials (user_id, exchange, environment, api_key, api_secret, is_active,
			validation_status, failure_streak, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $8)
		RETURNING id`

	now := time.Now()
	cred.Exchange = strings.ToLower(cred.Exchange)
	cred.ValidationStatus = models.ValidationUnknown
	cred.FailureStreak = 0
	cred.CreatedAt = now
	cred.UpdatedAt = now

	err := r.db.QueryRowContext(ctx, query,
		cred.UserID,
		cred.Exchange,
		cred.Environment,
		cred.APIKey,
		cred.APISecret,
		cred.IsActive,
		cred.ValidationStatus,
		now,
	).Scan(&cred.ID)

	if err != nil {
		if isUniqueViolation(err) {
			return ErrCredentialExists
		}
		return err
	}

	return nil
}

// GetByID возвращает credential по ID
func (r *CredentialRepository) GetByID(ctx context.Context, id int64) (*models.Credential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM credentials
		WHERE id = $1`

	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

// GetByUser возвращает все credentials пользователя
func (r *CredentialRepository) GetByUser(ctx context.Context, userID int64) ([]*models.Credential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM credentials
		WHERE user_id = $1
		ORDER BY exchange, environment`

	return r.queryMany(ctx, query, userID)
}

// GetActive возвращает все активные credentials (для планового обхода)
func (r *CredentialRepository) GetActive(ctx context.Context) ([]*models.Credential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM credentials
		WHERE is_active = true
		ORDER BY id`

	return r.queryMany(ctx, query)
}

// GetEligible возвращает credentials, готовые к торговле:
// активные, провалидированные, в заданном окружении
func (r *CredentialRepository) GetEligible(ctx context.Context, exchange, environment string) ([]*models.Credential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM credentials
		WHERE is_active = true
		  AND validation_status = $1
		  AND exchange = $2
		  AND environment = $3
		ORDER BY user_id`

	return r.queryMany(ctx, query, models.ValidationValid, strings.ToLower(exchange), environment)
}

// SetStatus переводит credential в новый статус валидации.
// Условие на текущий статус защищает от гонок двух одновременных проверок.
func (r *CredentialRepository) SetStatus(ctx context.Context, id int64, from, to string) error {
	query := `
		UPDATE credentials
		SET validation_status = $1, updated_at = $2
		WHERE id = $3 AND validation_status = $4`

	result, err := r.db.ExecContext(ctx, query, to, time.Now(), id, from)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// RecordValidationResult фиксирует итог проверки: статус, ошибку и streak.
// Успех обнуляет failure_streak, неудача увеличивает на единицу.
func (r *CredentialRepository) RecordValidationResult(ctx context.Context, id int64, status, lastError string, success bool) (int, error) {
	var query string
	if success {
		query = `
			UPDATE credentials
			SET validation_status = $1, last_error = $2, failure_streak = 0,
				last_validated_at = $3, updated_at = $3
			WHERE id = $4
			RETURNING failure_streak`
	} else {
		query = `
			UPDATE credentials
			SET validation_status = $1, last_error = $2, failure_streak = failure_streak + 1,
				last_validated_at = $3, updated_at = $3
			WHERE id = $4
			RETURNING failure_streak`
	}

	var streak int
	err := r.db.QueryRowContext(ctx, query, status, lastError, time.Now(), id).Scan(&streak)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrCredentialNotFound
		}
		return 0, err
	}

	return streak, nil
}

// RotateKeys заменяет ключи credential'а и сбрасывает его в UNKNOWN:
// новые ключи не считаются валидными, пока их не проверит валидатор
func (r *CredentialRepository) RotateKeys(ctx context.Context, id int64, apiKey, apiSecret string) error {
	query := `
		UPDATE credentials
		SET api_key = $1, api_secret = $2, validation_status = $3,
			failure_streak = 0, last_error = '', updated_at = $4
		WHERE id = $5`

	result, err := r.db.ExecContext(ctx, query, apiKey, apiSecret, models.ValidationUnknown, time.Now(), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// SetActive включает или выключает credential
func (r *CredentialRepository) SetActive(ctx context.Context, id int64, active bool) error {
	query := `
		UPDATE credentials
		SET is_active = $1, updated_at = $2
		WHERE id = $3`

	result, err := r.db.ExecContext(ctx, query, active, time.Now(), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// Delete удаляет credential
func (r *CredentialRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = $1`, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

func (r *CredentialRepository) scanOne(row *sql.Row) (*models.Credential, error) {
	cred := &models.Credential{}
	var lastValidatedAt sql.NullTime
	var lastError sql.NullString

	err := row.Scan(
		&cred.ID,
		&cred.UserID,
		&cred.Exchange,
		&cred.Environment,
		&cred.APIKey,
		&cred.APISecret,
		&cred.IsActive,
		&cred.ValidationStatus,
		&cred.FailureStreak,
		&lastValidatedAt,
		&lastError,
		&cred.CreatedAt,
		&cred.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}

	if lastValidatedAt.Valid {
		cred.LastValidatedAt = &lastValidatedAt.Time
	}
	cred.LastError = lastError.String

	return cred, nil
}

func (r *CredentialRepository) queryMany(ctx context.Context, query string, args ...any) ([]*models.Credential, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []*models.Credential
	for rows.Next() {
		cred := &models.Credential{}
		var lastValidatedAt sql.NullTime
		var lastError sql.NullString

		err := rows.Scan(
			&cred.ID,
			&cred.UserID,
			&cred.Exchange,
			&cred.Environment,
			&cred.APIKey,
			&cred.APISecret,
			&cred.IsActive,
			&cred.ValidationStatus,
			&cred.FailureStreak,
			&lastValidatedAt,
			&lastError,
			&cred.CreatedAt,
			&cred.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}

		if lastValidatedAt.Valid {
			cred.LastValidatedAt = &lastValidatedAt.Time
		}
		cred.LastError = lastError.String

		creds = append(creds, cred)
	}

	return creds, rows.Err()
}

// isUniqueViolation распознаёт нарушение уникального индекса
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate key value violates unique constraint")
}
