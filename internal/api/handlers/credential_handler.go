package handlers

import (
	"context"
	"errors"
	"net/http"

	"marketbot/internal/models"
	"marketbot/internal/repository"
	"marketbot/internal/service"
	"marketbot/pkg/utils"
)

// CreateCredentialRequest - тело запроса на регистрацию API ключей
type CreateCredentialRequest struct {
	UserID      int64  `json:"user_id"`
	Exchange    string `json:"exchange"`
	Environment string `json:"environment"`
	APIKey      string `json:"api_key"`
	APISecret   string `json:"api_secret"`
}

// RotateCredentialRequest - тело запроса на замену ключей
type RotateCredentialRequest struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// SetActiveRequest - тело запроса на включение/выключение credential'а
type SetActiveRequest struct {
	IsActive bool `json:"is_active"`
}

// CredentialServiceInterface - операции сервиса credential'ов, нужные handler'у
type CredentialServiceInterface interface {
	Create(ctx context.Context, cred *models.Credential, apiKey, apiSecret string) error
	Rotate(ctx context.Context, id int64, apiKey, apiSecret string) error
	Get(ctx context.Context, id int64) (*models.Credential, error)
	ListByUser(ctx context.Context, userID int64) ([]*models.Credential, error)
	SetActive(ctx context.Context, id int64, active bool) error
	Delete(ctx context.Context, id int64) error
}

// CredentialValidatorInterface - on-demand прогон диагностической батареи
type CredentialValidatorInterface interface {
	ValidateByID(ctx context.Context, id int64) (*models.DiagnosticResult, error)
}

// DiagnosticHistoryInterface - чтение журнала прогонов
type DiagnosticHistoryInterface interface {
	History(ctx context.Context, credentialID int64, limit int) ([]*models.DiagnosticResult, error)
}

// CredentialHandler отвечает за управление API ключами пользователей
//
// Endpoints:
// - POST /api/v1/credentials - регистрация ключей
// - GET /api/v1/credentials?user_id=N - список ключей пользователя
// - GET /api/v1/credentials/{id} - один credential
// - POST /api/v1/credentials/{id}/rotate - замена ключей
// - POST /api/v1/credentials/{id}/validate - немедленная проверка
// - GET /api/v1/credentials/{id}/diagnostics - история прогонов
// - PATCH /api/v1/credentials/{id} - включить/выключить
// - DELETE /api/v1/credentials/{id} - удаление
type CredentialHandler struct {
	credentials CredentialServiceInterface
	validator   CredentialValidatorInterface
	diagnostics DiagnosticHistoryInterface
}

// NewCredentialHandler создает новый CredentialHandler
func NewCredentialHandler(credentials CredentialServiceInterface, validator CredentialValidatorInterface, diagnostics DiagnosticHistoryInterface) *CredentialHandler {
	return &CredentialHandler{
		credentials: credentials,
		validator:   validator,
		diagnostics: diagnostics,
	}
}

// CreateCredential регистрирует новые API ключи
// POST /api/v1/credentials
//
// Ответы:
// - 201 Created: credential сохранен, проверка запущена в фоне
// - 400 Bad Request: некорректные данные
// - 409 Conflict: ключи для этой биржи и окружения уже зарегистрированы
func (h *CredentialHandler) CreateCredential(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	var req CreateCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	if req.UserID <= 0 {
		respondWithError(w, http.StatusBadRequest, "user_id is required", "")
		return
	}
	if req.APISecret == "" {
		respondWithError(w, http.StatusBadRequest, "api_secret is required", "")
		return
	}

	cred := &models.Credential{
		UserID:      req.UserID,
		Exchange:    req.Exchange,
		Environment: req.Environment,
	}

	err := h.credentials.Create(r.Context(), cred, req.APIKey, req.APISecret)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrExchangeNotSupported):
			respondWithError(w, http.StatusBadRequest, "Exchange not supported", err.Error())
		case errors.Is(err, service.ErrInvalidEnvironment):
			respondWithError(w, http.StatusBadRequest, "Invalid environment", err.Error())
		case errors.Is(err, utils.ErrEmptyAPIKey), errors.Is(err, utils.ErrAPIKeyTooShort):
			respondWithError(w, http.StatusBadRequest, "Invalid API key", err.Error())
		case errors.Is(err, repository.ErrCredentialExists):
			respondWithError(w, http.StatusConflict, "Credential already exists", "Rotate keys instead of creating a duplicate")
		default:
			respondWithError(w, http.StatusInternalServerError, "Failed to create credential", err.Error())
		}
		return
	}

	respondWithJSON(w, http.StatusCreated, cred)
}

// GetCredentials возвращает credentials пользователя
// GET /api/v1/credentials?user_id=N
func (h *CredentialHandler) GetCredentials(w http.ResponseWriter, r *http.Request) {
	userID, err := queryInt64(r, "user_id")
	if err != nil || userID <= 0 {
		respondWithError(w, http.StatusBadRequest, "user_id query parameter is required", "")
		return
	}

	creds, err := h.credentials.ListByUser(r.Context(), userID)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to list credentials", err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, creds)
}

// GetCredential возвращает один credential (секреты скрыты)
// GET /api/v1/credentials/{id}
func (h *CredentialHandler) GetCredential(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid credential id", "")
		return
	}

	cred, err := h.credentials.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrCredentialNotFound) {
			respondWithError(w, http.StatusNotFound, "Credential not found", "")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Failed to get credential", err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, cred)
}

// RotateCredential заменяет ключи и запускает повторную проверку
// POST /api/v1/credentials/{id}/rotate
func (h *CredentialHandler) RotateCredential(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid credential id", "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	var req RotateCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.APISecret == "" {
		respondWithError(w, http.StatusBadRequest, "api_secret is required", "")
		return
	}

	err = h.credentials.Rotate(r.Context(), id, req.APIKey, req.APISecret)
	if err != nil {
		switch {
		case errors.Is(err, utils.ErrEmptyAPIKey), errors.Is(err, utils.ErrAPIKeyTooShort):
			respondWithError(w, http.StatusBadRequest, "Invalid API key", err.Error())
		case errors.Is(err, repository.ErrCredentialNotFound):
			respondWithError(w, http.StatusNotFound, "Credential not found", "")
		default:
			respondWithError(w, http.StatusInternalServerError, "Failed to rotate keys", err.Error())
		}
		return
	}

	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "Keys rotated, validation scheduled"})
}

// ValidateCredential запускает проверку немедленно и ждет результата
// POST /api/v1/credentials/{id}/validate
//
// Ответы:
// - 200 OK: результат прогона (в том числе провал проверки)
// - 404 Not Found: credential не найден
// - 409 Conflict: проверка уже идет
func (h *CredentialHandler) ValidateCredential(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid credential id", "")
		return
	}

	result, err := h.validator.ValidateByID(r.Context(), id)
	if err != nil {
		// SetStatus с условием по текущему статусу: конкурентный прогон
		// уже перевел credential в CHECKING и строка не совпала
		if errors.Is(err, repository.ErrCredentialNotFound) {
			respondWithError(w, http.StatusConflict, "Credential not found or validation already in progress", "")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Validation failed to run", err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

// GetDiagnostics возвращает историю прогонов, новые первыми
// GET /api/v1/credentials/{id}/diagnostics?limit=N
func (h *CredentialHandler) GetDiagnostics(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid credential id", "")
		return
	}

	limit, err := queryInt64(r, "limit")
	if err != nil || limit < 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid limit", "")
		return
	}
	if limit == 0 {
		limit = 20
	}

	history, err := h.diagnostics.History(r.Context(), id, int(limit))
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to load diagnostics", err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, history)
}

// UpdateCredential включает или выключает credential
// PATCH /api/v1/credentials/{id}
func (h *CredentialHandler) UpdateCredential(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid credential id", "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	var req SetActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	if err := h.credentials.SetActive(r.Context(), id, req.IsActive); err != nil {
		if errors.Is(err, repository.ErrCredentialNotFound) {
			respondWithError(w, http.StatusNotFound, "Credential not found", "")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Failed to update credential", err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"id":        id,
		"is_active": req.IsActive,
	})
}

// DeleteCredential удаляет credential вместе с ключами
// DELETE /api/v1/credentials/{id}
func (h *CredentialHandler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid credential id", "")
		return
	}

	if err := h.credentials.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrCredentialNotFound) {
			respondWithError(w, http.StatusNotFound, "Credential not found", "")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Failed to delete credential", err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "Credential deleted"})
}
