package handlers

import (
	"context"
	"net/http"

	"marketbot/internal/models"
)

// UserBalancesResponse - снимок балансов пользователя по всем биржам
type UserBalancesResponse struct {
	UserID   int64             `json:"user_id"`
	TotalUSD float64           `json:"total_usd"`
	Balances []*models.Balance `json:"balances"`
}

// BalanceReaderInterface - чтение снимков балансов
type BalanceReaderInterface interface {
	GetByUser(ctx context.Context, userID int64) ([]*models.Balance, error)
	TotalUSD(ctx context.Context, userID int64) (float64, error)
}

// BalanceRefresherInterface - принудительное обновление с бирж
type BalanceRefresherInterface interface {
	RefreshAll(ctx context.Context) int
}

// BalanceHandler отдает кешированные снимки балансов
//
// Endpoints:
// - GET /api/v1/balances?user_id=N - балансы пользователя
// - POST /api/v1/balances/refresh - немедленное обновление со всех бирж
type BalanceHandler struct {
	balances  BalanceReaderInterface
	refresher BalanceRefresherInterface
}

// NewBalanceHandler создает новый BalanceHandler
func NewBalanceHandler(balances BalanceReaderInterface, refresher BalanceRefresherInterface) *BalanceHandler {
	return &BalanceHandler{
		balances:  balances,
		refresher: refresher,
	}
}

// GetBalances возвращает последний снимок балансов пользователя
// GET /api/v1/balances?user_id=N
//
// Снимок может быть устаревшим: при сбое обновления сохраняется
// последнее успешное значение (updated_at показывает возраст).
func (h *BalanceHandler) GetBalances(w http.ResponseWriter, r *http.Request) {
	userID, err := queryInt64(r, "user_id")
	if err != nil || userID <= 0 {
		respondWithError(w, http.StatusBadRequest, "user_id query parameter is required", "")
		return
	}

	ctx := r.Context()
	rows, err := h.balances.GetByUser(ctx, userID)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to load balances", err.Error())
		return
	}

	total, err := h.balances.TotalUSD(ctx, userID)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to compute total", err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, UserBalancesResponse{
		UserID:   userID,
		TotalUSD: total,
		Balances: rows,
	})
}

// RefreshBalances обновляет балансы всех валидных credentials немедленно
// POST /api/v1/balances/refresh
func (h *BalanceHandler) RefreshBalances(w http.ResponseWriter, r *http.Request) {
	refreshed := h.refresher.RefreshAll(r.Context())

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"refreshed": refreshed,
	})
}
