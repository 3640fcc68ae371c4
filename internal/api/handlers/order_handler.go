package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"marketbot/internal/models"
	"marketbot/internal/repository"
)

// defaultOrderLimit ограничивает выдачу списка ордеров
const defaultOrderLimit = 50

// OrderReaderInterface - чтение ордеров
type OrderReaderInterface interface {
	GetByID(ctx context.Context, id string) (*models.Order, error)
	GetByUser(ctx context.Context, userID int64, limit int) ([]*models.Order, error)
	GetBySignal(ctx context.Context, signalID string) ([]*models.Order, error)
}

// OrderHandler отдает ордера и их статусы
//
// Endpoints:
// - GET /api/v1/orders?user_id=N&limit=M - ордера пользователя, новые первыми
// - GET /api/v1/orders/{id} - один ордер
// - GET /api/v1/signals/{id}/orders - ордера, созданные по сигналу
type OrderHandler struct {
	orders OrderReaderInterface
}

// NewOrderHandler создает новый OrderHandler
func NewOrderHandler(orders OrderReaderInterface) *OrderHandler {
	return &OrderHandler{orders: orders}
}

// GetOrders возвращает ордера пользователя
// GET /api/v1/orders?user_id=N&limit=M
func (h *OrderHandler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, err := queryInt64(r, "user_id")
	if err != nil || userID <= 0 {
		respondWithError(w, http.StatusBadRequest, "user_id query parameter is required", "")
		return
	}

	limit, err := queryInt64(r, "limit")
	if err != nil || limit < 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid limit", "")
		return
	}
	if limit == 0 {
		limit = defaultOrderLimit
	}

	orders, err := h.orders.GetByUser(r.Context(), userID, int(limit))
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to load orders", err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, orders)
}

// GetOrder возвращает один ордер
// GET /api/v1/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	order, err := h.orders.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			respondWithError(w, http.StatusNotFound, "Order not found", "")
			return
		}
		respondWithError(w, http.StatusInternalServerError, "Failed to load order", err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, order)
}

// GetSignalOrders возвращает все ордера, созданные при рассылке сигнала
// GET /api/v1/signals/{id}/orders
func (h *OrderHandler) GetSignalOrders(w http.ResponseWriter, r *http.Request) {
	signalID := mux.Vars(r)["id"]
	if signalID == "" {
		respondWithError(w, http.StatusBadRequest, "Signal id is required", "")
		return
	}

	orders, err := h.orders.GetBySignal(r.Context(), signalID)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to load orders", err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, orders)
}
