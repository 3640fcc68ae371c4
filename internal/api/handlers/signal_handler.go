package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"marketbot/internal/dispatch"
	"marketbot/internal/models"
	"marketbot/pkg/utils"
)

// SignalDispatchesResponse - сводка рассылки сигнала с детальными записями
type SignalDispatchesResponse struct {
	Summary *models.DispatchSummary  `json:"summary"`
	Records []*models.DispatchRecord `json:"records"`
}

// DispatcherInterface - прием сигналов в очередь диспетчера
type DispatcherInterface interface {
	Submit(sig *models.Signal) error
}

// DispatchHistoryInterface - чтение результатов рассылки
type DispatchHistoryInterface interface {
	GetBySignal(ctx context.Context, signalID string) ([]*models.DispatchRecord, error)
	Summarize(ctx context.Context, signalID string) (*models.DispatchSummary, error)
}

// SignalHandler принимает торговые сигналы и отдает результаты рассылки
//
// Endpoints:
// - POST /api/v1/signals - прием сигнала
// - GET /api/v1/signals/{id}/dispatches - результаты рассылки по пользователям
type SignalHandler struct {
	dispatcher DispatcherInterface
	dispatches DispatchHistoryInterface
}

// NewSignalHandler создает новый SignalHandler
func NewSignalHandler(dispatcher DispatcherInterface, dispatches DispatchHistoryInterface) *SignalHandler {
	return &SignalHandler{
		dispatcher: dispatcher,
		dispatches: dispatches,
	}
}

// SubmitSignal ставит сигнал в очередь на рассылку
// POST /api/v1/signals
//
// Тело запроса:
//
//	{
//	  "signal_id": "sig-20250115-001",
//	  "symbol": "BTCUSDT",
//	  "side": "LONG",
//	  "suggested_price": 60000,
//	  "strength": 0.8,
//	  "source": "tradingview"
//	}
//
// Ответы:
// - 202 Accepted: сигнал принят, рассылка идет асинхронно
// - 400 Bad Request: некорректный сигнал
// - 503 Service Unavailable: очередь переполнена или диспетчер остановлен
func (h *SignalHandler) SubmitSignal(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	var sig models.Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	if sig.ID == "" {
		respondWithError(w, http.StatusBadRequest, "signal_id is required", "")
		return
	}
	if err := utils.ValidateSymbol(sig.Symbol); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid symbol", err.Error())
		return
	}
	if err := utils.ValidateSide(sig.Side); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid side", err.Error())
		return
	}
	if sig.SuggestedPrice <= 0 {
		respondWithError(w, http.StatusBadRequest, "suggested_price must be positive", "")
		return
	}

	if err := h.dispatcher.Submit(&sig); err != nil {
		switch {
		case errors.Is(err, dispatch.ErrQueueFull):
			respondWithError(w, http.StatusServiceUnavailable, "Signal queue is full", "Retry later")
		case errors.Is(err, dispatch.ErrNotRunning):
			respondWithError(w, http.StatusServiceUnavailable, "Dispatcher is not running", "")
		default:
			respondWithError(w, http.StatusInternalServerError, "Failed to queue signal", err.Error())
		}
		return
	}

	respondWithJSON(w, http.StatusAccepted, map[string]interface{}{
		"signal_id": sig.ID,
		"status":    "queued",
	})
}

// GetSignalDispatches возвращает сводку и записи рассылки сигнала
// GET /api/v1/signals/{id}/dispatches
func (h *SignalHandler) GetSignalDispatches(w http.ResponseWriter, r *http.Request) {
	signalID := mux.Vars(r)["id"]
	if signalID == "" {
		respondWithError(w, http.StatusBadRequest, "Signal id is required", "")
		return
	}

	ctx := r.Context()
	summary, err := h.dispatches.Summarize(ctx, signalID)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to summarize dispatches", err.Error())
		return
	}

	records, err := h.dispatches.GetBySignal(ctx, signalID)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "Failed to load dispatch records", err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, SignalDispatchesResponse{
		Summary: summary,
		Records: records,
	})
}
