package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	jsoniter "github.com/json-iterator/go"

	"marketbot/internal/api/handlers"
	"marketbot/internal/api/middleware"
	"marketbot/internal/dispatch"
	"marketbot/internal/repository"
	"marketbot/internal/service"
	"marketbot/internal/storage"
	"marketbot/internal/websocket"
	"marketbot/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	CredentialService *service.CredentialService
	ValidatorService  *service.ValidatorService
	BalanceService    *service.BalanceService
	Dispatcher        *dispatch.Dispatcher

	Diagnostics *repository.DiagnosticRepository
	Balances    *repository.BalanceRepository
	Orders      *repository.OrderRepository
	Dispatches  *repository.DispatchRepository

	Hub     *websocket.Hub
	Storage *storage.Manager
	Logger  *utils.Logger

	// Bcrypt-хеш API токена, вычисляется в main из API_TOKEN
	APITokenHash string
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── /credentials/
//	│   ├── POST / - регистрация API ключей
//	│   ├── GET /?user_id=N - ключи пользователя
//	│   ├── GET /{id} - один credential
//	│   ├── PATCH /{id} - включить/выключить
//	│   ├── DELETE /{id} - удаление
//	│   ├── POST /{id}/rotate - замена ключей
//	│   ├── POST /{id}/validate - немедленная проверка
//	│   └── GET /{id}/diagnostics - история прогонов
//	├── /signals/
//	│   ├── POST / - прием сигнала
//	│   ├── GET /{id}/dispatches - результаты рассылки
//	│   └── GET /{id}/orders - созданные ордера
//	├── /balances/
//	│   ├── GET /?user_id=N - снимок балансов
//	│   └── POST /refresh - принудительное обновление
//	└── /orders/
//	    ├── GET /?user_id=N - ордера пользователя
//	    └── GET /{id} - один ордер
//
// /ws/stream - WebSocket для real-time обновлений
// /health    - состояние пулов БД
// /metrics   - Prometheus
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. CORS (для всех маршрутов)
// 4. Auth (только для /api/v1)
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	logger := utils.InitLogger(utils.LogConfig{Level: "info", Format: "json"})
	if deps != nil && deps.Logger != nil {
		logger = deps.Logger
	}

	// Глобальные middleware (применяются ко всем маршрутам)
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logging(logger))
	router.Use(middleware.CORS)

	// Создание handlers с внедрением зависимостей
	var credentialHandler *handlers.CredentialHandler
	if deps != nil && deps.CredentialService != nil && deps.ValidatorService != nil && deps.Diagnostics != nil {
		credentialHandler = handlers.NewCredentialHandler(deps.CredentialService, deps.ValidatorService, deps.Diagnostics)
	}

	var signalHandler *handlers.SignalHandler
	if deps != nil && deps.Dispatcher != nil && deps.Dispatches != nil {
		signalHandler = handlers.NewSignalHandler(deps.Dispatcher, deps.Dispatches)
	}

	var balanceHandler *handlers.BalanceHandler
	if deps != nil && deps.Balances != nil && deps.BalanceService != nil {
		balanceHandler = handlers.NewBalanceHandler(deps.Balances, deps.BalanceService)
	}

	var orderHandler *handlers.OrderHandler
	if deps != nil && deps.Orders != nil {
		orderHandler = handlers.NewOrderHandler(deps.Orders)
	}

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()

	if deps != nil && deps.APITokenHash != "" {
		api.Use(middleware.Auth(deps.APITokenHash))
	}

	// Credential routes
	if credentialHandler != nil {
		api.HandleFunc("/credentials", credentialHandler.CreateCredential).Methods("POST")
		api.HandleFunc("/credentials", credentialHandler.GetCredentials).Methods("GET")
		api.HandleFunc("/credentials/{id}", credentialHandler.GetCredential).Methods("GET")
		api.HandleFunc("/credentials/{id}", credentialHandler.UpdateCredential).Methods("PATCH")
		api.HandleFunc("/credentials/{id}", credentialHandler.DeleteCredential).Methods("DELETE")
		api.HandleFunc("/credentials/{id}/rotate", credentialHandler.RotateCredential).Methods("POST")
		api.HandleFunc("/credentials/{id}/validate", credentialHandler.ValidateCredential).Methods("POST")
		api.HandleFunc("/credentials/{id}/diagnostics", credentialHandler.GetDiagnostics).Methods("GET")
	}

	// Signal routes
	if signalHandler != nil {
		api.HandleFunc("/signals", signalHandler.SubmitSignal).Methods("POST")
		api.HandleFunc("/signals/{id}/dispatches", signalHandler.GetSignalDispatches).Methods("GET")
	}
	if orderHandler != nil {
		api.HandleFunc("/signals/{id}/orders", orderHandler.GetSignalOrders).Methods("GET")
	}

	// Balance routes
	if balanceHandler != nil {
		api.HandleFunc("/balances", balanceHandler.GetBalances).Methods("GET")
		api.HandleFunc("/balances/refresh", balanceHandler.RefreshBalances).Methods("POST")
	}

	// Order routes
	if orderHandler != nil {
		api.HandleFunc("/orders", orderHandler.GetOrders).Methods("GET")
		api.HandleFunc("/orders/{id}", orderHandler.GetOrder).Methods("GET")
	}

	// WebSocket route
	if deps != nil && deps.Hub != nil {
		hub := deps.Hub
		router.HandleFunc("/ws/stream", func(w http.ResponseWriter, r *http.Request) {
			websocket.ServeWS(hub, w, r)
		})
	}

	// Prometheus metrics
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Health check endpoint
	var manager *storage.Manager
	if deps != nil {
		manager = deps.Storage
	}
	router.HandleFunc("/health", healthHandler(manager)).Methods("GET")

	return router
}

// healthHandler проверяет пулы БД и возвращает их состояние
func healthHandler(manager *storage.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		databases := map[string]string{}

		if manager != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()

			for name, err := range manager.HealthCheck(ctx) {
				if err != nil {
					databases[name] = err.Error()
					status = http.StatusServiceUnavailable
				} else {
					databases[name] = "ok"
				}
			}
		}

		body := map[string]interface{}{
			"status":    "ok",
			"databases": databases,
		}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
