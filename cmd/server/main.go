package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	_ "github.com/lib/pq"

	"marketbot/internal/api"
	"marketbot/internal/config"
	"marketbot/internal/dispatch"
	"marketbot/internal/exchange"
	"marketbot/internal/repository"
	"marketbot/internal/service"
	"marketbot/internal/storage"
	"marketbot/internal/websocket"
	"marketbot/pkg/crypto"
	"marketbot/pkg/ratelimit"
	"marketbot/pkg/utils"
)

func main() {
	// .env опционален: в контейнере конфигурация приходит из окружения
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := utils.InitLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	defer logger.Sync()

	// Сам токен дальше не хранится, middleware сверяет с хешем
	tokenHash, err := crypto.HashToken(cfg.Security.APIToken)
	if err != nil {
		logger.Fatal("не удалось захешировать API токен", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// База данных: основной пул плюс резерв, если настроен
	manager := storage.NewManager(logger)
	var fallback *config.DatabaseConfig
	if cfg.HasFallback() {
		fallback = &cfg.Fallback
	}
	pool, err := manager.Open(ctx, "trading", cfg.Database, fallback)
	if err != nil {
		logger.Fatal("не удалось подключиться к БД", zap.Error(err))
	}
	defer manager.Close()

	logger.Info("подключение к БД установлено", zap.String("pool", pool.Name()))

	// Репозитории
	credRepo := repository.NewCredentialRepository(pool)
	diagRepo := repository.NewDiagnosticRepository(pool)
	balanceRepo := repository.NewBalanceRepository(pool)
	orderRepo := repository.NewOrderRepository(pool)
	dispatchRepo := repository.NewDispatchRepository(pool)

	// Общие лимиты запросов к биржам
	limiters := ratelimit.NewExchangeLimiters()
	limiters.Add("bybit", 10, 20)
	limiters.Add("binance", 10, 20)

	// WebSocket hub для real-time событий
	hub := websocket.NewHub(logger)
	go hub.Run()

	// Сервисы
	credService := service.NewCredentialService(credRepo, cfg.Security.EncryptionKey, logger)

	validatorService := service.NewValidatorService(
		credRepo, diagRepo, credService, exchange.NewClient, limiters, cfg.Validator, logger)
	validatorService.SetBroadcaster(hub)
	credService.SetValidator(validatorService)

	balanceService := service.NewBalanceService(
		credRepo, balanceRepo, credService, exchange.NewClient, nil, limiters, cfg.Balance, logger)
	balanceService.SetBroadcaster(hub)

	// Диспетчер сигналов
	executor := dispatch.NewExecutor(orderRepo, cfg.Dispatcher, logger)
	dispatcher := dispatch.NewDispatcher(
		credRepo, dispatchRepo, balanceRepo, orderRepo, credService,
		exchange.NewClient, executor, limiters,
		dispatch.PolicyFromConfig(cfg.Policy), cfg.Dispatcher, logger)
	dispatcher.SetSummarySink(hub)

	// Фоновые контуры
	go manager.Run(ctx, 0)
	go validatorService.Run(ctx)
	go balanceService.Run(ctx)
	go dispatcher.Run(ctx)

	// HTTP сервер
	router := api.SetupRoutes(&api.Dependencies{
		CredentialService: credService,
		ValidatorService:  validatorService,
		BalanceService:    balanceService,
		Dispatcher:        dispatcher,
		Diagnostics:       diagRepo,
		Balances:          balanceRepo,
		Orders:            orderRepo,
		Dispatches:        dispatchRepo,
		Hub:               hub,
		Storage:           manager,
		Logger:            logger,
		APITokenHash:      tokenHash,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("HTTP сервер запущен", zap.String("addr", addr))

		var err error
		if cfg.Server.UseHTTPS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP сервер упал", zap.Error(err))
		}
	}()

	// Ожидание сигнала остановки
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("получен сигнал остановки, завершаем работу")

	// Сначала перестаем принимать запросы, потом гасим фоновые контуры
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP сервер завершился с ошибкой", zap.Error(err))
	}

	cancel()
	validatorService.Stop()
	balanceService.Stop()
	hub.Stop()
	exchange.CloseGlobalClient()

	logger.Info("остановка завершена")
}
