// Package integration contains integration tests for the market bot.
//
// These tests verify the correct interaction between components:
// - API integration tests: full HTTP request cycle with auth
// - Database tests: repositories against a real Postgres schema
// - WebSocket tests: connection and broadcast messaging
//
// Tests skip themselves when the test database is unreachable.
// Run with: TEST_DB_HOST=localhost go test ./tests/integration/...
package integration

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"

	"marketbot/internal/api"
	"marketbot/internal/config"
	"marketbot/internal/dispatch"
	"marketbot/internal/exchange"
	"marketbot/internal/models"
	"marketbot/internal/repository"
	"marketbot/internal/service"
	"marketbot/internal/websocket"
	"marketbot/pkg/crypto"
	"marketbot/pkg/ratelimit"
	"marketbot/pkg/utils"
)

// TestAPIToken используется всеми API тестами
const TestAPIToken = "integration-test-token-0123456789ab"

const testEncryptionKey = "test-encryption-key-32-bytes-ok!"

// TestConfig contains configuration for integration tests
type TestConfig struct {
	DBDriver   string
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string
}

// TestServer encapsulates all components needed for integration testing
type TestServer struct {
	DB      *sql.DB
	Router  *mux.Router
	Server  *httptest.Server
	Hub     *websocket.Hub
	Repos   *TestRepositories
	Creds   *service.CredentialService
	Cleanup func()
}

// TestRepositories contains all repository instances for testing
type TestRepositories struct {
	Credentials *repository.CredentialRepository
	Diagnostics *repository.DiagnosticRepository
	Balances    *repository.BalanceRepository
	Orders      *repository.OrderRepository
	Dispatches  *repository.DispatchRepository
}

// getTestConfig returns configuration from environment variables or defaults
func getTestConfig() TestConfig {
	return TestConfig{
		DBDriver:   getEnv("TEST_DB_DRIVER", "postgres"),
		DBHost:     getEnv("TEST_DB_HOST", "localhost"),
		DBPort:     getEnv("TEST_DB_PORT", "5432"),
		DBName:     getEnv("TEST_DB_NAME", "marketbot_test"),
		DBUser:     getEnv("TEST_DB_USER", "postgres"),
		DBPassword: getEnv("TEST_DB_PASSWORD", "postgres"),
		DBSSLMode:  getEnv("TEST_DB_SSLMODE", "disable"),
	}
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// SetupTestDB creates a test database connection
func SetupTestDB(t *testing.T) (*sql.DB, func()) {
	cfg := getTestConfig()

	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode,
	)

	db, err := sql.Open(cfg.DBDriver, connStr)
	if err != nil {
		t.Skipf("Skipping integration test: cannot connect to database: %v", err)
		return nil, func() {}
	}

	if err := db.Ping(); err != nil {
		t.Skipf("Skipping integration test: cannot ping database: %v", err)
		return nil, func() {}
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	cleanup := func() {
		if err := db.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}

	return db, cleanup
}

// waitForDispatcher blocks until the dispatch loop accepts signals.
// The warmup signal targets no eligible credentials, so nothing executes.
func waitForDispatcher(t *testing.T, d *dispatch.Dispatcher) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		err := d.Submit(&models.Signal{
			ID:             "warmup",
			Symbol:         "BTCUSDT",
			Side:           models.SideLong,
			SuggestedPrice: 1,
		})
		if err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("dispatcher did not start accepting signals")
}

// SetupTestServer creates a complete test server with all components
func SetupTestServer(t *testing.T) *TestServer {
	db, dbCleanup := SetupTestDB(t)
	if db == nil {
		return nil
	}

	if err := initTestTables(db); err != nil {
		t.Skipf("Skipping integration test: cannot initialize tables: %v", err)
		return nil
	}

	logger := utils.InitLogger(utils.LogConfig{Level: "error", Format: "json"})

	hub := websocket.NewHub(logger)
	go hub.Run()

	repos := &TestRepositories{
		Credentials: repository.NewCredentialRepository(db),
		Diagnostics: repository.NewDiagnosticRepository(db),
		Balances:    repository.NewBalanceRepository(db),
		Orders:      repository.NewOrderRepository(db),
		Dispatches:  repository.NewDispatchRepository(db),
	}

	limiters := ratelimit.NewExchangeLimiters()

	credService := service.NewCredentialService(repos.Credentials, testEncryptionKey, logger)

	validatorCfg := config.ValidatorConfig{
		SweepInterval:  time.Hour,
		Workers:        2,
		RequestTimeout: 2 * time.Second,
		MaxRetries:     1,
		StreakAlert:    3,
	}
	validatorService := service.NewValidatorService(
		repos.Credentials, repos.Diagnostics, credService, exchange.NewClient, limiters, validatorCfg, logger)
	validatorService.SetBroadcaster(hub)
	credService.SetValidator(validatorService)

	balanceCfg := config.BalanceConfig{
		RefreshInterval: time.Hour,
		RequestTimeout:  2 * time.Second,
	}
	balanceService := service.NewBalanceService(
		repos.Credentials, repos.Balances, credService, exchange.NewClient, nil, limiters, balanceCfg, logger)

	dispatcherCfg := config.DispatcherConfig{
		Environment:   "testnet",
		Workers:       2,
		SignalTTL:     time.Minute,
		OrderTimeout:  2 * time.Second,
		MaxRetries:    1,
		RetryBackoff:  time.Millisecond,
		OrderNotional: 100,
		Leverage:      5,
	}
	policy := dispatch.PolicyFromConfig(config.PolicyConfig{
		AllowedSymbols:   []string{"BTCUSDT", "ETHUSDT"},
		MinNotional:      10,
		MaxNotional:      10000,
		MaxLeverage:      10,
		MaxOpenPositions: 5,
		StopLossPct:      0.02,
		TakeProfitPct:    0.04,
	})
	executor := dispatch.NewExecutor(repos.Orders, dispatcherCfg, logger)
	dispatcher := dispatch.NewDispatcher(
		repos.Credentials, repos.Dispatches, repos.Balances, repos.Orders, credService,
		exchange.NewClient, executor, limiters, policy, dispatcherCfg, logger)
	dispatcher.SetSummarySink(hub)

	// Очередь сигналов принимает Submit только при работающем цикле.
	// Пригодных credentials в тестовой БД нет, поэтому рассылка
	// принятых сигналов ничего не исполняет.
	dispatcherCtx, stopDispatcher := context.WithCancel(context.Background())
	dispatcherDone := make(chan struct{})
	go func() {
		dispatcher.Run(dispatcherCtx)
		close(dispatcherDone)
	}()
	waitForDispatcher(t, dispatcher)

	tokenHash, err := crypto.HashToken(TestAPIToken)
	if err != nil {
		t.Fatalf("hash test token: %v", err)
	}

	router := api.SetupRoutes(&api.Dependencies{
		CredentialService: credService,
		ValidatorService:  validatorService,
		BalanceService:    balanceService,
		Dispatcher:        dispatcher,
		Diagnostics:       repos.Diagnostics,
		Balances:          repos.Balances,
		Orders:            repos.Orders,
		Dispatches:        repos.Dispatches,
		Hub:               hub,
		Logger:            logger,
		APITokenHash:      tokenHash,
	})

	server := httptest.NewServer(router)

	cleanup := func() {
		server.Close()
		stopDispatcher()
		<-dispatcherDone
		hub.Stop()
		cleanupTestTables(db)
		dbCleanup()
	}

	return &TestServer{
		DB:      db,
		Router:  router,
		Server:  server,
		Hub:     hub,
		Repos:   repos,
		Creds:   credService,
		Cleanup: cleanup,
	}
}

// initTestTables creates or truncates tables for testing
func initTestTables(db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			exchange VARCHAR(20) NOT NULL,
			environment VARCHAR(10) NOT NULL,
			api_key TEXT NOT NULL,
			api_secret TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT true,
			validation_status VARCHAR(20) NOT NULL DEFAULT 'UNKNOWN',
			failure_streak INT NOT NULL DEFAULT 0,
			last_validated_at TIMESTAMP,
			last_error TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, exchange, environment)
		)`,
		`CREATE TABLE IF NOT EXISTS diagnostic_results (
			id BIGSERIAL PRIMARY KEY,
			credential_id BIGINT NOT NULL REFERENCES credentials(id) ON DELETE CASCADE,
			classification VARCHAR(30) NOT NULL,
			latency_ms BIGINT NOT NULL DEFAULT 0,
			raw_detail TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS balances (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			exchange VARCHAR(20) NOT NULL,
			asset VARCHAR(20) NOT NULL,
			account_type VARCHAR(20) NOT NULL,
			free DECIMAL(30, 10) NOT NULL DEFAULT 0,
			locked DECIMAL(30, 10) NOT NULL DEFAULT 0,
			total DECIMAL(30, 10) NOT NULL DEFAULT 0,
			usd_value DECIMAL(30, 10) NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, exchange, asset, account_type)
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(36) PRIMARY KEY,
			signal_id VARCHAR(64) NOT NULL,
			user_id BIGINT NOT NULL,
			exchange VARCHAR(20) NOT NULL,
			environment VARCHAR(10) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(10) NOT NULL,
			quantity DECIMAL(30, 10) NOT NULL,
			price DECIMAL(30, 10) NOT NULL,
			stop_loss DECIMAL(30, 10) NOT NULL DEFAULT 0,
			take_profit DECIMAL(30, 10) NOT NULL DEFAULT 0,
			leverage INT NOT NULL DEFAULT 1,
			client_order_id VARCHAR(64) UNIQUE NOT NULL,
			exchange_order_id VARCHAR(64),
			status VARCHAR(20) NOT NULL,
			reject_reason TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			executed_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS dispatch_records (
			signal_id VARCHAR(64) NOT NULL,
			user_id BIGINT NOT NULL,
			attempted_at TIMESTAMP NOT NULL DEFAULT NOW(),
			result VARCHAR(20) NOT NULL,
			order_id VARCHAR(36),
			PRIMARY KEY (signal_id, user_id)
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// cleanupTestTables truncates all test tables
func cleanupTestTables(db *sql.DB) {
	tables := []string{
		"dispatch_records",
		"orders",
		"balances",
		"diagnostic_results",
		"credentials",
	}

	for _, table := range tables {
		db.Exec(fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table))
	}
}

// TruncateTable truncates a specific table for testing
func TruncateTable(db *sql.DB, tableName string) error {
	_, err := db.Exec(fmt.Sprintf("TRUNCATE TABLE %s CASCADE", tableName))
	return err
}
