package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Fallback   DatabaseConfig
	Security   SecurityConfig
	Validator  ValidatorConfig
	Dispatcher DispatcherConfig
	Balance    BalanceConfig
	Policy     PolicyConfig
	Logging    LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port     int
	Host     string
	UseHTTPS bool
	CertFile string
	KeyFile  string
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	MaxConns int
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	APIToken      string
	EncryptionKey string
}

// ValidatorConfig - настройки фоновой валидации ключей
type ValidatorConfig struct {
	SweepInterval  time.Duration // период планового обхода всех кредов
	Workers        int           // размер пула воркеров при обходе
	RequestTimeout time.Duration // таймаут одного диагностического запроса
	MaxRetries     int           // повторы при сетевых сбоях
	StreakAlert    int           // порог подряд неудачных проверок для алерта
}

// DispatcherConfig - настройки мультипользовательской рассылки сигналов
type DispatcherConfig struct {
	Environment   string        // окружение исполнения: testnet, mainnet
	Workers       int           // одновременных исполнений на сигнал
	SignalTTL     time.Duration // сигнал старше TTL не исполняется
	OrderTimeout  time.Duration // таймаут выставления одного ордера
	MaxRetries    int
	RetryBackoff  time.Duration
	OrderNotional float64 // долларовый размер одной позиции
	Leverage      int     // плечо по умолчанию для исходящих ордеров
}

// BalanceConfig - настройки агрегации балансов
type BalanceConfig struct {
	RefreshInterval time.Duration
	RequestTimeout  time.Duration
}

// PolicyConfig - глобальные риск-лимиты по умолчанию
type PolicyConfig struct {
	AllowedSymbols   []string
	MinNotional      float64
	MaxNotional      float64
	MaxLeverage      int
	MaxOpenPositions int
	StopLossPct      float64
	TakeProfitPct    float64
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     getEnvAsInt("SERVER_PORT", 8080),
			Host:     getEnv("SERVER_HOST", "0.0.0.0"),
			UseHTTPS: getEnvAsBool("USE_HTTPS", false),
			CertFile: getEnv("CERT_FILE", ""),
			KeyFile:  getEnv("KEY_FILE", ""),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "marketbot"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 20),
		},
		// Резервная БД: используется пулом при сбоях соединения с основной
		Fallback: DatabaseConfig{
			Driver:   getEnv("DB_FALLBACK_DRIVER", "postgres"),
			Host:     getEnv("DB_FALLBACK_HOST", ""),
			Port:     getEnvAsInt("DB_FALLBACK_PORT", 5432),
			Name:     getEnv("DB_FALLBACK_NAME", "marketbot"),
			User:     getEnv("DB_FALLBACK_USER", "user"),
			Password: getEnv("DB_FALLBACK_PASSWORD", "password"),
			SSLMode:  getEnv("DB_FALLBACK_SSL_MODE", "disable"),
			MaxConns: getEnvAsInt("DB_FALLBACK_MAX_CONNS", 10),
		},
		Security: SecurityConfig{
			APIToken:      getEnv("API_TOKEN", ""),
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		},
		Validator: ValidatorConfig{
			SweepInterval:  getEnvAsDuration("VALIDATOR_SWEEP_INTERVAL", 1*time.Hour),
			Workers:        getEnvAsInt("VALIDATOR_WORKERS", 8),
			RequestTimeout: getEnvAsDuration("VALIDATOR_REQUEST_TIMEOUT", 10*time.Second),
			MaxRetries:     getEnvAsInt("VALIDATOR_MAX_RETRIES", 3),
			StreakAlert:    getEnvAsInt("VALIDATOR_STREAK_ALERT", 3),
		},
		Dispatcher: DispatcherConfig{
			Environment:   getEnv("DISPATCH_ENVIRONMENT", "mainnet"),
			Workers:       getEnvAsInt("DISPATCH_WORKERS", 10),
			SignalTTL:     getEnvAsDuration("SIGNAL_TTL", 2*time.Minute),
			OrderTimeout:  getEnvAsDuration("ORDER_TIMEOUT", 5*time.Second),
			MaxRetries:    getEnvAsInt("MAX_RETRIES", 4),
			RetryBackoff:  getEnvAsDuration("RETRY_BACKOFF", 250*time.Millisecond),
			OrderNotional: getEnvAsFloat("DISPATCH_ORDER_NOTIONAL", 100.0),
			Leverage:      getEnvAsInt("DISPATCH_LEVERAGE", 5),
		},
		Balance: BalanceConfig{
			RefreshInterval: getEnvAsDuration("BALANCE_REFRESH_INTERVAL", 1*time.Minute),
			RequestTimeout:  getEnvAsDuration("BALANCE_REQUEST_TIMEOUT", 10*time.Second),
		},
		Policy: PolicyConfig{
			AllowedSymbols:   getEnvAsSlice("POLICY_ALLOWED_SYMBOLS", []string{"BTCUSDT", "ETHUSDT"}),
			MinNotional:      getEnvAsFloat("POLICY_MIN_NOTIONAL", 10.0),
			MaxNotional:      getEnvAsFloat("POLICY_MAX_NOTIONAL", 10000.0),
			MaxLeverage:      getEnvAsInt("POLICY_MAX_LEVERAGE", 10),
			MaxOpenPositions: getEnvAsInt("POLICY_MAX_OPEN_POSITIONS", 2),
			StopLossPct:      getEnvAsFloat("POLICY_STOP_LOSS_PCT", 0.02),
			TakeProfitPct:    getEnvAsFloat("POLICY_TAKE_PROFIT_PCT", 0.04),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	// Валидация критичных параметров безопасности
	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}

	// Валидация числовых диапазонов
	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// HasFallback сообщает, настроена ли резервная БД
func (c *Config) HasFallback() bool {
	return c.Fallback.Host != ""
}

// validateSecurity проверяет параметры безопасности
func (c *Config) validateSecurity() error {
	// ENCRYPTION_KEY обязателен для шифрования API ключей бирж
	if c.Security.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required for encrypting API keys")
	}

	if len(c.Security.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes for AES-256")
	}

	// API_TOKEN обязателен для защиты управляющих эндпоинтов
	if c.Security.APIToken == "" {
		return fmt.Errorf("API_TOKEN is required for authentication")
	}

	if len(c.Security.APIToken) < 32 {
		return fmt.Errorf("API_TOKEN must be at least 32 characters for security")
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	// Валидация портов
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	// Валидация retry параметров
	if c.Dispatcher.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES cannot be negative, got %d", c.Dispatcher.MaxRetries)
	}

	if c.Dispatcher.MaxRetries > 10 {
		return fmt.Errorf("MAX_RETRIES should not exceed 10, got %d", c.Dispatcher.MaxRetries)
	}

	// Валидация таймаутов (должны быть положительными)
	if c.Dispatcher.OrderTimeout <= 0 {
		return fmt.Errorf("ORDER_TIMEOUT must be positive, got %v", c.Dispatcher.OrderTimeout)
	}

	if c.Dispatcher.SignalTTL <= 0 {
		return fmt.Errorf("SIGNAL_TTL must be positive, got %v", c.Dispatcher.SignalTTL)
	}

	// Пулы воркеров должны быть положительными
	if c.Dispatcher.Environment != "testnet" && c.Dispatcher.Environment != "mainnet" {
		return fmt.Errorf("DISPATCH_ENVIRONMENT must be testnet or mainnet, got %q", c.Dispatcher.Environment)
	}

	if c.Dispatcher.OrderNotional <= 0 {
		return fmt.Errorf("DISPATCH_ORDER_NOTIONAL must be positive, got %v", c.Dispatcher.OrderNotional)
	}

	if c.Dispatcher.Leverage < 1 {
		return fmt.Errorf("DISPATCH_LEVERAGE must be at least 1, got %d", c.Dispatcher.Leverage)
	}

	if c.Dispatcher.Workers < 1 {
		return fmt.Errorf("DISPATCH_WORKERS must be at least 1, got %d", c.Dispatcher.Workers)
	}

	if c.Validator.Workers < 1 {
		return fmt.Errorf("VALIDATOR_WORKERS must be at least 1, got %d", c.Validator.Workers)
	}

	if c.Validator.SweepInterval < time.Minute {
		return fmt.Errorf("VALIDATOR_SWEEP_INTERVAL must be at least 1m, got %v", c.Validator.SweepInterval)
	}

	// Валидация риск-лимитов
	if c.Policy.MinNotional <= 0 || c.Policy.MaxNotional <= c.Policy.MinNotional {
		return fmt.Errorf("policy notional bounds are invalid: min=%.2f max=%.2f",
			c.Policy.MinNotional, c.Policy.MaxNotional)
	}

	if c.Policy.MaxLeverage < 1 {
		return fmt.Errorf("POLICY_MAX_LEVERAGE must be at least 1, got %d", c.Policy.MaxLeverage)
	}

	if c.Policy.StopLossPct <= 0 || c.Policy.StopLossPct >= 1 {
		return fmt.Errorf("POLICY_STOP_LOSS_PCT must be in (0, 1), got %v", c.Policy.StopLossPct)
	}

	if c.Policy.TakeProfitPct <= 0 {
		return fmt.Errorf("POLICY_TAKE_PROFIT_PCT must be positive, got %v", c.Policy.TakeProfitPct)
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
