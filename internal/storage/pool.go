// Package storage управляет пулами соединений с базами данных.
//
// Каждый именованный пул держит основную БД и, опционально, резервную.
// Сбой уровня соединения на основной прозрачно повторяется на резервной:
// вызывающий код получает результат, не зная о переключении.
package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"marketbot/internal/config"
	"marketbot/pkg/utils"
)

// Ошибки пакета
var (
	ErrPoolNotFound     = errors.New("pool not found")
	ErrPoolExists       = errors.New("pool already registered")
	ErrAllDatabasesDown = errors.New("primary and fallback databases are unavailable")
)

// Querier - минимальный контракт выполнения запросов.
// Его реализуют и *sql.DB, и Pool: репозитории принимают Querier
// и работают одинаково с прямым соединением и с пулом с резервом.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Pool - именованный пул с основной и резервной БД
type Pool struct {
	name     string
	primary  *sql.DB
	fallback *sql.DB // nil если резерв не настроен
	logger   *utils.Logger
}

// Manager хранит именованные пулы приложения
type Manager struct {
	mu     sync.RWMutex
	pools  map[string]*Pool
	logger *utils.Logger
}

// NewManager создаёт менеджер пулов
func NewManager(logger *utils.Logger) *Manager {
	return &Manager{
		pools:  make(map[string]*Pool),
		logger: logger,
	}
}

// Open открывает пул по конфигурации и регистрирует его под именем.
// Резервная БД подключается только если она настроена.
func (m *Manager) Open(ctx context.Context, name string, primary config.DatabaseConfig, fallback *config.DatabaseConfig) (*Pool, error) {
	primaryDB, err := openDB(ctx, primary)
	if err != nil {
		return nil, fmt.Errorf("open primary database for pool %s: %w", name, err)
	}

	var fallbackDB *sql.DB
	if fallback != nil {
		fallbackDB, err = openDB(ctx, *fallback)
		if err != nil {
			// Недоступный резерв не блокирует запуск, но фиксируется в логе
			m.logger.Warn("резервная БД недоступна при старте",
				zap.String("pool", name),
				zap.Error(err))
			fallbackDB = nil
		}
	}

	pool := &Pool{
		name:     name,
		primary:  primaryDB,
		fallback: fallbackDB,
		logger:   m.logger.Named("pool." + name),
	}

	if err := m.Register(name, pool); err != nil {
		primaryDB.Close()
		if fallbackDB != nil {
			fallbackDB.Close()
		}
		return nil, err
	}

	return pool, nil
}

// Register добавляет готовый пул под именем
func (m *Manager) Register(name string, pool *Pool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pools[name]; exists {
		return fmt.Errorf("%w: %s", ErrPoolExists, name)
	}
	m.pools[name] = pool
	return nil
}

// Get возвращает пул по имени
func (m *Manager) Get(name string) (*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pool, ok := m.pools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, name)
	}
	return pool, nil
}

// HealthCheck проверяет доступность всех пулов
func (m *Manager) HealthCheck(ctx context.Context) map[string]error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make(map[string]error, len(m.pools))
	for name, pool := range m.pools {
		results[name] = pool.Ping(ctx)
	}
	return results
}

// defaultHealthInterval - период фоновой проверки пулов
const defaultHealthInterval = 30 * time.Second

// Run периодически прогоняет HealthCheck по всем пулам до отмены контекста.
// Недоступный пул попадает в лог ошибкой на каждом проходе; работа на
// резерве видна по предупреждениям самого пула.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultHealthInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkOnce(ctx, interval)
		}
	}
}

func (m *Manager) checkOnce(ctx context.Context, timeout time.Duration) {
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for name, err := range m.HealthCheck(checkCtx) {
		if err != nil {
			m.logger.Error("пул БД недоступен",
				zap.String("pool", name),
				zap.Error(err))
		}
	}
}

// Close закрывает все пулы
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, pool := range m.pools {
		if err := pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pool %s: %w", name, err))
		}
	}
	m.pools = make(map[string]*Pool)
	return errors.Join(errs...)
}

// NewPool создаёт пул из готовых соединений (используется в тестах)
func NewPool(name string, primary, fallback *sql.DB, logger *utils.Logger) *Pool {
	return &Pool{
		name:     name,
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

// Name возвращает имя пула
func (p *Pool) Name() string {
	return p.name
}

// ExecContext выполняет запрос с переключением на резерв при сбое соединения
func (p *Pool) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	result, err := p.primary.ExecContext(ctx, query, args...)
	if err == nil || !IsConnectionError(err) || p.fallback == nil {
		return result, err
	}

	p.logger.Warn("сбой соединения с основной БД, переключение на резерв",
		zap.Error(err))
	return p.fallback.ExecContext(ctx, query, args...)
}

// QueryContext выполняет запрос чтения с переключением на резерв
func (p *Pool) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := p.primary.QueryContext(ctx, query, args...)
	if err == nil || !IsConnectionError(err) || p.fallback == nil {
		return rows, err
	}

	p.logger.Warn("сбой соединения с основной БД, переключение на резерв",
		zap.Error(err))
	return p.fallback.QueryContext(ctx, query, args...)
}

// QueryRowContext выполняет запрос одной строки с переключением на резерв.
// Ошибка *sql.Row отложенная, поэтому проверяется через Err().
func (p *Pool) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	row := p.primary.QueryRowContext(ctx, query, args...)
	if err := row.Err(); err != nil && IsConnectionError(err) && p.fallback != nil {
		p.logger.Warn("сбой соединения с основной БД, переключение на резерв",
			zap.Error(err))
		return p.fallback.QueryRowContext(ctx, query, args...)
	}
	return row
}

// Transaction выполняет fn в транзакции: commit при успехе,
// rollback при ошибке или панике. Транзакция не переключается на резерв:
// частично выполненные шаги нельзя повторять на другой БД.
func (p *Pool) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.primary.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Ping проверяет доступность пула: достаточно любой живой БД
func (p *Pool) Ping(ctx context.Context) error {
	primaryErr := p.primary.PingContext(ctx)
	if primaryErr == nil {
		return nil
	}

	if p.fallback == nil {
		return primaryErr
	}

	if fallbackErr := p.fallback.PingContext(ctx); fallbackErr != nil {
		return errors.Join(ErrAllDatabasesDown, primaryErr, fallbackErr)
	}

	// Основная лежит, но резерв отвечает
	p.logger.Warn("основная БД не отвечает, работаем на резерве",
		zap.Error(primaryErr))
	return nil
}

// Close закрывает оба соединения пула
func (p *Pool) Close() error {
	var errs []error
	if err := p.primary.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.fallback != nil {
		if err := p.fallback.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsConnectionError определяет сбой уровня соединения: обрыв, отказ,
// недоступность сервера. Ошибки запросов (constraint, синтаксис) к ним
// не относятся и на резерв не переключаются.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Класс 08 в PostgreSQL - Connection Exception
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	msg := err.Error()
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	return false
}

// openDB открывает соединение и проверяет его ping'ом
func openDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}
