package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"marketbot/internal/config"
	"marketbot/internal/exchange"
	"marketbot/internal/models"
	"marketbot/pkg/ratelimit"
	"marketbot/pkg/retry"
	"marketbot/pkg/utils"
)

// ValidatorService - фоновая валидация API ключей
//
// Прогоняет каждый credential через диагностическую батарею и ведёт
// машину статусов UNKNOWN → CHECKING → {VALID, INVALID}. Результат
// каждого прогона попадает в журнал диагностики; алерты поднимаются
// при слёте VALID → INVALID и при превышении порога подряд неудач.
type ValidatorService struct {
	creds      CredentialStoreInterface
	diags      DiagnosticStoreInterface
	credSvc    *CredentialService
	newClient  ClientFactory
	limiters   *ratelimit.ExchangeLimiters
	hub        Broadcaster
	logger     *utils.Logger
	cfg        config.ValidatorConfig

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewValidatorService создает новый экземпляр валидатора
func NewValidatorService(
	creds CredentialStoreInterface,
	diags DiagnosticStoreInterface,
	credSvc *CredentialService,
	newClient ClientFactory,
	limiters *ratelimit.ExchangeLimiters,
	cfg config.ValidatorConfig,
	logger *utils.Logger,
) *ValidatorService {
	return &ValidatorService{
		creds:     creds,
		diags:     diags,
		credSvc:   credSvc,
		newClient: newClient,
		limiters:  limiters,
		cfg:       cfg,
		logger:    logger.Named("validator"),
		stopCh:    make(chan struct{}),
	}
}

// SetBroadcaster подключает WebSocket hub для событий статуса
func (s *ValidatorService) SetBroadcaster(hub Broadcaster) {
	s.hub = hub
}

// ValidateByID загружает credential и прогоняет батарею
func (s *ValidatorService) ValidateByID(ctx context.Context, id int64) (*models.DiagnosticResult, error) {
	cred, err := s.creds.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Validate(ctx, cred)
}

// Validate прогоняет один credential через диагностическую батарею.
//
// Шаги строго по порядку, первый жёсткий сбой обрывает прогон:
//  1. reachability - неподписанный запрос времени сервера
//  2. подписанное чтение балансов - подпись и валидность ключа
//  3. права ключа - чтение и торговля
//  4. режим аккаунта - единый торговый аккаунт для деривативов
func (s *ValidatorService) Validate(ctx context.Context, cred *models.Credential) (*models.DiagnosticResult, error) {
	prevStatus := cred.ValidationStatus

	if err := s.creds.SetStatus(ctx, cred.ID, prevStatus, models.ValidationChecking); err != nil {
		// Конкурентный прогон уже перевёл credential в CHECKING
		return nil, err
	}

	started := time.Now()
	batteryErr := s.runBattery(ctx, cred)
	classification := exchange.Classify(batteryErr)

	result := &models.DiagnosticResult{
		CredentialID:   cred.ID,
		Classification: classification,
		LatencyMS:      time.Since(started).Milliseconds(),
	}
	if batteryErr != nil {
		result.RawDetail = batteryErr.Error()
	}

	if err := s.diags.Append(ctx, result); err != nil {
		// Журнал не должен валить прогон: статус важнее истории
		s.logger.Error("не удалось записать результат диагностики",
			zap.Int64("credential_id", cred.ID),
			zap.Error(err))
	}

	success := classification == models.ClassificationOK
	newStatus := models.ValidationValid
	lastError := ""
	if !success {
		newStatus = models.ValidationInvalid
		lastError = classification + ": " + result.RawDetail
	}

	streak, err := s.creds.RecordValidationResult(ctx, cred.ID, newStatus, lastError, success)
	if err != nil {
		return result, err
	}

	s.logger.Info("прогон валидации завершён",
		zap.Int64("credential_id", cred.ID),
		zap.String("exchange", cred.Exchange),
		zap.String("classification", classification),
		zap.String("status", newStatus),
		zap.Int("failure_streak", streak),
		zap.Int64("latency_ms", result.LatencyMS))

	s.raiseAlerts(cred, prevStatus, newStatus, classification, streak)

	if s.hub != nil {
		s.hub.BroadcastCredentialStatus(cred.ID, cred.UserID, newStatus, classification)
	}

	return result, nil
}

// runBattery выполняет шаги батареи, ретраятся только сетевые сбои
func (s *ValidatorService) runBattery(ctx context.Context, cred *models.Credential) error {
	apiKey, apiSecret, err := s.credSvc.Decrypt(cred)
	if err != nil {
		return err
	}

	client, err := s.newClient(cred.Exchange, cred.Environment, apiKey, apiSecret)
	if err != nil {
		return err
	}

	retryCfg := retry.NetworkConfig()
	retryCfg.MaxRetries = s.cfg.MaxRetries
	retryCfg.RetryIf = exchange.IsNetworkError

	// Шаг 1: reachability без подписи
	err = retry.Do(ctx, func() error {
		stepCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
		_, err := client.ServerTime(stepCtx)
		return err
	}, retryCfg)
	if err != nil {
		return fmt.Errorf("reachability probe: %w", err)
	}

	// Шаг 2: подписанное чтение балансов
	err = retry.Do(ctx, func() error {
		stepCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
		_, err := client.Balances(stepCtx)
		return err
	}, retryCfg)
	if err != nil {
		return fmt.Errorf("authenticated balance fetch: %w", err)
	}

	// Шаги 3-4: права ключа и режим аккаунта
	var info *exchange.KeyInfo
	err = retry.Do(ctx, func() error {
		stepCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
		var err error
		info, err = client.KeyInfo(stepCtx)
		return err
	}, retryCfg)
	if err != nil {
		return fmt.Errorf("key info fetch: %w", err)
	}

	if !info.CanRead || !info.CanTrade {
		return &exchange.ExchangeError{
			Exchange: cred.Exchange,
			Code:     "10005",
			Message:  fmt.Sprintf("key lacks required permissions (read=%v, trade=%v)", info.CanRead, info.CanTrade),
		}
	}

	// Деривативные эндпоинты требуют единого торгового аккаунта
	if cred.Exchange == "bybit" && !info.UnifiedTrade {
		return &exchange.ExchangeError{
			Exchange: cred.Exchange,
			Code:     "10024",
			Message:  "unified trading account required",
		}
	}

	return nil
}

// raiseAlerts поднимает алерты по итогам прогона
func (s *ValidatorService) raiseAlerts(cred *models.Credential, prevStatus, newStatus, classification string, streak int) {
	if prevStatus == models.ValidationValid && newStatus == models.ValidationInvalid {
		msg := fmt.Sprintf("credential %d (user %d, %s/%s) слетел из VALID в INVALID: %s",
			cred.ID, cred.UserID, cred.Exchange, cred.Environment, classification)
		s.logger.Warn("credential слетел", zap.String("alert", msg))
		if s.hub != nil {
			s.hub.BroadcastAlert("warning", msg)
		}
	}

	if s.cfg.StreakAlert > 0 && streak == s.cfg.StreakAlert {
		msg := fmt.Sprintf("credential %d достиг %d подряд неудачных проверок", cred.ID, streak)
		s.logger.Warn("порог подряд неудач", zap.String("alert", msg))
		if s.hub != nil {
			s.hub.BroadcastAlert("critical", msg)
		}
	}
}

// Run запускает плановый обход: каждый интервал все активные
// credentials прогоняются через батарею пулом воркеров.
func (s *ValidatorService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	s.logger.Info("плановый обход запущен",
		zap.Duration("interval", s.cfg.SweepInterval),
		zap.Int("workers", s.cfg.Workers))

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Stop останавливает плановый обход
func (s *ValidatorService) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Sweep прогоняет все активные credentials через пул воркеров.
// Размер пула ограничен, чтобы не выбирать rate-limit бирж; перед
// каждым прогоном воркер дополнительно ждёт лимитер своей биржи.
func (s *ValidatorService) Sweep(ctx context.Context) {
	creds, err := s.creds.GetActive(ctx)
	if err != nil {
		s.logger.Error("не удалось загрузить credentials для обхода", zap.Error(err))
		return
	}

	if len(creds) == 0 {
		return
	}

	s.logger.Info("начало обхода", zap.Int("credentials", len(creds)))

	jobs := make(chan *models.Credential)
	var wg sync.WaitGroup

	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cred := range jobs {
				if s.limiters != nil {
					if err := s.limiters.Wait(ctx, cred.Exchange); err != nil {
						return
					}
				}
				// Ошибка одного credential'а не прерывает обход
				if _, err := s.Validate(ctx, cred); err != nil {
					s.logger.Warn("прогон credential'а завершился ошибкой",
						zap.Int64("credential_id", cred.ID),
						zap.Error(err))
				}
			}
		}()
	}

	for _, cred := range creds {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		case jobs <- cred:
		}
	}
	close(jobs)
	wg.Wait()

	s.logger.Info("обход завершён", zap.Int("credentials", len(creds)))
}
