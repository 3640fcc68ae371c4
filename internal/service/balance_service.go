package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"marketbot/internal/config"
	"marketbot/internal/exchange"
	"marketbot/internal/models"
	"marketbot/pkg/ratelimit"
	"marketbot/pkg/utils"
)

// Стейблкоины оцениваются 1:1 к доллару без обращения к ценам
var stablecoins = map[string]bool{
	"USDT": true,
	"USDC": true,
	"BUSD": true,
	"DAI":  true,
}

// BalanceService - периодический сбор балансов по всем VALID credentials
//
// Каждый credential обрабатывается изолированно: сбой одного (протухший
// ключ, сетевая ошибка) логируется с классификацией и не мешает
// остальным. Прошлые снапшоты остаются в базе до следующего успешного
// обновления, поэтому читатели видят устаревшие, но не пустые данные.
type BalanceService struct {
	creds     CredentialStoreInterface
	balances  BalanceStoreInterface
	credSvc   *CredentialService
	newClient ClientFactory
	prices    PriceLookup
	limiters  *ratelimit.ExchangeLimiters
	hub       Broadcaster
	logger    *utils.Logger
	cfg       config.BalanceConfig

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewBalanceService создает новый экземпляр сервиса балансов
func NewBalanceService(
	creds CredentialStoreInterface,
	balances BalanceStoreInterface,
	credSvc *CredentialService,
	newClient ClientFactory,
	prices PriceLookup,
	limiters *ratelimit.ExchangeLimiters,
	cfg config.BalanceConfig,
	logger *utils.Logger,
) *BalanceService {
	return &BalanceService{
		creds:     creds,
		balances:  balances,
		credSvc:   credSvc,
		newClient: newClient,
		prices:    prices,
		limiters:  limiters,
		cfg:       cfg,
		logger:    logger.Named("balance"),
		stopCh:    make(chan struct{}),
	}
}

// SetBroadcaster подключает WebSocket hub для событий обновления балансов
func (s *BalanceService) SetBroadcaster(hub Broadcaster) {
	s.hub = hub
}

// Run запускает периодическое обновление балансов
func (s *BalanceService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	s.logger.Info("сбор балансов запущен",
		zap.Duration("interval", s.cfg.RefreshInterval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RefreshAll(ctx)
		}
	}
}

// Stop останавливает периодическое обновление
func (s *BalanceService) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// RefreshAll обновляет балансы по всем активным credentials со статусом
// VALID. Возвращает количество успешно обновлённых credentials.
func (s *BalanceService) RefreshAll(ctx context.Context) int {
	creds, err := s.creds.GetActive(ctx)
	if err != nil {
		s.logger.Error("не удалось загрузить credentials для сбора балансов", zap.Error(err))
		return 0
	}

	refreshed := 0
	for _, cred := range creds {
		if cred.ValidationStatus != models.ValidationValid {
			continue
		}

		if s.limiters != nil {
			if err := s.limiters.Wait(ctx, cred.Exchange); err != nil {
				return refreshed
			}
		}

		if err := s.RefreshCredential(ctx, cred); err != nil {
			// Изоляция: сбой одного credential'а не прерывает обход
			s.logger.Warn("не удалось обновить балансы",
				zap.Int64("credential_id", cred.ID),
				zap.Int64("user_id", cred.UserID),
				zap.String("exchange", cred.Exchange),
				zap.String("classification", exchange.Classify(err)),
				zap.Error(err))
			continue
		}
		refreshed++
	}

	return refreshed
}

// RefreshCredential запрашивает балансы одного credential'а и сохраняет
// снапшот. USD-оценка берётся из PriceLookup; неизвестные активы
// пишутся с usd_value = 0.
func (s *BalanceService) RefreshCredential(ctx context.Context, cred *models.Credential) error {
	apiKey, apiSecret, err := s.credSvc.Decrypt(cred)
	if err != nil {
		return err
	}

	client, err := s.newClient(cred.Exchange, cred.Environment, apiKey, apiSecret)
	if err != nil {
		return err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	assets, err := client.Balances(fetchCtx)
	if err != nil {
		return err
	}

	totalUSD := 0.0
	for _, a := range assets {
		b := &models.Balance{
			UserID:      cred.UserID,
			Exchange:    cred.Exchange,
			Asset:       a.Asset,
			AccountType: a.AccountType,
			Free:        a.Free,
			Locked:      a.Locked,
			Total:       a.Total,
			USDValue:    s.usdValue(a.Asset, a.Total),
		}
		if err := s.balances.Upsert(ctx, b); err != nil {
			return err
		}
		totalUSD += b.USDValue
	}

	s.logger.Debug("балансы обновлены",
		zap.Int64("credential_id", cred.ID),
		zap.Int64("user_id", cred.UserID),
		zap.String("exchange", cred.Exchange),
		zap.Int("assets", len(assets)),
		zap.Float64("total_usd", totalUSD))

	if s.hub != nil {
		s.hub.BroadcastBalanceUpdate(cred.UserID, cred.Exchange, totalUSD)
	}

	return nil
}

// usdValue оценивает позицию актива в долларах
func (s *BalanceService) usdValue(asset string, total float64) float64 {
	if total == 0 {
		return 0
	}
	if stablecoins[strings.ToUpper(asset)] {
		return total
	}
	if s.prices != nil {
		if price, ok := s.prices(strings.ToUpper(asset)); ok {
			return total * price
		}
	}
	return 0
}
