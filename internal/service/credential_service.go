package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"marketbot/internal/exchange"
	"marketbot/internal/models"
	"marketbot/pkg/crypto"
	"marketbot/pkg/utils"
)

// Ошибки сервиса credential'ов
var (
	ErrExchangeNotSupported = errors.New("exchange is not supported")
	ErrInvalidEnvironment   = errors.New("environment must be testnet or mainnet")
)

// CredentialService - бизнес-логика управления API ключами пользователей
//
// Единственное место, где ключи существуют в открытом виде: сервис
// шифрует их перед записью и расшифровывает для валидатора и диспетчера.
type CredentialService struct {
	creds         CredentialStoreInterface
	encryptionKey []byte
	validator     *ValidatorService
	logger        *utils.Logger
}

// NewCredentialService создает новый экземпляр сервиса
func NewCredentialService(creds CredentialStoreInterface, encryptionKey string, logger *utils.Logger) *CredentialService {
	return &CredentialService{
		creds:         creds,
		encryptionKey: []byte(encryptionKey),
		logger:        logger.Named("credentials"),
	}
}

// SetValidator подключает валидатор для on-demand проверок.
// Вызывается из main.go после создания обоих сервисов.
func (s *CredentialService) SetValidator(v *ValidatorService) {
	s.validator = v
}

// Create сохраняет новый credential и запускает его немедленную проверку
func (s *CredentialService) Create(ctx context.Context, cred *models.Credential, apiKey, apiSecret string) error {
	cred.Exchange = strings.ToLower(cred.Exchange)

	if !exchange.IsSupported(cred.Exchange) {
		return ErrExchangeNotSupported
	}
	if !models.IsValidEnvironment(cred.Environment) {
		return ErrInvalidEnvironment
	}
	if err := utils.ValidateAPIKey(apiKey); err != nil {
		return err
	}

	encKey, err := crypto.Encrypt(apiKey, s.encryptionKey)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	encSecret, err := crypto.Encrypt(apiSecret, s.encryptionKey)
	if err != nil {
		return fmt.Errorf("encrypt api secret: %w", err)
	}

	cred.APIKey = encKey
	cred.APISecret = encSecret

	if err := s.creds.Create(ctx, cred); err != nil {
		return err
	}

	s.logger.Info("credential создан",
		zap.Int64("credential_id", cred.ID),
		zap.Int64("user_id", cred.UserID),
		zap.String("exchange", cred.Exchange),
		zap.String("environment", cred.Environment))

	// Новый credential сразу уходит на проверку
	s.triggerValidation(cred.ID)
	return nil
}

// Rotate заменяет ключи и запускает повторную проверку
func (s *CredentialService) Rotate(ctx context.Context, id int64, apiKey, apiSecret string) error {
	if err := utils.ValidateAPIKey(apiKey); err != nil {
		return err
	}

	encKey, err := crypto.Encrypt(apiKey, s.encryptionKey)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	encSecret, err := crypto.Encrypt(apiSecret, s.encryptionKey)
	if err != nil {
		return fmt.Errorf("encrypt api secret: %w", err)
	}

	if err := s.creds.RotateKeys(ctx, id, encKey, encSecret); err != nil {
		return err
	}

	s.logger.Info("ключи credential'а заменены", zap.Int64("credential_id", id))

	s.triggerValidation(id)
	return nil
}

// Get возвращает credential по ID (секреты не расшифровываются)
func (s *CredentialService) Get(ctx context.Context, id int64) (*models.Credential, error) {
	return s.creds.GetByID(ctx, id)
}

// ListByUser возвращает credentials пользователя
func (s *CredentialService) ListByUser(ctx context.Context, userID int64) ([]*models.Credential, error) {
	return s.creds.GetByUser(ctx, userID)
}

// SetActive включает или выключает credential
func (s *CredentialService) SetActive(ctx context.Context, id int64, active bool) error {
	return s.creds.SetActive(ctx, id, active)
}

// Delete удаляет credential
func (s *CredentialService) Delete(ctx context.Context, id int64) error {
	return s.creds.Delete(ctx, id)
}

// Decrypt возвращает ключи credential'а в открытом виде
// (для валидатора и исполнителя ордеров)
func (s *CredentialService) Decrypt(cred *models.Credential) (apiKey, apiSecret string, err error) {
	apiKey, err = crypto.Decrypt(cred.APIKey, s.encryptionKey)
	if err != nil {
		return "", "", fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err = crypto.Decrypt(cred.APISecret, s.encryptionKey)
	if err != nil {
		return "", "", fmt.Errorf("decrypt api secret: %w", err)
	}
	return apiKey, apiSecret, nil
}

// triggerValidation запускает проверку в фоне, не блокируя вызов API
func (s *CredentialService) triggerValidation(id int64) {
	if s.validator == nil {
		return
	}
	go s.validator.ValidateByID(context.Background(), id)
}
