package service

import (
	"context"
	"testing"
	"time"

	"marketbot/internal/config"
	"marketbot/internal/exchange"
	"marketbot/internal/models"
	"marketbot/pkg/crypto"
	"marketbot/pkg/utils"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef"

func testLogger(t *testing.T) *utils.Logger {
	t.Helper()
	return utils.InitLogger(utils.LogConfig{Level: "error", Format: "json"})
}

func testValidatorConfig() config.ValidatorConfig {
	return config.ValidatorConfig{
		SweepInterval:  time.Hour,
		Workers:        4,
		RequestTimeout: 2 * time.Second,
		MaxRetries:     1,
		StreakAlert:    3,
	}
}

// seedCredential кладёт в стор credential с зашифрованными ключами
func seedCredential(t *testing.T, store *MockCredentialStore, apiKey, status string) *models.Credential {
	t.Helper()

	encKey, err := crypto.Encrypt(apiKey, []byte(testEncryptionKey))
	if err != nil {
		t.Fatalf("encrypt api key: %v", err)
	}
	encSecret, err := crypto.Encrypt("secret-"+apiKey, []byte(testEncryptionKey))
	if err != nil {
		t.Fatalf("encrypt api secret: %v", err)
	}

	cred := &models.Credential{
		UserID:      42,
		Exchange:    "bybit",
		Environment: models.EnvTestnet,
		IsActive:    true,
	}
	if err := store.Create(context.Background(), cred); err != nil {
		t.Fatalf("create credential: %v", err)
	}
	cred.APIKey = encKey
	cred.APISecret = encSecret
	cred.ValidationStatus = status
	store.creds[cred.ID].APIKey = encKey
	store.creds[cred.ID].APISecret = encSecret
	store.creds[cred.ID].ValidationStatus = status
	return cred
}

func newTestValidator(t *testing.T, store *MockCredentialStore, diags *MockDiagnosticStore, factory ClientFactory) *ValidatorService {
	t.Helper()
	logger := testLogger(t)
	credSvc := NewCredentialService(store, testEncryptionKey, logger)
	return NewValidatorService(store, diags, credSvc, factory, nil, testValidatorConfig(), logger)
}

// ============ ValidatorService Tests ============

func TestValidatorService_ValidCredential(t *testing.T) {
	store := NewMockCredentialStore()
	diags := NewMockDiagnosticStore()
	client := newFakeClient()
	validator := newTestValidator(t, store, diags, staticClientFactory(client))

	hub := NewMockBroadcaster()
	validator.SetBroadcaster(hub)

	cred := seedCredential(t, store, "test-api-key-valid", models.ValidationUnknown)

	result, err := validator.ValidateByID(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("ValidateByID() error = %v", err)
	}
	if result.Classification != models.ClassificationOK {
		t.Errorf("classification = %s, want OK", result.Classification)
	}

	updated, _ := store.GetByID(context.Background(), cred.ID)
	if updated.ValidationStatus != models.ValidationValid {
		t.Errorf("status = %s, want VALID", updated.ValidationStatus)
	}
	if updated.FailureStreak != 0 {
		t.Errorf("failure streak = %d, want 0", updated.FailureStreak)
	}
	if updated.LastValidatedAt == nil {
		t.Error("last_validated_at не установлен")
	}

	history, _ := diags.History(context.Background(), cred.ID, 10)
	if len(history) != 1 {
		t.Fatalf("diagnostic history length = %d, want 1", len(history))
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if len(hub.statuses) != 1 || hub.statuses[0].status != models.ValidationValid {
		t.Errorf("broadcast statuses = %+v, want один VALID", hub.statuses)
	}
}

// Сбой подписанного чтения балансов никогда не даёт VALID
func TestValidatorService_BalanceFetchFailure(t *testing.T) {
	store := NewMockCredentialStore()
	diags := NewMockDiagnosticStore()
	client := newFakeClient()
	client.balancesErr = &exchange.ExchangeError{Exchange: "bybit", Code: "10004", Message: "error sign"}
	validator := newTestValidator(t, store, diags, staticClientFactory(client))

	cred := seedCredential(t, store, "test-api-key-badsig", models.ValidationUnknown)

	result, err := validator.ValidateByID(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("ValidateByID() error = %v", err)
	}
	if result.Classification != models.ClassificationInvalidSignature {
		t.Errorf("classification = %s, want INVALID_SIGNATURE", result.Classification)
	}

	updated, _ := store.GetByID(context.Background(), cred.ID)
	if updated.ValidationStatus != models.ValidationInvalid {
		t.Errorf("status = %s, want INVALID", updated.ValidationStatus)
	}
	if updated.FailureStreak != 1 {
		t.Errorf("failure streak = %d, want 1", updated.FailureStreak)
	}
}

func TestValidatorService_PermissionCheck(t *testing.T) {
	store := NewMockCredentialStore()
	diags := NewMockDiagnosticStore()
	client := newFakeClient()
	client.keyInfo = &exchange.KeyInfo{CanRead: true, CanTrade: false, UnifiedTrade: true}
	validator := newTestValidator(t, store, diags, staticClientFactory(client))

	cred := seedCredential(t, store, "test-api-key-ro", models.ValidationUnknown)

	result, err := validator.ValidateByID(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("ValidateByID() error = %v", err)
	}
	if result.Classification != models.ClassificationInsufficientPermissions {
		t.Errorf("classification = %s, want INSUFFICIENT_PERMISSIONS", result.Classification)
	}
}

func TestValidatorService_AccountModeMismatch(t *testing.T) {
	store := NewMockCredentialStore()
	diags := NewMockDiagnosticStore()
	client := newFakeClient()
	client.keyInfo = &exchange.KeyInfo{CanRead: true, CanTrade: true, UnifiedTrade: false}
	validator := newTestValidator(t, store, diags, staticClientFactory(client))

	cred := seedCredential(t, store, "test-api-key-classic", models.ValidationUnknown)

	result, err := validator.ValidateByID(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("ValidateByID() error = %v", err)
	}
	if result.Classification != models.ClassificationAccountModeMismatch {
		t.Errorf("classification = %s, want ACCOUNT_MODE_MISMATCH", result.Classification)
	}
}

func TestValidatorService_NetworkError(t *testing.T) {
	store := NewMockCredentialStore()
	diags := NewMockDiagnosticStore()
	client := newFakeClient()
	client.serverTimeErr = context.DeadlineExceeded
	validator := newTestValidator(t, store, diags, staticClientFactory(client))

	cred := seedCredential(t, store, "test-api-key-timeout", models.ValidationUnknown)

	result, err := validator.ValidateByID(context.Background(), cred.ID)
	if err != nil {
		t.Fatalf("ValidateByID() error = %v", err)
	}
	if result.Classification != models.ClassificationNetworkError {
		t.Errorf("classification = %s, want NETWORK_ERROR", result.Classification)
	}
}

// Слёт VALID → INVALID и порог подряд неудач поднимают алерты
func TestValidatorService_Alerts(t *testing.T) {
	store := NewMockCredentialStore()
	diags := NewMockDiagnosticStore()
	client := newFakeClient()
	client.balancesErr = &exchange.ExchangeError{Exchange: "bybit", Code: "10003", Message: "invalid api key"}
	validator := newTestValidator(t, store, diags, staticClientFactory(client))

	hub := NewMockBroadcaster()
	validator.SetBroadcaster(hub)

	cred := seedCredential(t, store, "test-api-key-flip", models.ValidationValid)

	// Первый прогон: слёт VALID → INVALID
	if _, err := validator.ValidateByID(context.Background(), cred.ID); err != nil {
		t.Fatalf("ValidateByID() error = %v", err)
	}
	if hub.AlertCount() != 1 {
		t.Errorf("alerts после слёта = %d, want 1", hub.AlertCount())
	}

	// Второй и третий прогоны: на третьей неудаче срабатывает порог
	if _, err := validator.ValidateByID(context.Background(), cred.ID); err != nil {
		t.Fatalf("ValidateByID() error = %v", err)
	}
	if hub.AlertCount() != 1 {
		t.Errorf("alerts до порога = %d, want 1", hub.AlertCount())
	}
	if _, err := validator.ValidateByID(context.Background(), cred.ID); err != nil {
		t.Fatalf("ValidateByID() error = %v", err)
	}
	if hub.AlertCount() != 2 {
		t.Errorf("alerts после порога = %d, want 2", hub.AlertCount())
	}

	updated, _ := store.GetByID(context.Background(), cred.ID)
	if updated.FailureStreak != 3 {
		t.Errorf("failure streak = %d, want 3", updated.FailureStreak)
	}
}

// Успешный прогон сбрасывает счётчик подряд неудач
func TestValidatorService_StreakReset(t *testing.T) {
	store := NewMockCredentialStore()
	diags := NewMockDiagnosticStore()
	client := newFakeClient()
	client.balancesErr = &exchange.ExchangeError{Exchange: "bybit", Code: "10003", Message: "invalid api key"}
	validator := newTestValidator(t, store, diags, staticClientFactory(client))

	cred := seedCredential(t, store, "test-api-key-reset", models.ValidationUnknown)

	if _, err := validator.ValidateByID(context.Background(), cred.ID); err != nil {
		t.Fatalf("ValidateByID() error = %v", err)
	}
	if _, err := validator.ValidateByID(context.Background(), cred.ID); err != nil {
		t.Fatalf("ValidateByID() error = %v", err)
	}

	updated, _ := store.GetByID(context.Background(), cred.ID)
	if updated.FailureStreak != 2 {
		t.Fatalf("failure streak = %d, want 2", updated.FailureStreak)
	}

	// Ключ починили
	client.balancesErr = nil
	if _, err := validator.ValidateByID(context.Background(), cred.ID); err != nil {
		t.Fatalf("ValidateByID() error = %v", err)
	}

	updated, _ = store.GetByID(context.Background(), cred.ID)
	if updated.ValidationStatus != models.ValidationValid {
		t.Errorf("status = %s, want VALID", updated.ValidationStatus)
	}
	if updated.FailureStreak != 0 {
		t.Errorf("failure streak = %d, want 0 после успеха", updated.FailureStreak)
	}
}

// Плановый обход: сбой одного credential'а не мешает остальным
func TestValidatorService_Sweep(t *testing.T) {
	store := NewMockCredentialStore()
	diags := NewMockDiagnosticStore()

	credA := seedCredential(t, store, "test-api-key-aaaa", models.ValidationUnknown)
	credB := seedCredential(t, store, "test-api-key-bbbb", models.ValidationUnknown)

	badClient := newFakeClient()
	badClient.balancesErr = &exchange.ExchangeError{Exchange: "bybit", Code: "10003", Message: "invalid api key"}
	goodClient := newFakeClient()

	factory := clientsByKey(map[string]exchange.Client{
		"test-api-key-aaaa": badClient,
		"test-api-key-bbbb": goodClient,
	})
	validator := newTestValidator(t, store, diags, factory)

	validator.Sweep(context.Background())

	updatedA, _ := store.GetByID(context.Background(), credA.ID)
	updatedB, _ := store.GetByID(context.Background(), credB.ID)

	if updatedA.ValidationStatus != models.ValidationInvalid {
		t.Errorf("credential A: status = %s, want INVALID", updatedA.ValidationStatus)
	}
	if updatedB.ValidationStatus != models.ValidationValid {
		t.Errorf("credential B: status = %s, want VALID", updatedB.ValidationStatus)
	}
}

// Неактивные credentials в плановый обход не попадают
func TestValidatorService_SweepSkipsInactive(t *testing.T) {
	store := NewMockCredentialStore()
	diags := NewMockDiagnosticStore()
	client := newFakeClient()
	validator := newTestValidator(t, store, diags, staticClientFactory(client))

	cred := seedCredential(t, store, "test-api-key-off", models.ValidationUnknown)
	if err := store.SetActive(context.Background(), cred.ID, false); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}

	validator.Sweep(context.Background())

	updated, _ := store.GetByID(context.Background(), cred.ID)
	if updated.ValidationStatus != models.ValidationUnknown {
		t.Errorf("status = %s, want UNKNOWN (без изменений)", updated.ValidationStatus)
	}
}
