package service

import (
	"context"
	"sync"
	"time"

	"marketbot/internal/exchange"
	"marketbot/internal/models"
	"marketbot/internal/repository"
)

// ============ Mock CredentialStore ============

type MockCredentialStore struct {
	mu        sync.Mutex
	creds     map[int64]*models.Credential
	nextID    int64
	createErr error
	getErr    error
	setErr    error
	recordErr error
}

func NewMockCredentialStore() *MockCredentialStore {
	return &MockCredentialStore{
		creds:  make(map[int64]*models.Credential),
		nextID: 1,
	}
}

func (m *MockCredentialStore) Create(ctx context.Context, cred *models.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cred.ID = m.nextID
	m.nextID++
	cred.ValidationStatus = models.ValidationUnknown
	cred.FailureStreak = 0
	cred.CreatedAt = time.Now()
	cred.UpdatedAt = cred.CreatedAt
	m.creds[cred.ID] = cred
	return nil
}

func (m *MockCredentialStore) GetByID(ctx context.Context, id int64) (*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	cred, ok := m.creds[id]
	if !ok {
		return nil, repository.ErrCredentialNotFound
	}
	c := *cred
	return &c, nil
}

func (m *MockCredentialStore) GetByUser(ctx context.Context, userID int64) ([]*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	var result []*models.Credential
	for _, c := range m.creds {
		if c.UserID == userID {
			cc := *c
			result = append(result, &cc)
		}
	}
	return result, nil
}

func (m *MockCredentialStore) GetActive(ctx context.Context) ([]*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	var result []*models.Credential
	for _, c := range m.creds {
		if c.IsActive {
			cc := *c
			result = append(result, &cc)
		}
	}
	return result, nil
}

func (m *MockCredentialStore) GetEligible(ctx context.Context, exch, env string) ([]*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	var result []*models.Credential
	for _, c := range m.creds {
		if c.IsActive && c.ValidationStatus == models.ValidationValid &&
			c.Exchange == exch && c.Environment == env {
			cc := *c
			result = append(result, &cc)
		}
	}
	return result, nil
}

func (m *MockCredentialStore) SetStatus(ctx context.Context, id int64, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	cred, ok := m.creds[id]
	if !ok || cred.ValidationStatus != from {
		return repository.ErrCredentialNotFound
	}
	cred.ValidationStatus = to
	return nil
}

func (m *MockCredentialStore) RecordValidationResult(ctx context.Context, id int64, status, lastError string, success bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return 0, m.recordErr
	}
	cred, ok := m.creds[id]
	if !ok {
		return 0, repository.ErrCredentialNotFound
	}
	now := time.Now()
	cred.ValidationStatus = status
	cred.LastError = lastError
	cred.LastValidatedAt = &now
	if success {
		cred.FailureStreak = 0
	} else {
		cred.FailureStreak++
	}
	return cred.FailureStreak, nil
}

func (m *MockCredentialStore) RotateKeys(ctx context.Context, id int64, apiKey, apiSecret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[id]
	if !ok {
		return repository.ErrCredentialNotFound
	}
	cred.APIKey = apiKey
	cred.APISecret = apiSecret
	cred.ValidationStatus = models.ValidationUnknown
	cred.FailureStreak = 0
	cred.LastError = ""
	return nil
}

func (m *MockCredentialStore) SetActive(ctx context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[id]
	if !ok {
		return repository.ErrCredentialNotFound
	}
	cred.IsActive = active
	return nil
}

func (m *MockCredentialStore) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.creds[id]; !ok {
		return repository.ErrCredentialNotFound
	}
	delete(m.creds, id)
	return nil
}

// ============ Mock DiagnosticStore ============

type MockDiagnosticStore struct {
	mu        sync.Mutex
	results   []*models.DiagnosticResult
	appendErr error
}

func NewMockDiagnosticStore() *MockDiagnosticStore {
	return &MockDiagnosticStore{}
}

func (m *MockDiagnosticStore) Append(ctx context.Context, res *models.DiagnosticResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	res.ID = int64(len(m.results) + 1)
	res.CreatedAt = time.Now()
	m.results = append(m.results, res)
	return nil
}

func (m *MockDiagnosticStore) History(ctx context.Context, credentialID int64, limit int) ([]*models.DiagnosticResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.DiagnosticResult
	for i := len(m.results) - 1; i >= 0 && len(result) < limit; i-- {
		if m.results[i].CredentialID == credentialID {
			result = append(result, m.results[i])
		}
	}
	return result, nil
}

// ============ Mock BalanceStore ============

type MockBalanceStore struct {
	mu        sync.Mutex
	balances  map[string]*models.Balance
	upsertErr error
}

func NewMockBalanceStore() *MockBalanceStore {
	return &MockBalanceStore{balances: make(map[string]*models.Balance)}
}

func balanceKey(b *models.Balance) string {
	return b.Exchange + "/" + b.Asset + "/" + b.AccountType
}

func (m *MockBalanceStore) Upsert(ctx context.Context, b *models.Balance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	b.UpdatedAt = time.Now()
	m.balances[balanceKey(b)] = b
	return nil
}

func (m *MockBalanceStore) GetByUser(ctx context.Context, userID int64) ([]*models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.Balance
	for _, b := range m.balances {
		if b.UserID == userID {
			result = append(result, b)
		}
	}
	return result, nil
}

func (m *MockBalanceStore) GetByUserExchange(ctx context.Context, userID int64, exch string) ([]*models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.Balance
	for _, b := range m.balances {
		if b.UserID == userID && b.Exchange == exch {
			result = append(result, b)
		}
	}
	return result, nil
}

func (m *MockBalanceStore) TotalUSD(ctx context.Context, userID int64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0.0
	for _, b := range m.balances {
		if b.UserID == userID {
			total += b.USDValue
		}
	}
	return total, nil
}

func (m *MockBalanceStore) StaleSince(ctx context.Context, cutoff time.Time) ([]*models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.Balance
	for _, b := range m.balances {
		if b.UpdatedAt.Before(cutoff) {
			result = append(result, b)
		}
	}
	return result, nil
}

// ============ Mock Broadcaster ============

type broadcastStatus struct {
	credentialID   int64
	status         string
	classification string
}

type MockBroadcaster struct {
	mu       sync.Mutex
	statuses []broadcastStatus
	balances []float64
	alerts   []string
}

func NewMockBroadcaster() *MockBroadcaster {
	return &MockBroadcaster{}
}

func (m *MockBroadcaster) BroadcastCredentialStatus(credentialID, userID int64, status, classification string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, broadcastStatus{credentialID, status, classification})
}

func (m *MockBroadcaster) BroadcastBalanceUpdate(userID int64, exchange string, totalUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = append(m.balances, totalUSD)
}

func (m *MockBroadcaster) BroadcastAlert(level, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, level+": "+message)
}

func (m *MockBroadcaster) AlertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

// ============ Fake Exchange Client ============

// fakeClient реализует exchange.Client с настраиваемыми ответами
type fakeClient struct {
	name        string
	environment string

	serverTimeErr error
	balances      []exchange.AssetBalance
	balancesErr   error
	keyInfo       *exchange.KeyInfo
	keyInfoErr    error
	placeAck      *exchange.OrderAck
	placeErr      error
	orderState    *exchange.OrderState
	queryErr      error
	cancelErr     error

	mu          sync.Mutex
	balanceCall int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		name:        "bybit",
		environment: models.EnvTestnet,
		balances: []exchange.AssetBalance{
			{Asset: "USDT", AccountType: models.AccountTypeUnified, Free: 1000, Locked: 0, Total: 1000},
		},
		keyInfo: &exchange.KeyInfo{
			CanRead:      true,
			CanTrade:     true,
			UnifiedTrade: true,
		},
	}
}

func (f *fakeClient) Name() string        { return f.name }
func (f *fakeClient) Environment() string { return f.environment }

func (f *fakeClient) ServerTime(ctx context.Context) (time.Time, error) {
	if f.serverTimeErr != nil {
		return time.Time{}, f.serverTimeErr
	}
	return time.Now(), nil
}

func (f *fakeClient) KeyInfo(ctx context.Context) (*exchange.KeyInfo, error) {
	if f.keyInfoErr != nil {
		return nil, f.keyInfoErr
	}
	return f.keyInfo, nil
}

func (f *fakeClient) Balances(ctx context.Context) ([]exchange.AssetBalance, error) {
	f.mu.Lock()
	f.balanceCall++
	f.mu.Unlock()
	if f.balancesErr != nil {
		return nil, f.balancesErr
	}
	return f.balances, nil
}

func (f *fakeClient) PlaceOrder(ctx context.Context, params *exchange.OrderParams) (*exchange.OrderAck, error) {
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	if f.placeAck != nil {
		return f.placeAck, nil
	}
	return &exchange.OrderAck{
		ExchangeOrderID: "ex-1",
		ClientOrderID:   params.ClientOrderID,
	}, nil
}

func (f *fakeClient) QueryOrder(ctx context.Context, symbol, clientOrderID string) (*exchange.OrderState, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if f.orderState != nil {
		return f.orderState, nil
	}
	return &exchange.OrderState{Status: exchange.RemoteStatusFilled}, nil
}

func (f *fakeClient) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	return f.cancelErr
}

// staticClientFactory возвращает один и тот же фейковый клиент
func staticClientFactory(c exchange.Client) ClientFactory {
	return func(name, environment, apiKey, apiSecret string) (exchange.Client, error) {
		return c, nil
	}
}

// clientsByKey раздаёт клиентов по расшифрованному API ключу:
// каждый credential получает свой фейковый клиент.
func clientsByKey(clients map[string]exchange.Client) ClientFactory {
	return func(name, environment, apiKey, apiSecret string) (exchange.Client, error) {
		return clients[apiKey], nil
	}
}
