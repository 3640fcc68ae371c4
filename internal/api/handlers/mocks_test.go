package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	"marketbot/internal/models"
	"marketbot/internal/repository"
)

// ErrMockDatabase имитирует отказ хранилища
var ErrMockDatabase = errors.New("mock database error")

// ============ MockCredentialService ============

type MockCredentialService struct {
	mu     sync.Mutex
	nextID int64
	creds  map[int64]*models.Credential
	errs   map[string]error
}

func NewMockCredentialService() *MockCredentialService {
	return &MockCredentialService{
		nextID: 1,
		creds:  make(map[int64]*models.Credential),
		errs:   make(map[string]error),
	}
}

// SetError заставляет указанную операцию возвращать ошибку
func (m *MockCredentialService) SetError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[op] = err
}

func (m *MockCredentialService) Create(ctx context.Context, cred *models.Credential, apiKey, apiSecret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["create"]; err != nil {
		return err
	}
	for _, existing := range m.creds {
		if existing.UserID == cred.UserID && existing.Exchange == cred.Exchange && existing.Environment == cred.Environment {
			return repository.ErrCredentialExists
		}
	}
	cred.ID = m.nextID
	m.nextID++
	cred.ValidationStatus = models.ValidationUnknown
	cred.IsActive = true
	cred.CreatedAt = time.Now()
	copy := *cred
	m.creds[cred.ID] = &copy
	return nil
}

func (m *MockCredentialService) Rotate(ctx context.Context, id int64, apiKey, apiSecret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["rotate"]; err != nil {
		return err
	}
	cred, ok := m.creds[id]
	if !ok {
		return repository.ErrCredentialNotFound
	}
	cred.ValidationStatus = models.ValidationUnknown
	cred.FailureStreak = 0
	return nil
}

func (m *MockCredentialService) Get(ctx context.Context, id int64) (*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["get"]; err != nil {
		return nil, err
	}
	cred, ok := m.creds[id]
	if !ok {
		return nil, repository.ErrCredentialNotFound
	}
	copy := *cred
	return &copy, nil
}

func (m *MockCredentialService) ListByUser(ctx context.Context, userID int64) ([]*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["list"]; err != nil {
		return nil, err
	}
	out := []*models.Credential{}
	for _, cred := range m.creds {
		if cred.UserID == userID {
			copy := *cred
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (m *MockCredentialService) SetActive(ctx context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[id]
	if !ok {
		return repository.ErrCredentialNotFound
	}
	cred.IsActive = active
	return nil
}

func (m *MockCredentialService) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.creds[id]; !ok {
		return repository.ErrCredentialNotFound
	}
	delete(m.creds, id)
	return nil
}

// ============ MockValidator ============

type MockValidator struct {
	result *models.DiagnosticResult
	err    error
	calls  int
}

func (m *MockValidator) ValidateByID(ctx context.Context, id int64) (*models.DiagnosticResult, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &models.DiagnosticResult{
		CredentialID:   id,
		Classification: models.ClassificationOK,
		LatencyMS:      12,
	}, nil
}

// ============ MockDiagnostics ============

type MockDiagnostics struct {
	history []*models.DiagnosticResult
	err     error
}

func (m *MockDiagnostics) History(ctx context.Context, credentialID int64, limit int) ([]*models.DiagnosticResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := []*models.DiagnosticResult{}
	for _, res := range m.history {
		if res.CredentialID == credentialID && len(out) < limit {
			out = append(out, res)
		}
	}
	return out, nil
}

// ============ MockDispatcher ============

type MockDispatcher struct {
	submitted []*models.Signal
	err       error
}

func (m *MockDispatcher) Submit(sig *models.Signal) error {
	if m.err != nil {
		return m.err
	}
	m.submitted = append(m.submitted, sig)
	return nil
}

// ============ MockDispatchHistory ============

type MockDispatchHistory struct {
	records []*models.DispatchRecord
	summary *models.DispatchSummary
	err     error
}

func (m *MockDispatchHistory) GetBySignal(ctx context.Context, signalID string) ([]*models.DispatchRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := []*models.DispatchRecord{}
	for _, rec := range m.records {
		if rec.SignalID == signalID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MockDispatchHistory) Summarize(ctx context.Context, signalID string) (*models.DispatchSummary, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.summary != nil {
		return m.summary, nil
	}
	return &models.DispatchSummary{SignalID: signalID}, nil
}

// ============ MockBalanceReader ============

type MockBalanceReader struct {
	balances map[int64][]*models.Balance
	err      error
}

func NewMockBalanceReader() *MockBalanceReader {
	return &MockBalanceReader{balances: make(map[int64][]*models.Balance)}
}

func (m *MockBalanceReader) GetByUser(ctx context.Context, userID int64) ([]*models.Balance, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.balances[userID], nil
}

func (m *MockBalanceReader) TotalUSD(ctx context.Context, userID int64) (float64, error) {
	if m.err != nil {
		return 0, m.err
	}
	var total float64
	for _, b := range m.balances[userID] {
		total += b.USDValue
	}
	return total, nil
}

// ============ MockBalanceRefresher ============

type MockBalanceRefresher struct {
	refreshed int
	calls     int
}

func (m *MockBalanceRefresher) RefreshAll(ctx context.Context) int {
	m.calls++
	return m.refreshed
}

// ============ MockOrderReader ============

type MockOrderReader struct {
	orders map[string]*models.Order
	err    error
}

func NewMockOrderReader() *MockOrderReader {
	return &MockOrderReader{orders: make(map[string]*models.Order)}
}

func (m *MockOrderReader) GetByID(ctx context.Context, id string) (*models.Order, error) {
	if m.err != nil {
		return nil, m.err
	}
	order, ok := m.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	copy := *order
	return &copy, nil
}

func (m *MockOrderReader) GetByUser(ctx context.Context, userID int64, limit int) ([]*models.Order, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := []*models.Order{}
	for _, order := range m.orders {
		if order.UserID == userID && len(out) < limit {
			copy := *order
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (m *MockOrderReader) GetBySignal(ctx context.Context, signalID string) ([]*models.Order, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := []*models.Order{}
	for _, order := range m.orders {
		if order.SignalID == signalID {
			copy := *order
			out = append(out, &copy)
		}
	}
	return out, nil
}
