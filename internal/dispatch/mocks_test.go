package dispatch

import (
	"context"
	"strconv"
	"sync"
	"time"

	"marketbot/internal/exchange"
	"marketbot/internal/models"
	"marketbot/internal/repository"
)

// ============ Mock OrderStore ============

type MockOrderStore struct {
	mu        sync.Mutex
	orders    map[string]*models.Order // по client_order_id
	createErr error
}

func NewMockOrderStore() *MockOrderStore {
	return &MockOrderStore{orders: make(map[string]*models.Order)}
}

func (m *MockOrderStore) Create(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, exists := m.orders[order.ClientOrderID]; exists {
		return repository.ErrOrderExists
	}
	order.Status = models.OrderStatusPending
	order.CreatedAt = time.Now()
	c := *order
	m.orders[order.ClientOrderID] = &c
	return nil
}

func (m *MockOrderStore) GetByID(ctx context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.ID == id {
			c := *o
			return &c, nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (m *MockOrderStore) GetByClientOrderID(ctx context.Context, clientOrderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[clientOrderID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	c := *o
	return &c, nil
}

func (m *MockOrderStore) CountOpenByUser(ctx context.Context, userID int64, exchange string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, o := range m.orders {
		if o.UserID == userID && o.Exchange == exchange &&
			(o.Status == models.OrderStatusPending || o.Status == models.OrderStatusSubmitted) {
			count++
		}
	}
	return count, nil
}

func (m *MockOrderStore) find(id string) (*models.Order, error) {
	for _, o := range m.orders {
		if o.ID == id {
			return o, nil
		}
	}
	return nil, repository.ErrOrderNotFound
}

func (m *MockOrderStore) MarkSubmitted(ctx context.Context, id, exchangeOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.find(id)
	if err != nil {
		return err
	}
	if o.Status != models.OrderStatusPending {
		return repository.ErrStatusTransition
	}
	o.Status = models.OrderStatusSubmitted
	o.ExchangeOrderID = exchangeOrderID
	return nil
}

func (m *MockOrderStore) MarkFilled(ctx context.Context, id string, executedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.find(id)
	if err != nil {
		return err
	}
	if o.Status != models.OrderStatusSubmitted {
		return repository.ErrStatusTransition
	}
	o.Status = models.OrderStatusFilled
	o.ExecutedAt = &executedAt
	return nil
}

func (m *MockOrderStore) MarkCancelled(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.find(id)
	if err != nil {
		return err
	}
	if o.Status != models.OrderStatusSubmitted {
		return repository.ErrStatusTransition
	}
	o.Status = models.OrderStatusCancelled
	return nil
}

func (m *MockOrderStore) MarkRejected(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.find(id)
	if err != nil {
		return err
	}
	if models.IsTerminalOrderStatus(o.Status) {
		return repository.ErrStatusTransition
	}
	o.Status = models.OrderStatusRejected
	o.RejectReason = reason
	return nil
}

func (m *MockOrderStore) MarkFailed(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.find(id)
	if err != nil {
		return err
	}
	if models.IsTerminalOrderStatus(o.Status) {
		return repository.ErrStatusTransition
	}
	o.Status = models.OrderStatusFailed
	o.RejectReason = reason
	return nil
}

// ============ Mock DispatchStore ============

type MockDispatchStore struct {
	mu      sync.Mutex
	records map[string]*models.DispatchRecord // по signal_id/user_id
}

func NewMockDispatchStore() *MockDispatchStore {
	return &MockDispatchStore{records: make(map[string]*models.DispatchRecord)}
}

func dispatchKey(signalID string, userID int64) string {
	return signalID + "/" + strconv.FormatInt(userID, 10)
}

func (m *MockDispatchStore) Claim(ctx context.Context, signalID string, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dispatchKey(signalID, userID)
	if _, exists := m.records[key]; exists {
		return false, nil
	}
	m.records[key] = &models.DispatchRecord{
		SignalID:    signalID,
		UserID:      userID,
		AttemptedAt: time.Now(),
		Result:      models.DispatchResultFailed,
	}
	return true, nil
}

func (m *MockDispatchStore) Finish(ctx context.Context, signalID string, userID int64, result string, orderID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[dispatchKey(signalID, userID)]
	if !ok {
		return repository.ErrOrderNotFound
	}
	rec.Result = result
	rec.OrderID = orderID
	return nil
}

func (m *MockDispatchStore) Get(signalID string, userID int64) *models.DispatchRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[dispatchKey(signalID, userID)]
}

func (m *MockDispatchStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// ============ Mock CredentialSource ============

type MockCredentialSource struct {
	mu    sync.Mutex
	creds []*models.Credential
}

func (m *MockCredentialSource) GetEligible(ctx context.Context, exch, env string) ([]*models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*models.Credential
	for _, c := range m.creds {
		if c.IsActive && c.ValidationStatus == models.ValidationValid &&
			c.Exchange == exch && c.Environment == env {
			result = append(result, c)
		}
	}
	return result, nil
}

// ============ Mock BalanceSource ============

type MockBalanceSource struct {
	totals map[int64]float64
}

func (m *MockBalanceSource) TotalUSD(ctx context.Context, userID int64) (float64, error) {
	return m.totals[userID], nil
}

// ============ Mock Decrypter ============

// plainDecrypter отдаёт "зашифрованные" поля как есть
type plainDecrypter struct{}

func (plainDecrypter) Decrypt(cred *models.Credential) (string, string, error) {
	return cred.APIKey, cred.APISecret, nil
}

// ============ Fake Exchange Client ============

type fakeClient struct {
	mu         sync.Mutex
	placeCalls int
	placeErrs  []error // ошибки первых N вызовов, дальше успех
	orderState *exchange.OrderState
	queryErr   error
	cancelErr  error
}

func (f *fakeClient) Name() string        { return "bybit" }
func (f *fakeClient) Environment() string { return models.EnvMainnet }

func (f *fakeClient) ServerTime(ctx context.Context) (time.Time, error) {
	return time.Now(), nil
}

func (f *fakeClient) KeyInfo(ctx context.Context) (*exchange.KeyInfo, error) {
	return &exchange.KeyInfo{CanRead: true, CanTrade: true, UnifiedTrade: true}, nil
}

func (f *fakeClient) Balances(ctx context.Context) ([]exchange.AssetBalance, error) {
	return nil, nil
}

func (f *fakeClient) PlaceOrder(ctx context.Context, params *exchange.OrderParams) (*exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := f.placeCalls
	f.placeCalls++
	if call < len(f.placeErrs) && f.placeErrs[call] != nil {
		return nil, f.placeErrs[call]
	}
	return &exchange.OrderAck{
		ExchangeOrderID: "ex-1",
		ClientOrderID:   params.ClientOrderID,
		SubmittedAt:     time.Now(),
	}, nil
}

func (f *fakeClient) QueryOrder(ctx context.Context, symbol, clientOrderID string) (*exchange.OrderState, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if f.orderState != nil {
		return f.orderState, nil
	}
	return &exchange.OrderState{Status: exchange.RemoteStatusNew}, nil
}

func (f *fakeClient) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	return f.cancelErr
}

func (f *fakeClient) PlaceCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placeCalls
}
