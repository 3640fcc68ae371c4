package exchange

import (
	"context"
	"time"
)

// Client определяет унифицированный интерфейс для работы с любой биржей.
// Все запросы подписываются схемой конкретной биржи; выбор testnet/mainnet
// происходит при создании клиента и менять его на лету нельзя.
type Client interface {
	// Name возвращает имя биржи
	Name() string

	// Environment возвращает окружение клиента (testnet или mainnet)
	Environment() string

	// ServerTime получает текущее время сервера биржи
	ServerTime(ctx context.Context) (time.Time, error)

	// KeyInfo получает сведения об API ключе: права, IP-ограничения, режим аккаунта
	KeyInfo(ctx context.Context) (*KeyInfo, error)

	// Balances получает балансы деривативного аккаунта по всем активам
	Balances(ctx context.Context) ([]AssetBalance, error)

	// PlaceOrder выставляет ордер с защитными SL/TP
	PlaceOrder(ctx context.Context, params *OrderParams) (*OrderAck, error)

	// QueryOrder запрашивает текущее состояние ордера по клиентскому ID
	QueryOrder(ctx context.Context, symbol, clientOrderID string) (*OrderState, error)

	// CancelOrder отменяет ордер по клиентскому ID
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
}

// KeyInfo содержит сведения об API ключе, возвращаемые биржей
type KeyInfo struct {
	CanRead      bool     `json:"can_read"`
	CanTrade     bool     `json:"can_trade"`
	CanWithdraw  bool     `json:"can_withdraw"`
	IPAllowlist  []string `json:"ip_allowlist,omitempty"` // пусто = без ограничений
	UnifiedTrade bool     `json:"unified_trade"`          // единый торговый аккаунт
}

// AssetBalance - баланс одного актива на бирже
type AssetBalance struct {
	Asset       string  `json:"asset"`
	AccountType string  `json:"account_type"`
	Free        float64 `json:"free"`
	Locked      float64 `json:"locked"`
	Total       float64 `json:"total"`
}

// OrderParams - параметры выставляемого ордера
type OrderParams struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // LONG или SHORT
	Quantity      float64 `json:"quantity"`
	Price         float64 `json:"price"`
	Leverage      int     `json:"leverage"`
	StopLoss      float64 `json:"stop_loss"`
	TakeProfit    float64 `json:"take_profit"`
	ClientOrderID string  `json:"client_order_id"`
}

// OrderAck - подтверждение приёма ордера биржей
type OrderAck struct {
	ExchangeOrderID string    `json:"exchange_order_id"`
	ClientOrderID   string    `json:"client_order_id"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

// Нормализованные статусы ордера на стороне биржи
const (
	RemoteStatusNew       = "NEW"
	RemoteStatusFilled    = "FILLED"
	RemoteStatusCancelled = "CANCELLED"
	RemoteStatusRejected  = "REJECTED"
)

// OrderState - состояние ордера на бирже
type OrderState struct {
	ExchangeOrderID string  `json:"exchange_order_id"`
	ClientOrderID   string  `json:"client_order_id"`
	Status          string  `json:"status"` // нормализованный RemoteStatus*
	FilledQty       float64 `json:"filled_qty"`
	AvgFillPrice    float64 `json:"avg_fill_price"`
}
