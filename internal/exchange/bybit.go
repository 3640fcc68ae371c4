package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketbot/internal/models"
)

const (
	bybitMainnetURL = "https://api.bybit.com"
	bybitTestnetURL = "https://api-testnet.bybit.com"
	bybitRecvWindow = "5000"
)

// Bybit реализует интерфейс Client для Bybit API v5.
// Подпись v5: HMAC-SHA256 от конкатенации timestamp + apiKey + recvWindow + payload,
// где payload - query string для GET и JSON тело для POST.
type Bybit struct {
	apiKey    string
	secretKey string
	baseURL   string
	env       string

	httpClient *http.Client
	clock      serverClock
}

// NewBybit создаёт клиент Bybit для заданного окружения
func NewBybit(apiKey, secretKey, environment string) *Bybit {
	baseURL := bybitMainnetURL
	if environment == models.EnvTestnet {
		baseURL = bybitTestnetURL
	}
	return &Bybit{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		env:        environment,
		httpClient: GetGlobalHTTPClient(),
	}
}

func (b *Bybit) Name() string {
	return "bybit"
}

func (b *Bybit) Environment() string {
	return b.env
}

// sign создаёт подпись запроса для Bybit API v5
func (b *Bybit) sign(timestamp, payload string) string {
	message := timestamp + b.apiKey + bybitRecvWindow + payload
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest выполняет HTTP запрос к Bybit API
func (b *Bybit) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	do := func() ([]byte, error) {
		return b.doRequestOnce(ctx, method, endpoint, params, signed)
	}

	body, err := do()
	if err != nil && signed && IsClockSkew(err) {
		return resyncAndRetry(ctx, &b.clock, b.ServerTime, do, err)
	}
	return body, err
}

func (b *Bybit) doRequestOnce(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	var reqBody string
	var reqURL string
	var signPayload string

	if method == http.MethodGet {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		signPayload = query.Encode()
		if signPayload != "" {
			reqURL = b.baseURL + endpoint + "?" + signPayload
		} else {
			reqURL = b.baseURL + endpoint
		}
	} else {
		reqURL = b.baseURL + endpoint
		if len(params) > 0 {
			jsonBytes, err := json.Marshal(params)
			if err != nil {
				return nil, err
			}
			reqBody = string(jsonBytes)
		}
		signPayload = reqBody
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(reqBody))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	if signed {
		timestamp := b.clock.NowString()
		signature := b.sign(timestamp, signPayload)

		req.Header.Set("X-BAPI-API-KEY", b.apiKey)
		req.Header.Set("X-BAPI-SIGN", signature)
		req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
		req.Header.Set("X-BAPI-RECV-WINDOW", bybitRecvWindow)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var baseResp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(body, &baseResp); err != nil {
		return nil, err
	}

	if baseResp.RetCode != 0 {
		return nil, &ExchangeError{
			Exchange: "bybit",
			Code:     strconv.Itoa(baseResp.RetCode),
			HTTPCode: resp.StatusCode,
			Message:  baseResp.RetMsg,
		}
	}

	return body, nil
}

func (b *Bybit) ServerTime(ctx context.Context) (time.Time, error) {
	body, err := b.doRequestOnce(ctx, http.MethodGet, "/v5/market/time", nil, false)
	if err != nil {
		return time.Time{}, err
	}

	var resp struct {
		Result struct {
			TimeNano string `json:"timeNano"`
		} `json:"result"`
		Time int64 `json:"time"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return time.Time{}, err
	}

	return time.UnixMilli(resp.Time), nil
}

func (b *Bybit) KeyInfo(ctx context.Context) (*KeyInfo, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/v5/user/query-api", nil, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			ReadOnly    int      `json:"readOnly"`
			IPs         []string `json:"ips"`
			Uta         int      `json:"uta"`
			Permissions struct {
				ContractTrade []string `json:"ContractTrade"`
				Wallet        []string `json:"Wallet"`
			} `json:"permissions"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	// "*" означает отсутствие IP-ограничений
	allowlist := resp.Result.IPs
	if len(allowlist) == 1 && allowlist[0] == "*" {
		allowlist = nil
	}

	return &KeyInfo{
		CanRead:      true,
		CanTrade:     len(resp.Result.Permissions.ContractTrade) > 0,
		CanWithdraw:  false, // торговому боту вывод средств не нужен и не проверяется
		IPAllowlist:  allowlist,
		UnifiedTrade: resp.Result.Uta == 1,
	}, nil
}

func (b *Bybit) Balances(ctx context.Context) ([]AssetBalance, error) {
	params := map[string]string{
		"accountType": "UNIFIED",
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Coin []struct {
					Coin          string `json:"coin"`
					WalletBalance string `json:"walletBalance"`
					Locked        string `json:"locked"`
					Equity        string `json:"equity"`
				} `json:"coin"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	balances := make([]AssetBalance, 0)
	for _, acct := range resp.Result.List {
		for _, coin := range acct.Coin {
			total, _ := strconv.ParseFloat(coin.WalletBalance, 64)
			locked, _ := strconv.ParseFloat(coin.Locked, 64)
			if total == 0 {
				continue
			}
			balances = append(balances, AssetBalance{
				Asset:       coin.Coin,
				AccountType: models.AccountTypeUnified,
				Free:        total - locked,
				Locked:      locked,
				Total:       total,
			})
		}
	}

	return balances, nil
}

func (b *Bybit) PlaceOrder(ctx context.Context, p *OrderParams) (*OrderAck, error) {
	side := "Buy"
	if p.Side == models.SideShort {
		side = "Sell"
	}

	params := map[string]string{
		"category":    "linear",
		"symbol":      p.Symbol,
		"side":        side,
		"orderType":   "Market",
		"qty":         strconv.FormatFloat(p.Quantity, 'f', -1, 64),
		"timeInForce": "IOC",
		"orderLinkId": p.ClientOrderID,
	}
	if p.StopLoss > 0 {
		params["stopLoss"] = strconv.FormatFloat(p.StopLoss, 'f', -1, 64)
	}
	if p.TakeProfit > 0 {
		params["takeProfit"] = strconv.FormatFloat(p.TakeProfit, 'f', -1, 64)
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/v5/order/create", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			OrderId     string `json:"orderId"`
			OrderLinkId string `json:"orderLinkId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	return &OrderAck{
		ExchangeOrderID: resp.Result.OrderId,
		ClientOrderID:   resp.Result.OrderLinkId,
		SubmittedAt:     time.Now(),
	}, nil
}

func (b *Bybit) QueryOrder(ctx context.Context, symbol, clientOrderID string) (*OrderState, error) {
	params := map[string]string{
		"category":    "linear",
		"symbol":      symbol,
		"orderLinkId": clientOrderID,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/v5/order/realtime", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				OrderId     string `json:"orderId"`
				OrderLinkId string `json:"orderLinkId"`
				OrderStatus string `json:"orderStatus"`
				CumExecQty  string `json:"cumExecQty"`
				AvgPrice    string `json:"avgPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	if len(resp.Result.List) == 0 {
		return nil, fmt.Errorf("order %s not found on bybit", clientOrderID)
	}

	o := resp.Result.List[0]
	filledQty, _ := strconv.ParseFloat(o.CumExecQty, 64)
	avgPrice, _ := strconv.ParseFloat(o.AvgPrice, 64)

	return &OrderState{
		ExchangeOrderID: o.OrderId,
		ClientOrderID:   o.OrderLinkId,
		Status:          normalizeBybitStatus(o.OrderStatus),
		FilledQty:       filledQty,
		AvgFillPrice:    avgPrice,
	}, nil
}

func (b *Bybit) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	params := map[string]string{
		"category":    "linear",
		"symbol":      symbol,
		"orderLinkId": clientOrderID,
	}

	_, err := b.doRequest(ctx, http.MethodPost, "/v5/order/cancel", params, true)
	return err
}

// normalizeBybitStatus приводит статус Bybit к нормализованному виду
func normalizeBybitStatus(status string) string {
	switch status {
	case "Filled":
		return RemoteStatusFilled
	case "Cancelled", "Deactivated":
		return RemoteStatusCancelled
	case "Rejected":
		return RemoteStatusRejected
	default:
		// New, PartiallyFilled, Untriggered
		return RemoteStatusNew
	}
}
