package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"marketbot/internal/models"
)

const (
	binanceMainnetURL = "https://fapi.binance.com"
	binanceTestnetURL = "https://testnet.binancefuture.com"
	binanceRecvWindow = "5000"
)

// Binance реализует интерфейс Client для Binance Futures API.
// Подпись: HMAC-SHA256 от канонической query string (включая timestamp),
// результат добавляется параметром signature, ключ - заголовком X-MBX-APIKEY.
type Binance struct {
	apiKey    string
	secretKey string
	baseURL   string
	env       string

	httpClient *http.Client
	clock      serverClock
}

// NewBinance создаёт клиент Binance Futures для заданного окружения
func NewBinance(apiKey, secretKey, environment string) *Binance {
	baseURL := binanceMainnetURL
	if environment == models.EnvTestnet {
		baseURL = binanceTestnetURL
	}
	return &Binance{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		env:        environment,
		httpClient: GetGlobalHTTPClient(),
	}
}

func (b *Binance) Name() string {
	return "binance"
}

func (b *Binance) Environment() string {
	return b.env
}

// sign создаёт подпись канонической query string
func (b *Binance) sign(queryString string) string {
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(queryString))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *Binance) doRequest(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	do := func() ([]byte, error) {
		return b.doRequestOnce(ctx, method, endpoint, params, signed)
	}

	body, err := do()
	if err != nil && signed && IsClockSkew(err) {
		return resyncAndRetry(ctx, &b.clock, b.ServerTime, do, err)
	}
	return body, err
}

func (b *Binance) doRequestOnce(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}

	// url.Values.Encode() сортирует ключи - строка подписи канонична
	queryStr := query.Encode()
	if signed {
		query.Set("timestamp", b.clock.NowString())
		query.Set("recvWindow", binanceRecvWindow)

		queryStr = query.Encode()
		// Подпись считается по строке без signature и добавляется последней
		queryStr += "&signature=" + b.sign(queryStr)
	}

	var reqBody string
	reqURL := b.baseURL + endpoint
	if method == http.MethodGet || method == http.MethodDelete {
		if queryStr != "" {
			reqURL += "?" + queryStr
		}
	} else {
		reqBody = queryStr
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, strings.NewReader(reqBody))
	if err != nil {
		return nil, err
	}

	if reqBody != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", b.apiKey)
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

	// Binance кладёт код ошибки в тело только при сбое
	if resp.StatusCode >= 400 {
		var errResp struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if err := json.Unmarshal(body, &errResp); err != nil {
			return nil, &ExchangeError{
				Exchange: "binance",
				Code:     strconv.Itoa(resp.StatusCode),
				HTTPCode: resp.StatusCode,
				Message:  string(body),
			}
		}
		return nil, &ExchangeError{
			Exchange: "binance",
			Code:     strconv.Itoa(errResp.Code),
			HTTPCode: resp.StatusCode,
			Message:  errResp.Msg,
		}
	}

	return body, nil
}

func (b *Binance) ServerTime(ctx context.Context) (time.Time, error) {
	body, err := b.doRequestOnce(ctx, http.MethodGet, "/fapi/v1/time", nil, false)
	if err != nil {
		return time.Time{}, err
	}

	var resp struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return time.Time{}, err
	}

	return time.UnixMilli(resp.ServerTime), nil
}

func (b *Binance) KeyInfo(ctx context.Context) (*KeyInfo, error) {
	// Futures API не отдаёт метаданные ключа напрямую, права выводятся
	// из ответа аккаунта: успешное чтение = CanRead, canTrade из флага
	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v2/account", nil, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		CanTrade          bool `json:"canTrade"`
		CanDeposit        bool `json:"canDeposit"`
		CanWithdraw       bool `json:"canWithdraw"`
		MultiAssetsMargin bool `json:"multiAssetsMargin"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	return &KeyInfo{
		CanRead:      true,
		CanTrade:     resp.CanTrade,
		CanWithdraw:  resp.CanWithdraw,
		UnifiedTrade: resp.MultiAssetsMargin,
	}, nil
}

func (b *Binance) Balances(ctx context.Context) ([]AssetBalance, error) {
	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v2/balance", nil, true)
	if err != nil {
		return nil, err
	}

	var resp []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	balances := make([]AssetBalance, 0, len(resp))
	for _, entry := range resp {
		total, _ := strconv.ParseFloat(entry.Balance, 64)
		free, _ := strconv.ParseFloat(entry.AvailableBalance, 64)
		if total == 0 {
			continue
		}
		balances = append(balances, AssetBalance{
			Asset:       entry.Asset,
			AccountType: models.AccountTypeFutures,
			Free:        free,
			Locked:      total - free,
			Total:       total,
		})
	}

	return balances, nil
}

func (b *Binance) PlaceOrder(ctx context.Context, p *OrderParams) (*OrderAck, error) {
	side := "BUY"
	if p.Side == models.SideShort {
		side = "SELL"
	}

	params := map[string]string{
		"symbol":           p.Symbol,
		"side":             side,
		"type":             "MARKET",
		"quantity":         strconv.FormatFloat(p.Quantity, 'f', -1, 64),
		"newClientOrderId": p.ClientOrderID,
	}

	body, err := b.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		OrderId       int64  `json:"orderId"`
		ClientOrderId string `json:"clientOrderId"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	ack := &OrderAck{
		ExchangeOrderID: strconv.FormatInt(resp.OrderId, 10),
		ClientOrderID:   resp.ClientOrderId,
		SubmittedAt:     time.Now(),
	}

	// Защитные ордера выставляются отдельными запросами: Binance Futures
	// не принимает SL/TP в теле основного ордера. Сбой защитной ноги
	// возвращается с ack внутри: позиция уже открыта, это не отказ отправки.
	if p.StopLoss > 0 {
		if err := b.placeProtective(ctx, p, "STOP_MARKET", p.StopLoss); err != nil {
			return ack, &ProtectiveLegError{Ack: ack, Leg: "stop_loss", Err: err}
		}
	}
	if p.TakeProfit > 0 {
		if err := b.placeProtective(ctx, p, "TAKE_PROFIT_MARKET", p.TakeProfit); err != nil {
			return ack, &ProtectiveLegError{Ack: ack, Leg: "take_profit", Err: err}
		}
	}

	return ack, nil
}

// placeProtective выставляет закрывающий стоп-ордер противоположной стороной
func (b *Binance) placeProtective(ctx context.Context, p *OrderParams, orderType string, stopPrice float64) error {
	side := "SELL"
	if p.Side == models.SideShort {
		side = "BUY"
	}

	params := map[string]string{
		"symbol":        p.Symbol,
		"side":          side,
		"type":          orderType,
		"stopPrice":     strconv.FormatFloat(stopPrice, 'f', -1, 64),
		"closePosition": "true",
	}

	_, err := b.doRequest(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	return err
}

func (b *Binance) QueryOrder(ctx context.Context, symbol, clientOrderID string) (*OrderState, error) {
	params := map[string]string{
		"symbol":            symbol,
		"origClientOrderId": clientOrderID,
	}

	body, err := b.doRequest(ctx, http.MethodGet, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}

	var resp struct {
		OrderId       int64  `json:"orderId"`
		ClientOrderId string `json:"clientOrderId"`
		Status        string `json:"status"`
		ExecutedQty   string `json:"executedQty"`
		AvgPrice      string `json:"avgPrice"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	filledQty, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	avgPrice, _ := strconv.ParseFloat(resp.AvgPrice, 64)

	return &OrderState{
		ExchangeOrderID: strconv.FormatInt(resp.OrderId, 10),
		ClientOrderID:   resp.ClientOrderId,
		Status:          normalizeBinanceStatus(resp.Status),
		FilledQty:       filledQty,
		AvgFillPrice:    avgPrice,
	}, nil
}

func (b *Binance) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	params := map[string]string{
		"symbol":            symbol,
		"origClientOrderId": clientOrderID,
	}

	_, err := b.doRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
	return err
}

// normalizeBinanceStatus приводит статус Binance к нормализованному виду
func normalizeBinanceStatus(status string) string {
	switch status {
	case "FILLED":
		return RemoteStatusFilled
	case "CANCELED", "EXPIRED":
		return RemoteStatusCancelled
	case "REJECTED":
		return RemoteStatusRejected
	default:
		// NEW, PARTIALLY_FILLED
		return RemoteStatusNew
	}
}
