package dispatch

import (
	"fmt"

	"marketbot/internal/models"
	"marketbot/pkg/utils"
)

// Причины отказа OrderSafetyGate
//
// Каждая проверка даёт свою причину: оператор по коду отказа видит,
// какое именно правило не прошло, без разбора общего текста ошибки.
const (
	ReasonSymbolNotAllowed    = "SYMBOL_NOT_ALLOWED"
	ReasonNotionalTooSmall    = "NOTIONAL_TOO_SMALL"
	ReasonNotionalTooLarge    = "NOTIONAL_TOO_LARGE"
	ReasonLeverageExceeded    = "LEVERAGE_EXCEEDED"
	ReasonInvalidStopLoss     = "INVALID_STOP_LOSS"
	ReasonInvalidTakeProfit   = "INVALID_TAKE_PROFIT"
	ReasonMaxPositionsReached = "MAX_POSITIONS_REACHED"
	ReasonInsufficientBalance = "INSUFFICIENT_BALANCE"
	ReasonInvalidRequest      = "INVALID_REQUEST"
)

// Rejection - отказ gate'а с конкретной причиной
type Rejection struct {
	Reason string
	Detail string
}

func (r *Rejection) Error() string {
	return r.Reason + ": " + r.Detail
}

// AccountState - состояние аккаунта пользователя на момент проверки.
// Собирается диспетчером из последних строк balances и открытых ордеров;
// сам gate хранилище не читает.
type AccountState struct {
	OpenPositions int
	AvailableUSD  float64
}

// ApproveOrder - чистая проверка запроса против риск-политики пользователя.
//
// Все проверки должны пройти; первая провалившаяся даёт конкретный отказ.
// При успехе возвращается полностью заполненный черновик ордера: SL/TP,
// отсутствующие в запросе, детерминированно выводятся из множителей
// политики - молча пропустить ордер без защитных уровней нельзя.
// Побочных эффектов нет.
func ApproveOrder(req *models.OrderRequest, policy *models.UserPolicy, account AccountState) (*models.Order, *Rejection) {
	if err := utils.ValidateSymbol(req.Symbol); err != nil {
		return nil, &Rejection{ReasonInvalidRequest, err.Error()}
	}
	if err := utils.ValidateSide(req.Side); err != nil {
		return nil, &Rejection{ReasonInvalidRequest, err.Error()}
	}
	if err := utils.ValidateQuantity(req.Quantity); err != nil {
		return nil, &Rejection{ReasonInvalidRequest, err.Error()}
	}
	if err := utils.ValidatePrice(req.Price); err != nil {
		return nil, &Rejection{ReasonInvalidRequest, err.Error()}
	}

	if !policy.SymbolAllowed(req.Symbol) {
		return nil, &Rejection{ReasonSymbolNotAllowed,
			fmt.Sprintf("symbol %s is not in the allowed set", req.Symbol)}
	}

	notional := utils.Notional(req.Quantity, req.Price)
	if notional < policy.MinNotional {
		return nil, &Rejection{ReasonNotionalTooSmall,
			fmt.Sprintf("notional %.2f below minimum %.2f", notional, policy.MinNotional)}
	}
	if notional > policy.MaxNotional {
		return nil, &Rejection{ReasonNotionalTooLarge,
			fmt.Sprintf("notional %.2f above maximum %.2f", notional, policy.MaxNotional)}
	}

	if req.Leverage > policy.MaxLeverage {
		return nil, &Rejection{ReasonLeverageExceeded,
			fmt.Sprintf("leverage %d exceeds policy maximum %d", req.Leverage, policy.MaxLeverage)}
	}

	stopLoss, takeProfit := req.StopLoss, req.TakeProfit
	if stopLoss == 0 {
		stopLoss = deriveStopLoss(req.Side, req.Price, policy)
	}
	if takeProfit == 0 {
		takeProfit = deriveTakeProfit(req.Side, req.Price, policy)
	}

	if !stopLossValid(req.Side, req.Price, stopLoss) {
		return nil, &Rejection{ReasonInvalidStopLoss,
			fmt.Sprintf("stop loss %.2f on the wrong side of price %.2f for %s", stopLoss, req.Price, req.Side)}
	}
	if !takeProfitValid(req.Side, req.Price, takeProfit) {
		return nil, &Rejection{ReasonInvalidTakeProfit,
			fmt.Sprintf("take profit %.2f on the wrong side of price %.2f for %s", takeProfit, req.Price, req.Side)}
	}

	if account.OpenPositions >= policy.MaxOpenPositions {
		return nil, &Rejection{ReasonMaxPositionsReached,
			fmt.Sprintf("user has %d open positions, cap is %d", account.OpenPositions, policy.MaxOpenPositions)}
	}

	margin := utils.RequiredMargin(notional, req.Leverage)
	if margin > account.AvailableUSD {
		return nil, &Rejection{ReasonInsufficientBalance,
			fmt.Sprintf("required margin %.2f exceeds available balance %.2f", margin, account.AvailableUSD)}
	}

	order := &models.Order{
		SignalID:    req.SignalID,
		UserID:      req.UserID,
		Exchange:    req.Exchange,
		Environment: req.Environment,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Quantity:    req.Quantity,
		Price:       req.Price,
		StopLoss:    stopLoss,
		TakeProfit:  takeProfit,
		Leverage:    req.Leverage,
		Status:      models.OrderStatusPending,
	}

	return order, nil
}

// deriveStopLoss выводит SL из множителя политики: long - ниже входа,
// short - выше. Явно заданная в запросе нога не перевычисляется.
func deriveStopLoss(side string, price float64, policy *models.UserPolicy) float64 {
	switch side {
	case models.SideLong:
		return price * (1 - policy.StopLossPct)
	case models.SideShort:
		return price * (1 + policy.StopLossPct)
	}
	return 0
}

// deriveTakeProfit выводит TP из множителя политики: long - выше входа,
// short - ниже
func deriveTakeProfit(side string, price float64, policy *models.UserPolicy) float64 {
	switch side {
	case models.SideLong:
		return price * (1 + policy.TakeProfitPct)
	case models.SideShort:
		return price * (1 - policy.TakeProfitPct)
	}
	return 0
}

func stopLossValid(side string, price, stopLoss float64) bool {
	if stopLoss <= 0 {
		return false
	}
	switch side {
	case models.SideLong:
		return stopLoss < price
	case models.SideShort:
		return stopLoss > price
	}
	return false
}

func takeProfitValid(side string, price, takeProfit float64) bool {
	if takeProfit <= 0 {
		return false
	}
	switch side {
	case models.SideLong:
		return takeProfit > price
	case models.SideShort:
		return takeProfit < price
	}
	return false
}
