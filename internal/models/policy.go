package models

// UserPolicy - риск-политика, применяемая OrderSafetyGate к ордеру
//
// Политика собирается из глобальных настроек с пер-пользовательскими
// переопределениями и передаётся в gate как значение: gate остаётся
// чистой функцией без обращений к хранилищу.
type UserPolicy struct {
	// AllowedSymbols - множество торгуемых символов; пустое = ничего не разрешено
	AllowedSymbols []string `json:"allowed_symbols"`

	// Границы номинала ордера в USD
	MinNotional float64 `json:"min_notional"`
	MaxNotional float64 `json:"max_notional"`

	// Максимальное плечо пользователя
	MaxLeverage int `json:"max_leverage"`

	// Максимум одновременно открытых позиций
	MaxOpenPositions int `json:"max_open_positions"`

	// Множители для производных SL/TP от цены входа
	// (long: SL = price*(1-SL), TP = price*(1+TP); short - зеркально)
	StopLossPct   float64 `json:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`
}

// SymbolAllowed проверяет вхождение символа в разрешённое множество
func (p *UserPolicy) SymbolAllowed(symbol string) bool {
	for _, s := range p.AllowedSymbols {
		if s == symbol {
			return true
		}
	}
	return false
}
