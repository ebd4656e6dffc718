package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionState is the lifecycle state of a monitored position.
type PositionState string

const (
	PositionOpenUnsettled PositionState = "OPEN_UNSETTLED"
	PositionOpenSettled   PositionState = "OPEN_SETTLED"
	PositionExiting       PositionState = "EXITING"
	PositionClosed        PositionState = "CLOSED"
)

// ExitReason names the rule that closed a position.
type ExitReason string

const (
	ExitTakeProfit   ExitReason = "TAKE_PROFIT"
	ExitTrailingStop ExitReason = "TRAILING_STOP"
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitManual       ExitReason = "MANUAL"
)

// Position is the scheduler's monitoring view of a filled buy.
type Position struct {
	Symbol            string
	Quantity          int64
	AvgPrice          decimal.Decimal
	EntryDate         time.Time
	CurrentPrice      decimal.Decimal
	PeakPrice         decimal.Decimal
	TrailingStopPrice decimal.Decimal
	TakeProfitPct     float64 // e.g. 0.15
	TrailingStopPct   float64 // e.g. 0.05
	StopLossPct       float64 // negative, e.g. -0.05
	UnrealizedPnL     decimal.Decimal
	UnrealizedPct     float64
	TradingDaysHeld   int
	CanSell           bool
	State             PositionState
	ExitReason        ExitReason
	VerdictID         string
	Attribution       map[string]Action
	LastUpdated       time.Time
}

// NewPosition builds a freshly filled position with the peak at the entry
// price and the trailing stop one trailing distance below it.
func NewPosition(symbol string, qty int64, avgPrice decimal.Decimal, entry time.Time, tp, trail, sl float64) *Position {
	return &Position{
		Symbol:            symbol,
		Quantity:          qty,
		AvgPrice:          avgPrice,
		EntryDate:         entry,
		CurrentPrice:      avgPrice,
		PeakPrice:         avgPrice,
		TrailingStopPrice: trailingFrom(avgPrice, trail),
		TakeProfitPct:     tp,
		TrailingStopPct:   trail,
		StopLossPct:       sl,
		State:             PositionOpenUnsettled,
		UnrealizedPnL:     decimal.Zero,
		LastUpdated:       entry,
	}
}

func trailingFrom(peak decimal.Decimal, pct float64) decimal.Decimal {
	return peak.Mul(decimal.NewFromFloat(1 - pct))
}

// Mark applies a new observed price. Peak and trailing stop only ratchet up.
func (p *Position) Mark(price decimal.Decimal, at time.Time) {
	p.CurrentPrice = price
	p.LastUpdated = at
	if price.GreaterThan(p.PeakPrice) {
		p.PeakPrice = price
	}
	if ts := trailingFrom(p.PeakPrice, p.TrailingStopPct); ts.GreaterThan(p.TrailingStopPrice) {
		p.TrailingStopPrice = ts
	}
	qty := decimal.NewFromInt(p.Quantity)
	p.UnrealizedPnL = price.Sub(p.AvgPrice).Mul(qty)
	if p.AvgPrice.IsPositive() {
		p.UnrealizedPct, _ = price.Sub(p.AvgPrice).Div(p.AvgPrice).Float64()
	}
}

// SetTradingDays records the settlement counter and derives CanSell.
func (p *Position) SetTradingDays(days, settlement int) {
	p.TradingDaysHeld = days
	p.CanSell = days >= settlement
	if p.State == PositionOpenUnsettled && p.CanSell {
		p.State = PositionOpenSettled
	}
}

// ExitDue returns the first exit rule that fires: take-profit, then
// trailing stop, then stop-loss. It never fires while the position is
// unsettled.
func (p *Position) ExitDue() (ExitReason, bool) {
	if !p.CanSell {
		return "", false
	}
	switch {
	case p.UnrealizedPct >= p.TakeProfitPct:
		return ExitTakeProfit, true
	case p.CurrentPrice.LessThanOrEqual(p.TrailingStopPrice):
		return ExitTrailingStop, true
	case p.UnrealizedPct <= p.StopLossPct:
		return ExitStopLoss, true
	}
	return "", false
}

// Clone returns a deep copy safe to hand to callers.
func (p *Position) Clone() *Position {
	cp := *p
	if p.Attribution != nil {
		cp.Attribution = make(map[string]Action, len(p.Attribution))
		for k, v := range p.Attribution {
			cp.Attribution[k] = v
		}
	}
	return &cp
}
