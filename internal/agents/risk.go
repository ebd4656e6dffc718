package agents

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"vn-autotrader/internal/broker"
	"vn-autotrader/internal/errors"
	"vn-autotrader/internal/models"
)

// RiskLimits holds the rules the risk gate enforces.
type RiskLimits struct {
	MaxOpenPositions int
	MaxPositionPct   float64 // share of NAV per position
	MaxVolatilityPct float64 // ATR / price
	DailyLossLimit   float64 // share of NAV
	BandMarginPct    float64 // distance to ceiling/floor that blocks entries
	StopLossATR      float64
	TakeProfitATR    float64
}

// DefaultRiskLimits returns the default risk limits.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxOpenPositions: 10,
		MaxPositionPct:   0.12,
		MaxVolatilityPct: 0.06,
		DailyLossLimit:   0.03,
		BandMarginPct:    0.01,
		StopLossATR:      2,
		TakeProfitATR:    2.5,
	}
}

// RiskGateAgent is the mandatory gate every verdict passes through. It never
// votes; it vetoes or approves and sizes the position.
type RiskGateAgent struct {
	BaseAgent
	limits RiskLimits
	rules  broker.MarketRules
	fees   broker.FeeSchedule
}

// NewRiskGateAgent creates the risk gate.
func NewRiskGateAgent(limits RiskLimits, rules broker.MarketRules, fees broker.FeeSchedule) *RiskGateAgent {
	if rules.LotSize <= 0 {
		rules = broker.DefaultMarketRules()
	}
	return &RiskGateAgent{
		BaseAgent: NewBaseAgent("risk_gate", RoleRisk),
		limits:    limits,
		rules:     rules,
		fees:      fees,
	}
}

// Analyze implements Agent. A veto is a HOLD signal with Veto set; an
// approval is a WATCH signal. The rules in CheckRisk guard entries, so a
// context for a held symbol is never vetoed.
func (a *RiskGateAgent) Analyze(ctx context.Context, sc SignalContext) (models.Signal, error) {
	if sc.Price <= 0 {
		return models.Signal{}, errors.NewAgentError(a.Name(), "analyze", fmt.Errorf("%w: no price for %s", errors.ErrDataNotFound, sc.Symbol))
	}

	violations := a.CheckRisk(sc)
	qty := a.PositionSize(sc)

	var sig models.Signal
	switch {
	case len(violations) > 0 && sc.Portfolio.HoldsSymbol:
		// Entry rules never block selling what is already held.
		sig = a.CreateSignal(sc.Symbol, models.ActionWatch, 70,
			"holding, exit allowed; entry blocked: "+strings.Join(violations, "; "))
		sig.Violations = violations
	case len(violations) > 0:
		sig = a.CreateSignal(sc.Symbol, models.ActionHold, math.Min(100, 60+10*float64(len(violations))),
			"veto: "+strings.Join(violations, "; "))
		sig.Veto = true
		sig.Violations = violations
	default:
		sig = a.CreateSignal(sc.Symbol, models.ActionWatch, 90,
			fmt.Sprintf("all risk checks passed, size %d", qty))
	}
	sig.SuggestedQuantity = qty
	sig.StopLoss, sig.TakeProfit = tradeLevels(sc.Price, sc.atr(), a.limits.StopLossATR, a.limits.TakeProfitATR, true)
	return sig, nil
}

// CheckRisk returns every rule the context violates.
func (a *RiskGateAgent) CheckRisk(sc SignalContext) []string {
	var violations []string
	p := sc.Portfolio
	price := decimal.NewFromFloat(sc.Price)

	if a.limits.MaxOpenPositions > 0 && !p.HoldsSymbol && p.OpenPositions >= a.limits.MaxOpenPositions {
		violations = append(violations, errors.NewRiskError("max_open_positions",
			float64(p.OpenPositions), float64(a.limits.MaxOpenPositions), "too many open positions").Error())
	}

	oneLot := a.fees.BuyCost(a.rules.LotSize, price)
	if cash := decimal.NewFromFloat(p.Cash); cash.LessThan(oneLot) {
		violations = append(violations, errors.NewRiskError("min_cash",
			p.Cash, floatOf(oneLot), "cash below one lot").Error())
	}

	if a.limits.MaxVolatilityPct > 0 {
		if vol := sc.atr() / sc.Price; vol > a.limits.MaxVolatilityPct {
			violations = append(violations, errors.NewRiskError("volatility",
				vol, a.limits.MaxVolatilityPct, "ATR too large relative to price").Error())
		}
	}

	if a.limits.DailyLossLimit > 0 && p.NAV > 0 && p.DailyPnL < 0 {
		if loss := -p.DailyPnL / p.NAV; loss >= a.limits.DailyLossLimit {
			violations = append(violations, errors.NewRiskError("daily_loss",
				loss, a.limits.DailyLossLimit, "daily loss limit reached").Error())
		}
	}

	if sc.ReferencePrice > 0 {
		ref := decimal.NewFromFloat(sc.ReferencePrice)
		ceiling := floatOf(a.rules.Ceiling(ref))
		floor := floatOf(a.rules.Floor(ref))
		switch {
		case sc.Price >= ceiling*(1-a.limits.BandMarginPct):
			violations = append(violations, errors.NewRiskError("near_ceiling",
				sc.Price, ceiling, "price at the ceiling").Error())
		case sc.Price <= floor*(1+a.limits.BandMarginPct):
			violations = append(violations, errors.NewRiskError("near_floor",
				sc.Price, floor, "price at the floor").Error())
		}
	}

	return violations
}

// PositionSize returns a lot-rounded quantity worth at most MaxPositionPct
// of NAV whose all-in cost fits in cash.
func (a *RiskGateAgent) PositionSize(sc SignalContext) int64 {
	p := sc.Portfolio
	if sc.Price <= 0 || p.Cash <= 0 {
		return 0
	}
	budget := p.Cash
	if p.NAV > 0 && a.limits.MaxPositionPct > 0 {
		budget = math.Min(budget, p.NAV*a.limits.MaxPositionPct)
	}

	price := decimal.NewFromFloat(sc.Price)
	lot := a.rules.LotSize
	perShare := floatOf(a.fees.BuyCost(1, price))
	if perShare <= 0 {
		return 0
	}
	qty := int64(budget/perShare) / lot * lot

	cash := decimal.NewFromFloat(p.Cash)
	for qty > 0 && a.fees.BuyCost(qty, price).GreaterThan(cash) {
		qty -= lot
	}
	return qty
}

func floatOf(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
