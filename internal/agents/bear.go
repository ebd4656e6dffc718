package agents

import (
	"context"
	"fmt"
	"strings"

	"vn-autotrader/internal/errors"
	"vn-autotrader/internal/models"
)

// BearAgent looks for risks: breakdowns, overbought readings, distribution,
// resistance, sell-offs and stretched valuation.
type BearAgent struct {
	BaseAgent
}

// NewBearAgent creates the bearish advisor.
func NewBearAgent() *BearAgent {
	return &BearAgent{BaseAgent: NewBaseAgent("bear", RoleAdvisory)}
}

// Analyze implements Agent. Factors are scored from the buyer's side and the
// result is inverted, so a high confidence means a strong sell case.
func (a *BearAgent) Analyze(ctx context.Context, sc SignalContext) (models.Signal, error) {
	if sc.Price <= 0 {
		return models.Signal{}, errors.NewAgentError(a.Name(), "analyze", fmt.Errorf("%w: no price for %s", errors.ErrDataNotFound, sc.Symbol))
	}

	price := sc.Price
	var warnings []string

	var trend float64
	switch ema20, ema50 := sc.ema20(), sc.ema50(); {
	case price < ema20 && ema20 < ema50:
		trend = 20
		warnings = append(warnings, "death cross: price < EMA20 < EMA50")
	case price < ema20:
		trend = 35
		warnings = append(warnings, "below EMA20")
	case price < ema50:
		trend = 45
	default:
		trend = 70
	}

	var momentum float64
	switch rsi := sc.rsi(); {
	case rsi > 70:
		momentum = 25
		warnings = append(warnings, fmt.Sprintf("RSI %.1f overbought", rsi))
	case rsi > 60:
		momentum = 40
	case rsi < 30:
		momentum = 65
	default:
		momentum = 55
	}
	switch {
	case sc.MACD < sc.MACDSignal && sc.MACDHist < 0:
		momentum = maxf(20, momentum-20)
		warnings = append(warnings, "MACD bearish crossover")
	case sc.MACD < sc.MACDSignal:
		momentum = maxf(30, momentum-10)
	}
	if price > sc.bbUpper() {
		momentum = maxf(25, momentum-10)
		warnings = append(warnings, "overextended above upper band")
	}

	volume := 55.0
	ratio := sc.volumeRatio()
	switch {
	case ratio > 1.5 && sc.ChangePct < 0:
		volume = 25
		warnings = append(warnings, fmt.Sprintf("distribution %.1fx volume on down day", ratio))
	case ratio > 2:
		volume = 40
	}

	levels := 55.0
	toSupport := (price - sc.support()) / price * 100
	toResistance := (sc.resistance() - price) / price * 100
	switch {
	case toResistance < 2:
		levels = 30
		warnings = append(warnings, fmt.Sprintf("pressing resistance %.0f", sc.resistance()))
	case toSupport < 2:
		levels = 35
		warnings = append(warnings, "support breakdown risk")
	}

	var session float64
	switch {
	case sc.ChangePct < -3:
		session = 20
		warnings = append(warnings, fmt.Sprintf("sell-off %.2f%%", sc.ChangePct))
	case sc.ChangePct < -1:
		session = 35
	case sc.ChangePct < 0:
		session = 45
	default:
		session = 60
	}

	var valuation float64
	switch pe := sc.pe(); {
	case pe > 30:
		valuation = 30
		warnings = append(warnings, fmt.Sprintf("P/E %.1f stretched", pe))
	case pe > 20:
		valuation = 45
	default:
		valuation = 60
	}

	bearish := 100 - mean(trend, momentum, volume, levels, session, valuation)

	var action models.Action
	switch {
	case bearish >= 70:
		action = models.ActionStrongSell
	case bearish >= 55:
		action = models.ActionSell
	case bearish >= 40:
		action = models.ActionHold
	default:
		action = models.ActionWatch
	}

	if len(warnings) == 0 {
		warnings = append(warnings, "no material risks")
	}
	if len(warnings) > 4 {
		warnings = warnings[:4]
	}

	sig := a.CreateSignal(sc.Symbol, action, bearish, strings.Join(warnings, " | "))
	sig.StopLoss, sig.TakeProfit = tradeLevels(price, sc.atr(), 2, 2.5, false)
	return sig, nil
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
