package agents

import (
	"context"
	"fmt"
	"strings"

	"vn-autotrader/internal/errors"
	"vn-autotrader/internal/models"
)

// BullAgent looks for reasons to buy: trend alignment, oversold bounces,
// accumulation, support and positive news.
type BullAgent struct {
	BaseAgent
}

// NewBullAgent creates the bullish advisor.
func NewBullAgent() *BullAgent {
	return &BullAgent{BaseAgent: NewBaseAgent("bull", RoleAdvisory)}
}

// Analyze implements Agent.
func (a *BullAgent) Analyze(ctx context.Context, sc SignalContext) (models.Signal, error) {
	if sc.Price <= 0 {
		return models.Signal{}, errors.NewAgentError(a.Name(), "analyze", fmt.Errorf("%w: no price for %s", errors.ErrDataNotFound, sc.Symbol))
	}

	price := sc.Price
	var reasons []string

	var trend float64
	switch ema20, ema50 := sc.ema20(), sc.ema50(); {
	case price > ema20 && ema20 > ema50:
		trend = 80
		reasons = append(reasons, "price > EMA20 > EMA50")
	case price > ema20:
		trend = 65
		reasons = append(reasons, "above EMA20")
	case price > ema50:
		trend = 55
	default:
		trend = 30
	}

	var momentum float64
	switch rsi := sc.rsi(); {
	case rsi < 30:
		momentum = 75
		reasons = append(reasons, fmt.Sprintf("RSI %.1f oversold bounce setup", rsi))
	case rsi <= 60:
		momentum = 60
	case rsi > 70:
		momentum = 35
	default:
		momentum = 50
	}
	if sc.MACD > sc.MACDSignal && sc.MACDHist > 0 {
		momentum = clampScore(momentum + 15)
		reasons = append(reasons, "MACD bullish")
	} else if sc.MACD > sc.MACDSignal {
		momentum = clampScore(momentum + 5)
	}

	volume := 50.0
	ratio := sc.volumeRatio()
	switch {
	case ratio > 1.5 && sc.ChangePct > 0:
		volume = 75
		reasons = append(reasons, fmt.Sprintf("accumulation %.1fx volume", ratio))
	case sc.OBV > sc.obvEMA():
		volume = 60
	case ratio > 1.5:
		volume = 35
	}

	var levels float64
	toSupport := (price - sc.support()) / price * 100
	toResistance := (sc.resistance() - price) / price * 100
	switch {
	case toSupport >= 0 && toSupport < 2:
		levels = 70
		reasons = append(reasons, "near support")
	case toResistance < 2:
		levels = 40
	default:
		levels = 55
	}

	session := 50.0
	switch {
	case sc.ChangePct > 3:
		session = 75
		reasons = append(reasons, fmt.Sprintf("strong session %+.2f%%", sc.ChangePct))
	case sc.ChangePct > 0:
		session = 60
	case sc.ChangePct < -3:
		session = 30
	case sc.ChangePct < 0:
		session = 45
	}

	sentiment := 50.0
	if sc.NewsSentiment != nil {
		switch s := *sc.NewsSentiment; {
		case s > 0.3:
			sentiment = 75
			reasons = append(reasons, "positive news")
		case s < -0.3:
			sentiment = 30
		default:
			sentiment = 50 + s*25
		}
	}

	score := mean(trend, momentum, volume, levels, session, sentiment)

	var action models.Action
	switch {
	case score >= 70:
		action = models.ActionStrongBuy
	case score >= 55:
		action = models.ActionBuy
	case score >= 40:
		action = models.ActionHold
	default:
		action = models.ActionWatch
	}

	if len(reasons) == 0 {
		reasons = append(reasons, "no bullish confirmation")
	}
	if len(reasons) > 4 {
		reasons = reasons[:4]
	}

	sig := a.CreateSignal(sc.Symbol, action, score, strings.Join(reasons, " | "))
	sig.StopLoss, sig.TakeProfit = tradeLevels(price, sc.atr(), 2, 2.5, true)
	return sig, nil
}
