package agents

import (
	"context"
	"fmt"
	"math"
	"strings"

	"vn-autotrader/internal/errors"
	"vn-autotrader/internal/models"
)

// AnalystAgent scores trend, momentum, volume, patterns and levels without
// directional bias.
type AnalystAgent struct {
	BaseAgent
}

// NewAnalystAgent creates the technical analyst.
func NewAnalystAgent() *AnalystAgent {
	return &AnalystAgent{BaseAgent: NewBaseAgent("analyst", RoleAdvisory)}
}

type subScore struct {
	score float64
	notes []string
}

// Analyze implements Agent.
func (a *AnalystAgent) Analyze(ctx context.Context, sc SignalContext) (models.Signal, error) {
	if sc.Price <= 0 {
		return models.Signal{}, errors.NewAgentError(a.Name(), "analyze", fmt.Errorf("%w: no price for %s", errors.ErrDataNotFound, sc.Symbol))
	}

	trend := a.trend(sc)
	momentum := a.momentum(sc)
	volume := a.volume(sc)
	pattern := a.patterns(sc)
	levels := a.levels(sc)

	score := trend.score*0.25 + momentum.score*0.25 + volume.score*0.20 + pattern.score*0.15 + levels.score*0.15

	var notes []string
	for _, s := range []subScore{trend, momentum, volume, pattern, levels} {
		notes = append(notes, s.notes...)
	}
	if len(notes) > 5 {
		notes = notes[:5]
	}

	action := analystAction(score)
	confidence := 50 + math.Abs(score-50)
	sig := a.CreateSignal(sc.Symbol, action, confidence,
		fmt.Sprintf("score %.1f: %s", score, strings.Join(notes, " | ")))
	sig.StopLoss, sig.TakeProfit = tradeLevels(sc.Price, sc.atr(), 2, 2.5, score >= 50)
	return sig, nil
}

func analystAction(score float64) models.Action {
	switch {
	case score >= 75:
		return models.ActionStrongBuy
	case score >= 60:
		return models.ActionBuy
	case score <= 25:
		return models.ActionStrongSell
	case score <= 40:
		return models.ActionSell
	}
	return models.ActionHold
}

func (a *AnalystAgent) trend(sc SignalContext) subScore {
	s := subScore{score: 50}
	price, ema20, ema50, ema200 := sc.Price, sc.ema20(), sc.ema50(), sc.ema200()

	if ema20 > ema50 {
		s.score += 10
		s.notes = append(s.notes, "EMA20 > EMA50")
	} else {
		s.score -= 10
		s.notes = append(s.notes, "EMA20 < EMA50")
	}
	if price > ema20 {
		s.score += 10
	} else {
		s.score -= 10
	}
	if price > ema50 {
		s.score += 8
	} else {
		s.score -= 8
	}
	if price > ema200 {
		s.score += 7
		s.notes = append(s.notes, "above EMA200")
	} else {
		s.score -= 7
		s.notes = append(s.notes, "below EMA200")
	}

	// ADX amplifies a strong trend and halves conviction in a weak one.
	switch adx := sc.adx(); {
	case adx > 25 && s.score > 50:
		s.score += 5
		s.notes = append(s.notes, fmt.Sprintf("ADX %.0f strong trend", adx))
	case adx > 25:
		s.score -= 5
	case adx < 20:
		s.score = 50 + (s.score-50)*0.5
		s.notes = append(s.notes, fmt.Sprintf("ADX %.0f weak trend", adx))
	}

	s.score = clampScore(s.score)
	return s
}

func (a *AnalystAgent) momentum(sc SignalContext) subScore {
	s := subScore{score: 50}

	switch rsi := sc.rsi(); {
	case rsi < 30:
		s.score += 20
		s.notes = append(s.notes, fmt.Sprintf("RSI %.1f oversold", rsi))
	case rsi > 70:
		s.score -= 20
		s.notes = append(s.notes, fmt.Sprintf("RSI %.1f overbought", rsi))
	case rsi >= 40 && rsi <= 60:
	case rsi < 50:
		s.score -= 5
	default:
		s.score += 5
	}

	if sc.MACD > sc.MACDSignal {
		s.score += 15
		if sc.MACDHist > 0 {
			s.score += 5
		}
		s.notes = append(s.notes, "MACD bullish")
	} else if sc.MACD < sc.MACDSignal {
		s.score -= 15
		if sc.MACDHist < 0 {
			s.score -= 5
		}
		s.notes = append(s.notes, "MACD bearish")
	}

	k, d := sc.stochK(), sc.stochD()
	switch {
	case k < 20:
		s.score += 10
		s.notes = append(s.notes, "stochastic oversold")
	case k > 80:
		s.score -= 10
		s.notes = append(s.notes, "stochastic overbought")
	}
	if k > d && k < 50 {
		s.score += 5
	}

	s.score = clampScore(s.score)
	return s
}

func (a *AnalystAgent) volume(sc SignalContext) subScore {
	s := subScore{score: 50}

	ratio := sc.volumeRatio()
	switch {
	case ratio > 2 && sc.ChangePct > 0:
		s.score += 25
		s.notes = append(s.notes, fmt.Sprintf("volume %.1fx on up day", ratio))
	case ratio > 2:
		s.score -= 25
		s.notes = append(s.notes, fmt.Sprintf("volume %.1fx on down day", ratio))
	case ratio > 1.5 && sc.ChangePct > 0:
		s.score += 15
	case ratio > 1.5:
		s.score -= 15
	case ratio < 0.5:
		s.notes = append(s.notes, "thin volume")
	}

	if sc.OBV > sc.obvEMA() {
		s.score += 10
	} else if sc.OBV < sc.obvEMA() {
		s.score -= 10
	}

	switch mfi := sc.mfi(); {
	case mfi < 20:
		s.score += 10
	case mfi > 80:
		s.score -= 10
	}

	if ratio < 0.5 {
		s.score = 50 + (s.score-50)*0.5
	}
	s.score = clampScore(s.score)
	return s
}

func (a *AnalystAgent) patterns(sc SignalContext) subScore {
	s := subScore{score: 50}
	price := sc.Price

	switch {
	case price < sc.bbLower():
		s.score += 15
		s.notes = append(s.notes, "below lower band")
	case price > sc.bbUpper():
		s.score -= 15
		s.notes = append(s.notes, "above upper band")
	case price > sc.bbMid():
		s.score += 5
	case price < sc.bbMid():
		s.score -= 5
	}

	s.score = clampScore(s.score)
	return s
}

func (a *AnalystAgent) levels(sc SignalContext) subScore {
	s := subScore{score: 50}
	price, support, resistance := sc.Price, sc.support(), sc.resistance()

	toSupport := (price - support) / price * 100
	toResistance := (resistance - price) / price * 100

	switch {
	case toSupport < 1:
		s.score += 20
		s.notes = append(s.notes, fmt.Sprintf("at support %.0f", support))
	case toSupport < 3:
		s.score += 10
	}
	switch {
	case toResistance < 1:
		s.score -= 20
		s.notes = append(s.notes, fmt.Sprintf("at resistance %.0f", resistance))
	case toResistance < 3:
		s.score -= 10
	}

	if toSupport > 0 && toResistance > 0 {
		rr := toResistance / toSupport
		if rr > 2 {
			s.score += 10
		} else if rr < 0.5 {
			s.score -= 10
		}
	}

	if price > sc.vwap() {
		s.score += 5
	} else if price < sc.vwap() {
		s.score -= 5
	}

	s.score = clampScore(s.score)
	return s
}
