// Package agents provides the signal agents and the consensus round that
// turns their signals into a single verdict.
package agents

import (
	"context"
	"time"

	"vn-autotrader/internal/models"
)

// Role separates agents that vote from the mandatory risk gate.
type Role string

const (
	RoleAdvisory Role = "ADVISORY"
	RoleRisk     Role = "RISK"
)

// Agent defines the interface for signal agents.
type Agent interface {
	// Name returns the unique name of the agent.
	Name() string
	// Role reports whether the agent votes or gates.
	Role() Role
	// Analyze scores the context and returns a recommendation.
	Analyze(ctx context.Context, sc SignalContext) (models.Signal, error)
}

// SignalContext is the indicator and portfolio snapshot agents score. A
// zero value means "not supplied"; agents substitute a neutral default.
type SignalContext struct {
	Symbol         string  `json:"symbol"`
	Price          float64 `json:"price"`
	ReferencePrice float64 `json:"reference_price"`
	ChangePct      float64 `json:"change_pct"` // percent, e.g. -3.2
	Volume         float64 `json:"volume"`
	AvgVolume      float64 `json:"avg_volume"`

	RSI        float64 `json:"rsi"`
	EMA20      float64 `json:"ema20"`
	EMA50      float64 `json:"ema50"`
	EMA200     float64 `json:"ema200"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	MACDHist   float64 `json:"macd_hist"`
	ADX        float64 `json:"adx"`
	ATR        float64 `json:"atr"`
	StochK     float64 `json:"stoch_k"`
	StochD     float64 `json:"stoch_d"`
	BBUpper    float64 `json:"bb_upper"`
	BBMid      float64 `json:"bb_mid"`
	BBLower    float64 `json:"bb_lower"`
	OBV        float64 `json:"obv"`
	OBVEMA     float64 `json:"obv_ema"`
	MFI        float64 `json:"mfi"`
	Support    float64 `json:"support"`
	Resistance float64 `json:"resistance"`
	VWAP       float64 `json:"vwap"`
	PE         float64 `json:"pe"`

	NewsSentiment *float64 `json:"news_sentiment,omitempty"` // -1..1

	Portfolio Portfolio `json:"portfolio"`
}

// Portfolio is the account state the risk gate checks against.
type Portfolio struct {
	Cash          float64 `json:"cash"`
	NAV           float64 `json:"nav"`
	OpenPositions int     `json:"open_positions"`
	DailyPnL      float64 `json:"daily_pnl"`
	HoldsSymbol   bool    `json:"holds_symbol"`
}

func or(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func (sc SignalContext) rsi() float64 { return or(sc.RSI, 50) }
func (sc SignalContext) ema20() float64 { return or(sc.EMA20, sc.Price) }
func (sc SignalContext) ema50() float64 { return or(sc.EMA50, sc.Price) }
func (sc SignalContext) ema200() float64 { return or(sc.EMA200, sc.Price) }
func (sc SignalContext) adx() float64 { return or(sc.ADX, 25) }
func (sc SignalContext) atr() float64 { return or(sc.ATR, sc.Price*0.02) }
func (sc SignalContext) stochK() float64 { return or(sc.StochK, 50) }
func (sc SignalContext) stochD() float64 { return or(sc.StochD, 50) }
func (sc SignalContext) bbUpper() float64 { return or(sc.BBUpper, sc.Price*1.02) }
func (sc SignalContext) bbMid() float64 { return or(sc.BBMid, sc.Price) }
func (sc SignalContext) bbLower() float64 { return or(sc.BBLower, sc.Price*0.98) }
func (sc SignalContext) mfi() float64 { return or(sc.MFI, 50) }
func (sc SignalContext) support() float64 { return or(sc.Support, sc.Price*0.95) }
func (sc SignalContext) resistance() float64 { return or(sc.Resistance, sc.Price*1.05) }
func (sc SignalContext) vwap() float64 { return or(sc.VWAP, sc.Price) }
func (sc SignalContext) pe() float64 { return or(sc.PE, 15) }
func (sc SignalContext) avgVolume() float64 { return or(sc.AvgVolume, sc.Volume) }

func (sc SignalContext) obvEMA() float64 {
	if sc.OBVEMA == 0 {
		return sc.OBV
	}
	return sc.OBVEMA
}

func (sc SignalContext) volumeRatio() float64 {
	avg := sc.avgVolume()
	if avg <= 0 {
		return 1
	}
	return sc.Volume / avg
}

// BaseAgent provides common functionality for all agents.
type BaseAgent struct {
	name string
	role Role
	now  func() time.Time
}

// NewBaseAgent creates a new base agent.
func NewBaseAgent(name string, role Role) BaseAgent {
	return BaseAgent{name: name, role: role, now: time.Now}
}

// Name returns the agent's name.
func (b *BaseAgent) Name() string {
	return b.name
}

// Role returns the agent's role.
func (b *BaseAgent) Role() Role {
	return b.role
}

// CreateSignal creates a signal with the common fields populated.
func (b *BaseAgent) CreateSignal(symbol string, action models.Action, confidence float64, reasoning string) models.Signal {
	return models.Signal{
		AgentName:  b.name,
		Symbol:     symbol,
		Action:     action,
		Confidence: ClampConfidence(confidence),
		Reasoning:  reasoning,
		Timestamp:  b.now(),
	}
}

// ClampConfidence ensures confidence is within valid range [0, 100].
func ClampConfidence(confidence float64) float64 {
	if confidence < 0 {
		return 0
	}
	if confidence > 100 {
		return 100
	}
	return confidence
}

func clampScore(score float64) float64 {
	return ClampConfidence(score)
}

func mean(values ...float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// tradeLevels returns stop-loss and take-profit prices at the given ATR
// multiples, inverted for a bearish setup.
func tradeLevels(price, atr, slATR, tpATR float64, bullish bool) (sl, tp float64) {
	if bullish {
		return price - slATR*atr, price + tpATR*atr
	}
	return price + slATR*atr, price - tpATR*atr
}
