package agents

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"vn-autotrader/internal/models"
)

// ChiefConfig holds the net-direction thresholds.
type ChiefConfig struct {
	StrongThreshold float64 // net direction for STRONG_*
	ActionThreshold float64 // net direction for BUY/SELL
}

// DefaultChiefConfig returns 0.5 / 0.2.
func DefaultChiefConfig() ChiefConfig {
	return ChiefConfig{StrongThreshold: 0.5, ActionThreshold: 0.2}
}

// ChiefAgent turns advisory signals and the risk signal into a verdict.
type ChiefAgent struct {
	config ChiefConfig
}

// NewChiefAgent creates the aggregator.
func NewChiefAgent(cfg ChiefConfig) *ChiefAgent {
	if cfg.StrongThreshold <= 0 {
		cfg.StrongThreshold = 0.5
	}
	if cfg.ActionThreshold <= 0 {
		cfg.ActionThreshold = 0.2
	}
	return &ChiefAgent{config: cfg}
}

func weightOf(weights map[string]float64, agent string) float64 {
	if w, ok := weights[agent]; ok {
		return w
	}
	return 1.0
}

// NetDirection is the weighted mean of each signal's direction in [-1, 1]
// scaled by its confidence.
func NetDirection(signals []models.Signal, weights map[string]float64) float64 {
	var num, den float64
	for _, s := range signals {
		w := weightOf(weights, s.AgentName)
		dir := (s.Action.Score() - 50) / 50
		num += dir * s.Confidence / 100 * w
		den += w
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// Decide emits the verdict for one round. The caller fills ID, timestamp
// and price.
func (c *ChiefAgent) Decide(symbol string, advisory []models.Signal, risk *models.Signal, weights map[string]float64, agreement float64, conflict bool) *models.Verdict {
	v := &models.Verdict{
		Symbol:         symbol,
		Action:         models.ActionHold,
		AgreementScore: agreement,
		HasConflict:    conflict,
		Signals:        append([]models.Signal(nil), advisory...),
	}
	if risk != nil {
		rs := *risk
		v.RiskSignal = &rs
		v.Signals = append(v.Signals, rs)
		v.StopLoss = rs.StopLoss
		v.TakeProfit = rs.TakeProfit
		v.SuggestedQuantity = rs.SuggestedQuantity
	}
	if len(advisory) == 0 {
		v.Reasoning = "no advisory signals"
		return v
	}

	net := NetDirection(advisory, weights)
	switch {
	case net >= c.config.StrongThreshold:
		v.Action = models.ActionStrongBuy
	case net >= c.config.ActionThreshold:
		v.Action = models.ActionBuy
	case net <= -c.config.StrongThreshold:
		v.Action = models.ActionStrongSell
	case net <= -c.config.ActionThreshold:
		v.Action = models.ActionSell
	}

	if conflict {
		switch v.Action {
		case models.ActionStrongBuy:
			v.Action = models.ActionBuy
		case models.ActionStrongSell:
			v.Action = models.ActionSell
		}
	}

	v.Confidence = ClampConfidence(c.blendConfidence(v.Action, advisory, weights))

	if risk != nil && risk.Veto {
		v.Action = models.ActionHold
		v.Vetoed = true
	}

	v.Reasoning = c.reasoning(net, v, advisory)
	return v
}

// blendConfidence is the weight-weighted mean confidence of the signals that
// support the chosen direction, or of all signals for HOLD.
func (c *ChiefAgent) blendConfidence(action models.Action, signals []models.Signal, weights map[string]float64) float64 {
	dir := action.Direction()
	var num, den float64
	for _, s := range signals {
		if dir != 0 && s.Action.Direction() != dir {
			continue
		}
		w := weightOf(weights, s.AgentName)
		num += s.Confidence * w
		den += w
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func (c *ChiefAgent) reasoning(net float64, v *models.Verdict, advisory []models.Signal) string {
	votes := make([]string, 0, len(advisory))
	for _, s := range advisory {
		votes = append(votes, fmt.Sprintf("%s %s(%.0f)", s.AgentName, s.Action, s.Confidence))
	}
	sort.Strings(votes)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s net %.2f, agreement %.0f: %s", v.Action, net, v.AgreementScore, strings.Join(votes, ", "))
	if v.HasConflict {
		sb.WriteString("; bull/bear conflict")
	}
	if v.Vetoed && v.RiskSignal != nil {
		sb.WriteString("; ")
		sb.WriteString(v.RiskSignal.Reasoning)
	}
	return sb.String()
}

// AgreementScore is 100 - min(100, 2*stddev) over the per-agent weighted
// scores Score*confidence/100*weight. No signals gives 0.
func AgreementScore(signals []models.Signal, weights map[string]float64) float64 {
	if len(signals) == 0 {
		return 0
	}
	values := make([]float64, len(signals))
	for i, s := range signals {
		values[i] = s.Action.Score() * s.Confidence / 100 * weightOf(weights, s.AgentName)
	}
	m := mean(values...)
	var variance float64
	for _, x := range values {
		variance += (x - m) * (x - m)
	}
	std := math.Sqrt(variance / float64(len(values)))
	return 100 - math.Min(100, 2*std)
}

// HasConflict reports a confident bull facing a confident bear.
func HasConflict(signals []models.Signal) bool {
	var bull, bear bool
	for _, s := range signals {
		if s.Confidence <= 60 {
			continue
		}
		if s.Action.IsBullish() {
			bull = true
		}
		if s.Action.IsBearish() {
			bear = true
		}
	}
	return bull && bear
}
