// Package learning scores agents on the outcome of closed positions and
// adapts their consensus weights once a week.
package learning

import (
	"math"
	"sort"

	"vn-autotrader/internal/models"
)

const (
	consistencyBlock = 5
	tradingDaysYear  = 252

	// Agents below this accuracy over enough samples are flagged degraded.
	degradedAccuracy = 0.45
	degradedSamples  = 20
)

// AgentMetrics summarizes an agent's recent calls.
type AgentMetrics struct {
	Agent          string
	Samples        int
	Correct        int
	Accuracy       float64 // 0..1
	AvgReturn      float64
	AvgHoldingDays float64
	Sharpe         float64
	Consistency    float64 // 0..1
	Score          float64 // 0..1
	Degraded       bool
}

// Judge scores one agent call against the realized pnl of the position.
// Neutral calls are correct when the move stayed inside neutralBand.
func Judge(action models.Action, pnlPct, neutralBand float64) (correct bool, ret float64) {
	dir := action.Direction()
	switch {
	case dir > 0:
		correct = pnlPct > 0
	case dir < 0:
		correct = pnlPct < 0
	default:
		correct = math.Abs(pnlPct) < neutralBand
	}
	return correct, pnlPct * float64(dir)
}

// ComputeMetrics derives accuracy, Sharpe and consistency from samples in
// the order they were recorded.
func ComputeMetrics(agent string, samples []models.AgentSample) AgentMetrics {
	m := AgentMetrics{Agent: agent, Samples: len(samples)}
	if len(samples) == 0 {
		return m
	}

	returns := make([]float64, len(samples))
	var holding float64
	for i, s := range samples {
		if s.Correct {
			m.Correct++
		}
		returns[i] = s.Return
		holding += float64(s.HoldingDays)
	}
	m.Accuracy = float64(m.Correct) / float64(len(samples))
	m.AvgHoldingDays = holding / float64(len(samples))
	m.AvgReturn = meanOf(returns)
	m.Sharpe = sharpeRatio(returns, m.AvgHoldingDays)
	m.Consistency = consistency(returns)
	m.Score = PerformanceScore(m)
	m.Degraded = m.Samples >= degradedSamples && m.Accuracy < degradedAccuracy
	return m
}

// PerformanceScore blends accuracy, normalized Sharpe and consistency into
// a 0..1 score.
func PerformanceScore(m AgentMetrics) float64 {
	sharpe := math.Min(1, math.Max(0, m.Sharpe/3))
	return 0.4*m.Accuracy + 0.3*sharpe + 0.3*m.Consistency
}

// sharpeRatio annualizes mean/stddev of per-position returns by the number
// of holding periods in a trading year.
func sharpeRatio(returns []float64, avgHoldingDays float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := meanOf(returns)
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	std := math.Sqrt(variance / float64(len(returns)))
	if std == 0 {
		return 0
	}
	if avgHoldingDays < 1 {
		avgHoldingDays = 1
	}
	return mean / std * math.Sqrt(tradingDaysYear/avgHoldingDays)
}

// consistency is the share of consecutive blocks of five returns that did
// not lose money. Fewer than five returns form a single block.
func consistency(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	var blocks, good int
	for start := 0; start < len(returns); start += consistencyBlock {
		end := start + consistencyBlock
		if end > len(returns) {
			if blocks > 0 {
				break
			}
			end = len(returns)
		}
		var sum float64
		for _, r := range returns[start:end] {
			sum += r
		}
		blocks++
		if sum >= 0 {
			good++
		}
	}
	return float64(good) / float64(blocks)
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// groupByAgent splits samples per agent, keeping recording order.
func groupByAgent(samples []models.AgentSample) map[string][]models.AgentSample {
	out := make(map[string][]models.AgentSample)
	for _, s := range samples {
		out[s.Agent] = append(out[s.Agent], s)
	}
	return out
}

func sortedAgents[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
