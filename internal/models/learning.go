package models

import "time"

// AgentWeight is an agent's live influence on consensus and the metrics
// it was last derived from.
type AgentWeight struct {
	AgentName   string
	Weight      float64
	Accuracy    float64
	Sharpe      float64
	Consistency float64
	SampleCount int
	UpdatedAt   time.Time
}

// Outcome is the realized result of a closed position, attributed to the
// agents whose signals produced the entry verdict.
type Outcome struct {
	VerdictID   string
	Symbol      string
	Attribution map[string]Action
	PnLPct      float64
	HoldingDays int
	ClosedAt    time.Time
}

// AgentSample is one scored observation of an agent's call.
type AgentSample struct {
	Agent       string
	Symbol      string
	Action      Action
	Correct     bool
	Return      float64 // pnl signed by the agent's direction
	HoldingDays int
	RecordedAt  time.Time
}
