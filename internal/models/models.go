// Package models provides domain models for the trading core.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Action is the closed set of recommendations an agent or the chief can emit.
type Action string

const (
	ActionStrongBuy  Action = "STRONG_BUY"
	ActionBuy        Action = "BUY"
	ActionHold       Action = "HOLD"
	ActionSell       Action = "SELL"
	ActionStrongSell Action = "STRONG_SELL"
	ActionWatch      Action = "WATCH"
)

// Actions lists every valid action.
var Actions = []Action{ActionStrongBuy, ActionBuy, ActionHold, ActionSell, ActionStrongSell, ActionWatch}

// Score maps an action onto the 0-100 consensus scale.
func (a Action) Score() float64 {
	switch a {
	case ActionStrongBuy:
		return 100
	case ActionBuy:
		return 75
	case ActionSell:
		return 25
	case ActionStrongSell:
		return 0
	default:
		return 50
	}
}

// IsBullish reports whether the action recommends buying.
func (a Action) IsBullish() bool {
	return a == ActionStrongBuy || a == ActionBuy
}

// IsBearish reports whether the action recommends selling.
func (a Action) IsBearish() bool {
	return a == ActionStrongSell || a == ActionSell
}

// Direction returns +1 for bullish, -1 for bearish and 0 otherwise.
func (a Action) Direction() int {
	switch {
	case a.IsBullish():
		return 1
	case a.IsBearish():
		return -1
	default:
		return 0
	}
}

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	for _, v := range Actions {
		if v == a {
			return true
		}
	}
	return false
}

// ParseAction parses a case-insensitive action name.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// Signal is one agent's recommendation for a symbol. Signals are values and
// are never modified after they are emitted.
type Signal struct {
	AgentName  string
	Symbol     string
	Action     Action
	Confidence float64 // 0-100
	StopLoss   float64
	TakeProfit float64
	Reasoning  string
	Timestamp  time.Time

	// Set only by the risk gate.
	Veto              bool
	Violations        []string
	SuggestedQuantity int64
}

// Verdict is the single consensus recommendation for a symbol.
type Verdict struct {
	ID                string
	Symbol            string
	Action            Action
	Confidence        float64
	AgreementScore    float64
	HasConflict       bool
	Signals           []Signal
	RiskSignal        *Signal
	RiskCheckFailed   bool
	Vetoed            bool
	StopLoss          float64
	TakeProfit        float64
	SuggestedQuantity int64
	Price             float64
	Reasoning         string
	Timestamp         time.Time
}

// Attribution returns the action each responding advisory agent
// recommended. The risk gate carries no consensus weight and is left out.
func (v *Verdict) Attribution() map[string]Action {
	out := make(map[string]Action, len(v.Signals))
	for _, s := range v.Signals {
		if v.RiskSignal != nil && s.AgentName == v.RiskSignal.AgentName {
			continue
		}
		out[s.AgentName] = s.Action
	}
	return out
}

// Actionable reports whether the verdict may lead to an order.
func (v *Verdict) Actionable() bool {
	return !v.RiskCheckFailed && !v.Vetoed && v.Action != ActionHold && v.Action != ActionWatch
}
