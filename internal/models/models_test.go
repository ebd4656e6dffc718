package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttributionSkipsRiskSignal(t *testing.T) {
	risk := Signal{AgentName: "risk_gate", Action: ActionWatch}
	v := &Verdict{
		Signals: []Signal{
			{AgentName: "analyst", Action: ActionBuy},
			{AgentName: "bear", Action: ActionSell},
			risk,
		},
		RiskSignal: &risk,
	}

	got := v.Attribution()
	assert.Equal(t, map[string]Action{"analyst": ActionBuy, "bear": ActionSell}, got)
}

func TestAttributionWithoutRiskSignal(t *testing.T) {
	v := &Verdict{Signals: []Signal{{AgentName: "bull", Action: ActionStrongBuy}}}
	assert.Equal(t, map[string]Action{"bull": ActionStrongBuy}, v.Attribution())
}
