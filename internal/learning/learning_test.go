package learning

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vn-autotrader/internal/config"
	"vn-autotrader/internal/errors"
	"vn-autotrader/internal/metrics"
	"vn-autotrader/internal/models"
	"vn-autotrader/internal/store"
)

// Stored samples are loaded relative to the wall clock, so tests use it too.
var testNow = time.Now().UTC().Truncate(time.Second)

func newTestAdapter(t *testing.T, st Store) *WeightAdapter {
	t.Helper()
	a, err := NewWeightAdapter(context.Background(), config.Default().Weights, st, metrics.New(), zerolog.Nop())
	require.NoError(t, err)
	a.SetClock(func() time.Time { return testNow })
	return a
}

func newSQLite(t *testing.T, dir string) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(dir, "learning.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// record closes n winning positions where bull called BUY and bear SELL.
func record(t *testing.T, a *WeightAdapter, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := a.RecordOutcome(context.Background(), models.Outcome{
			Symbol:      "VNM",
			Attribution: map[string]models.Action{"bull": models.ActionBuy, "bear": models.ActionSell},
			PnLPct:      0.01 * float64(i+1),
			HoldingDays: 5,
			ClosedAt:    testNow.Add(-time.Duration(n-i) * time.Hour),
		})
		require.NoError(t, err)
	}
}

func TestJudge(t *testing.T) {
	tests := []struct {
		action  models.Action
		pnl     float64
		correct bool
		ret     float64
	}{
		{models.ActionBuy, 0.05, true, 0.05},
		{models.ActionStrongBuy, -0.03, false, -0.03},
		{models.ActionSell, -0.04, true, 0.04},
		{models.ActionStrongSell, 0.02, false, -0.02},
		{models.ActionHold, 0.01, true, 0},
		{models.ActionWatch, -0.05, false, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			correct, ret := Judge(tt.action, tt.pnl, 0.02)
			assert.Equal(t, tt.correct, correct)
			assert.InDelta(t, tt.ret, ret, 1e-12)
		})
	}
}

func TestComputeMetrics(t *testing.T) {
	var samples []models.AgentSample
	returns := []float64{0.05, -0.02, 0.03, -0.01, 0.02, -0.06, -0.01, 0.01, -0.02, 0.01, 0.5}
	for _, r := range returns {
		samples = append(samples, models.AgentSample{Agent: "analyst", Return: r, Correct: r > 0, HoldingDays: 4})
	}

	m := ComputeMetrics("analyst", samples)
	assert.Equal(t, 11, m.Samples)
	assert.InDelta(t, 6.0/11.0, m.Accuracy, 1e-12)
	assert.InDelta(t, 4.0, m.AvgHoldingDays, 1e-12)
	assert.InDelta(t, 0.5, m.Consistency, 1e-12, "first block +0.07, second -0.07, trailing partial block ignored")
	assert.Greater(t, m.Sharpe, 0.0)
	assert.False(t, m.Degraded)

	empty := ComputeMetrics("bear", nil)
	assert.Zero(t, empty.Score)
	assert.Zero(t, empty.Sharpe)
}

func TestConsistencySmallSample(t *testing.T) {
	assert.Equal(t, 1.0, consistency([]float64{0.01, -0.005}))
	assert.Equal(t, 0.0, consistency([]float64{-0.01}))
	assert.Equal(t, 0.0, consistency(nil))
}

func TestPerformanceScoreClampsSharpe(t *testing.T) {
	assert.InDelta(t, 1.0, PerformanceScore(AgentMetrics{Accuracy: 1, Sharpe: 10, Consistency: 1}), 1e-12)
	assert.InDelta(t, 0.2, PerformanceScore(AgentMetrics{Accuracy: 0.5, Sharpe: -4, Consistency: 0}), 1e-12)
}

func TestEvaluateNeedsSamples(t *testing.T) {
	a := newTestAdapter(t, nil)
	record(t, a, 4) // 8 samples

	_, err := a.Evaluate(context.Background(), testNow)
	assert.True(t, errors.Is(err, errors.ErrNotEnoughSamples))
	assert.True(t, a.LastUpdate().IsZero())
}

func TestEvaluateSkipsAgentsWithFewSamples(t *testing.T) {
	a := newTestAdapter(t, nil)
	record(t, a, 4)
	_, err := a.RecordOutcome(context.Background(), models.Outcome{
		Symbol:      "FPT",
		Attribution: map[string]models.Action{"analyst": models.ActionBuy, "risk_gate": models.ActionWatch},
		PnLPct:      0.03,
		HoldingDays: 3,
		ClosedAt:    testNow,
	})
	require.NoError(t, err)

	updated, err := a.Evaluate(context.Background(), testNow)
	require.NoError(t, err)
	assert.Empty(t, updated, "no agent has five samples")
	assert.Equal(t, testNow, a.LastUpdate())
}

func TestEvaluateMovesWeightsTowardPerformance(t *testing.T) {
	a := newTestAdapter(t, nil)
	record(t, a, 10)

	updated, err := a.Evaluate(context.Background(), testNow)
	require.NoError(t, err)
	require.Len(t, updated, 2)

	// bull: perfect calls, target 3.0; bear: all wrong, target 0.5.
	assert.InDelta(t, 1.2, a.Weight("bull"), 1e-9)
	assert.InDelta(t, 0.95, a.Weight("bear"), 1e-9)
	assert.InDelta(t, 1.2, a.Weight("analyst"), 1e-9, "untouched initial weight")
	assert.Equal(t, 1.0, a.Weight("unknown"))

	_, err = a.Evaluate(context.Background(), testNow.Add(6*24*time.Hour))
	assert.True(t, errors.Is(err, errors.ErrTooSoon))

	_, err = a.Evaluate(context.Background(), testNow.Add(7*24*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 1.38, a.Weight("bull"), 1e-9)
}

func TestWeightsStayWithinBounds(t *testing.T) {
	cfg := config.Default().Weights
	cfg.LearningRate = 1
	cfg.MinWeight = 0.6
	a, err := NewWeightAdapter(context.Background(), cfg, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	a.SetClock(func() time.Time { return testNow })
	record(t, a, 10)

	_, err = a.Evaluate(context.Background(), testNow)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, a.Weight("bull"), 1e-9)
	assert.InDelta(t, 0.6, a.Weight("bear"), 1e-9)
}

func TestEvaluateRejectsConcurrentUpdate(t *testing.T) {
	a := newTestAdapter(t, nil)
	a.updateMu.Lock()
	defer a.updateMu.Unlock()

	_, err := a.Evaluate(context.Background(), testNow)
	assert.True(t, errors.Is(err, errors.ErrUpdateInProgress))
}

func TestSamplesOutsideWindowAreDropped(t *testing.T) {
	a := newTestAdapter(t, nil)
	_, err := a.RecordOutcome(context.Background(), models.Outcome{
		Symbol:      "HPG",
		Attribution: map[string]models.Action{"bull": models.ActionBuy},
		PnLPct:      0.04,
		ClosedAt:    testNow.Add(-31 * 24 * time.Hour),
	})
	require.NoError(t, err)

	stats := a.Stats()
	for _, s := range stats {
		assert.Zero(t, s.Samples, s.Agent)
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	st := newSQLite(t, dir)
	a := newTestAdapter(t, st)
	record(t, a, 10)
	_, err := a.Evaluate(context.Background(), testNow)
	require.NoError(t, err)

	restored := newTestAdapter(t, st)
	assert.InDelta(t, 1.2, restored.Weight("bull"), 1e-9)
	assert.True(t, restored.LastUpdate().Equal(testNow))

	stats := restored.Stats()
	require.NotEmpty(t, stats)
	var bull AgentStats
	for _, s := range stats {
		if s.Agent == "bull" {
			bull = s
		}
	}
	assert.Equal(t, 10, bull.Samples)
	assert.Equal(t, 1.0, bull.Accuracy)

	_, err = restored.Evaluate(context.Background(), testNow.Add(time.Hour))
	assert.True(t, errors.Is(err, errors.ErrTooSoon))
}
