package trading

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vn-autotrader/internal/agents"
	"vn-autotrader/internal/broker"
	"vn-autotrader/internal/config"
	"vn-autotrader/internal/models"
)

// votingAgent returns whatever action it is currently set to.
type votingAgent struct {
	mu     sync.Mutex
	name   string
	action models.Action
	conf   float64
}

func (a *votingAgent) Name() string      { return a.name }
func (a *votingAgent) Role() agents.Role { return agents.RoleAdvisory }

func (a *votingAgent) set(action models.Action, conf float64) {
	a.mu.Lock()
	a.action, a.conf = action, conf
	a.mu.Unlock()
}

func (a *votingAgent) Analyze(_ context.Context, sc agents.SignalContext) (models.Signal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return models.Signal{AgentName: a.name, Symbol: sc.Symbol, Action: a.action, Confidence: a.conf}, nil
}

type fakeLearner struct {
	outcomes []models.Outcome
}

func (f *fakeLearner) RecordOutcome(_ context.Context, o models.Outcome) ([]models.AgentSample, error) {
	f.outcomes = append(f.outcomes, o)
	return nil, nil
}

type fakeRecorder struct {
	exits  map[string]models.PositionExited
	closes map[string]decimal.Decimal
}

func (f *fakeRecorder) SaveExit(_ context.Context, exit models.PositionExited, verdictID string) error {
	f.exits[verdictID] = exit
	return nil
}

func (f *fakeRecorder) SaveClose(_ context.Context, symbol string, _ time.Time, close decimal.Decimal) error {
	f.closes[symbol] = close
	return nil
}

type engineFixture struct {
	*harness
	engine   *Engine
	bull     *votingAgent
	analyst  *votingAgent
	learner  *fakeLearner
	recorder *fakeRecorder
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	h := newHarness(t, nil)
	f := &engineFixture{
		harness:  h,
		bull:     &votingAgent{name: "bull", action: models.ActionStrongBuy, conf: 90},
		analyst:  &votingAgent{name: "analyst", action: models.ActionStrongBuy, conf: 90},
		learner:  &fakeLearner{},
		recorder: &fakeRecorder{exits: map[string]models.PositionExited{}, closes: map[string]decimal.Decimal{}},
	}

	coordinator, err := agents.NewCoordinator(agents.CoordinatorConfig{
		Agents: []agents.Agent{
			f.analyst,
			f.bull,
			agents.NewRiskGateAgent(agents.DefaultRiskLimits(), broker.DefaultMarketRules(), broker.DefaultFeeSchedule()),
		},
		Logger:       zerolog.Nop(),
		AgentTimeout: time.Second,
		Clock:        h.clock,
	})
	require.NoError(t, err)

	cfg := config.Default()
	f.engine, err = NewEngine(EngineConfig{
		Coordinator: coordinator,
		Broker:      h.broker,
		Scheduler:   h.sched,
		Learner:     f.learner,
		Recorder:    f.recorder,
		Quotes:      h.quotes,
		Consensus:   cfg.Consensus,
		Exits:       cfg.Scheduler,
		LotSize:     cfg.Market.LotSize,
		Logger:      zerolog.Nop(),
		Clock:       h.clock,
	})
	require.NoError(t, err)
	return f
}

var vnm = agents.SignalContext{Symbol: "VNM", Price: 100_000, ReferencePrice: 100_000}

func TestEngineBuyTrackExitAndLearn(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	res, err := f.engine.Process(ctx, vnm)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStrongBuy, res.Verdict.Action)
	require.Equal(t, DecisionBuy, res.Decision, res.Note)
	assert.Equal(t, models.OrderStatusFilled, res.Order.Status)
	// 12% of a 1bn NAV at 100,300 all-in per share, rounded down to a lot.
	assert.Equal(t, int64(1100), res.Order.FilledQty)
	assert.True(t, f.recorder.closes["VNM"].Equal(d(100_000)))

	pos, ok := f.sched.Position("VNM")
	require.True(t, ok)
	assert.InDelta(t, 0.05, pos.TakeProfitPct, 1e-9, "from the risk gate's take-profit")
	assert.InDelta(t, -0.04, pos.StopLossPct, 1e-9)
	assert.Equal(t, res.Verdict.ID, pos.VerdictID)
	assert.Equal(t, models.ActionStrongBuy, pos.Attribution["bull"])
	assert.NotContains(t, pos.Attribution, "risk_gate")

	again, err := f.engine.Process(ctx, vnm)
	require.NoError(t, err)
	assert.Equal(t, DecisionNone, again.Decision)
	assert.Equal(t, "already holding", again.Note)

	// A bearish verdict on Tuesday cannot sell yet.
	f.at(monday.AddDate(0, 0, 1))
	f.bull.set(models.ActionSell, 80)
	f.analyst.set(models.ActionSell, 80)
	res, err = f.engine.Process(ctx, vnm)
	require.NoError(t, err)
	assert.Equal(t, models.ActionSell, res.Verdict.Action)
	assert.Equal(t, DecisionSkipped, res.Decision)
	assert.Contains(t, res.Note, "not settled")

	// Wednesday the take-profit fires on the poll.
	f.at(monday.AddDate(0, 0, 2))
	f.price("VNM", 106_000)
	f.sched.PollOnce(ctx)

	_, ok = f.sched.Position("VNM")
	assert.False(t, ok)
	require.Len(t, f.learner.outcomes, 1)
	outcome := f.learner.outcomes[0]
	assert.Equal(t, pos.VerdictID, outcome.VerdictID)
	assert.InDelta(t, 0.06, outcome.PnLPct, 1e-9)
	assert.Equal(t, 2, outcome.HoldingDays)
	assert.Equal(t, models.ActionStrongBuy, outcome.Attribution["analyst"])

	exit, ok := f.recorder.exits[pos.VerdictID]
	require.True(t, ok)
	assert.Equal(t, models.ExitTakeProfit, exit.Reason)
}

func TestEngineBearishVerdictExitsSettledPosition(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.engine.Process(ctx, vnm)
	require.NoError(t, err)

	f.at(monday.AddDate(0, 0, 2))
	f.bull.set(models.ActionStrongSell, 85)
	f.analyst.set(models.ActionSell, 75)
	ctxPrice := vnm
	ctxPrice.Price = 101_000
	res, err := f.engine.Process(ctx, ctxPrice)
	require.NoError(t, err)
	require.Equal(t, DecisionExit, res.Decision, res.Note)
	assert.Equal(t, models.OrderSideSell, res.Order.Side)
	require.Len(t, f.learner.outcomes, 1)
	assert.Empty(t, f.broker.Account().Holdings)
}

func TestEngineStrongSellNearFloorExits(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.engine.Process(ctx, vnm)
	require.NoError(t, err)

	f.at(monday.AddDate(0, 0, 2))
	f.bull.set(models.ActionStrongSell, 90)
	f.analyst.set(models.ActionStrongSell, 90)
	nearFloor := vnm
	nearFloor.Price = 93_500
	res, err := f.engine.Process(ctx, nearFloor)
	require.NoError(t, err)
	assert.False(t, res.Verdict.Vetoed)
	require.NotNil(t, res.Verdict.RiskSignal)
	assert.NotEmpty(t, res.Verdict.RiskSignal.Violations)
	require.Equal(t, DecisionExit, res.Decision, res.Note)
	assert.Empty(t, f.broker.Account().Holdings)
}

func TestEngineSkipsWeakOrVetoedVerdicts(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.bull.set(models.ActionBuy, 55)
	f.analyst.set(models.ActionBuy, 55)
	res, err := f.engine.Process(ctx, vnm)
	require.NoError(t, err)
	assert.Equal(t, DecisionNone, res.Decision)
	assert.Contains(t, res.Note, "below")

	f.bull.set(models.ActionStrongBuy, 95)
	f.analyst.set(models.ActionStrongBuy, 95)
	atCeiling := vnm
	atCeiling.Price = 106_800
	res, err = f.engine.Process(ctx, atCeiling)
	require.NoError(t, err)
	assert.True(t, res.Verdict.Vetoed)
	assert.Equal(t, DecisionNone, res.Decision)
	assert.Empty(t, f.broker.Orders())
}

func TestEngineRejectsBadContext(t *testing.T) {
	f := newEngineFixture(t)
	_, err := f.engine.Process(context.Background(), agents.SignalContext{Symbol: "VNM"})
	assert.Error(t, err)
}

type countingRunner struct{ started chan struct{} }

func (r countingRunner) Run(ctx context.Context) error {
	close(r.started)
	<-ctx.Done()
	return nil
}

func TestEngineRunStopsOnCancel(t *testing.T) {
	f := newEngineFixture(t)
	r := countingRunner{started: make(chan struct{})}
	f.engine.runners = append(f.engine.runners, r)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	<-r.started
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
}
