package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vn-autotrader/internal/broker"
	"vn-autotrader/internal/errors"
	"vn-autotrader/internal/metrics"
	"vn-autotrader/internal/models"
)

// stubAgent returns a canned signal, error, panic or delay.
type stubAgent struct {
	name    string
	role    Role
	action  models.Action
	conf    float64
	veto    bool
	err     error
	panics  bool
	delay   time.Duration
	entered chan struct{}
	release chan struct{}
}

func (s *stubAgent) Name() string { return s.name }
func (s *stubAgent) Role() Role {
	if s.role == "" {
		return RoleAdvisory
	}
	return s.role
}

func (s *stubAgent) Analyze(ctx context.Context, sc SignalContext) (models.Signal, error) {
	if s.entered != nil {
		close(s.entered)
	}
	if s.release != nil {
		<-s.release
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.panics {
		panic("boom")
	}
	if s.err != nil {
		return models.Signal{}, s.err
	}
	return models.Signal{
		AgentName:         s.name,
		Action:            s.action,
		Confidence:        s.conf,
		Veto:              s.veto,
		SuggestedQuantity: 500,
		StopLoss:          24000,
		TakeProfit:        28000,
	}, nil
}

func advisor(name string, action models.Action, conf float64) *stubAgent {
	return &stubAgent{name: name, action: action, conf: conf}
}

func riskGate(veto bool) *stubAgent {
	action := models.ActionWatch
	if veto {
		action = models.ActionHold
	}
	return &stubAgent{name: "risk_gate", role: RoleRisk, action: action, conf: 90, veto: veto}
}

type fixedWeights map[string]float64

func (f fixedWeights) Weight(agent string) float64 {
	if w, ok := f[agent]; ok {
		return w
	}
	return 1
}

type recordingEvents struct{ events []models.Event }

func (r *recordingEvents) Publish(e models.Event) bool {
	r.events = append(r.events, e)
	return true
}

func newTestCoordinator(t *testing.T, weights WeightSource, agents ...Agent) (*Coordinator, *recordingEvents) {
	t.Helper()
	events := &recordingEvents{}
	c, err := NewCoordinator(CoordinatorConfig{
		Agents:       agents,
		Weights:      weights,
		Events:       events,
		Metrics:      metrics.New(),
		Logger:       zerolog.Nop(),
		AgentTimeout: 50 * time.Millisecond,
		HistorySize:  3,
	})
	require.NoError(t, err)
	return c, events
}

var testContext = SignalContext{Symbol: "VNM", Price: 25000}

func TestConflictScenario(t *testing.T) {
	c, _ := newTestCoordinator(t, nil,
		advisor("a", models.ActionBuy, 80),
		advisor("b", models.ActionSell, 80),
		riskGate(false),
	)

	v, err := c.Verdict(context.Background(), testContext)
	require.NoError(t, err)
	assert.True(t, v.HasConflict)
	assert.Equal(t, models.ActionHold, v.Action)
	assert.False(t, v.RiskCheckFailed)
}

func TestConflictDowngradesStrongAction(t *testing.T) {
	c, _ := newTestCoordinator(t, fixedWeights{"analyst": 3},
		advisor("analyst", models.ActionStrongBuy, 90),
		advisor("bull", models.ActionStrongBuy, 90),
		advisor("bear", models.ActionSell, 70),
		riskGate(false),
	)

	v, err := c.Verdict(context.Background(), testContext)
	require.NoError(t, err)
	assert.True(t, v.HasConflict)
	assert.Equal(t, models.ActionBuy, v.Action)
	assert.InDelta(t, 90, v.Confidence, 1e-9)
	assert.Equal(t, int64(500), v.SuggestedQuantity)
	assert.Equal(t, 24000.0, v.StopLoss)
}

func TestStrongBuyUnanimous(t *testing.T) {
	c, events := newTestCoordinator(t, nil,
		advisor("analyst", models.ActionStrongBuy, 90),
		advisor("bull", models.ActionStrongBuy, 80),
		riskGate(false),
	)

	v, err := c.Verdict(context.Background(), testContext)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStrongBuy, v.Action)
	assert.InDelta(t, 85, v.Confidence, 1e-9)
	assert.NotEmpty(t, v.ID)
	assert.Equal(t, 25000.0, v.Price)
	assert.Len(t, v.Signals, 3, "advisory plus risk")
	require.Len(t, events.events, 1)
	assert.Equal(t, models.EventVerdictReached, events.events[0].Kind())
}

func TestRiskGateErrorForcesHold(t *testing.T) {
	rg := riskGate(false)
	rg.err = fmt.Errorf("portfolio unavailable")
	c, _ := newTestCoordinator(t, nil,
		advisor("analyst", models.ActionStrongBuy, 95),
		advisor("bull", models.ActionStrongBuy, 95),
		rg,
	)

	v, err := c.Verdict(context.Background(), testContext)
	require.NoError(t, err)
	assert.Equal(t, models.ActionHold, v.Action)
	assert.Zero(t, v.Confidence)
	assert.True(t, v.RiskCheckFailed)
	assert.False(t, v.Actionable())
}

func TestRiskGateTimeoutForcesHold(t *testing.T) {
	rg := riskGate(false)
	rg.delay = time.Second
	c, _ := newTestCoordinator(t, nil, advisor("analyst", models.ActionStrongBuy, 95), rg)

	start := time.Now()
	v, err := c.Verdict(context.Background(), testContext)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "late agents are abandoned")
	assert.Equal(t, models.ActionHold, v.Action)
	assert.True(t, v.RiskCheckFailed)
}

func TestRiskGatePanicForcesHold(t *testing.T) {
	rg := riskGate(false)
	rg.panics = true
	c, _ := newTestCoordinator(t, nil, advisor("analyst", models.ActionStrongBuy, 95), rg)

	v, err := c.Verdict(context.Background(), testContext)
	require.NoError(t, err)
	assert.True(t, v.RiskCheckFailed)
	assert.Equal(t, models.ActionHold, v.Action)
}

func TestRiskVetoForcesHold(t *testing.T) {
	c, _ := newTestCoordinator(t, nil,
		advisor("analyst", models.ActionStrongBuy, 90),
		advisor("bull", models.ActionStrongBuy, 90),
		riskGate(true),
	)

	v, err := c.Verdict(context.Background(), testContext)
	require.NoError(t, err)
	assert.Equal(t, models.ActionHold, v.Action)
	assert.True(t, v.Vetoed)
	assert.InDelta(t, 90, v.Confidence, 1e-9, "veto keeps the blended confidence")
}

func TestAdvisoryFailuresAreIsolated(t *testing.T) {
	bad := advisor("bear", models.ActionSell, 90)
	bad.panics = true
	slow := advisor("bull", models.ActionSell, 90)
	slow.delay = time.Second
	c, _ := newTestCoordinator(t, nil, advisor("analyst", models.ActionStrongBuy, 80), bad, slow, riskGate(false))

	v, err := c.Verdict(context.Background(), testContext)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStrongBuy, v.Action)
	assert.Equal(t, 100.0, v.AgreementScore, "single responder agrees with itself")
}

func TestZeroRespondersHold(t *testing.T) {
	a := advisor("analyst", models.ActionBuy, 90)
	a.err = fmt.Errorf("no data")
	c, _ := newTestCoordinator(t, nil, a, riskGate(false))

	v, err := c.Verdict(context.Background(), testContext)
	require.NoError(t, err)
	assert.Equal(t, models.ActionHold, v.Action)
	assert.Zero(t, v.Confidence)
	assert.Zero(t, v.AgreementScore)
}

func TestRoundInFlight(t *testing.T) {
	blocker := advisor("analyst", models.ActionBuy, 70)
	blocker.entered = make(chan struct{})
	blocker.release = make(chan struct{})
	c, err := NewCoordinator(CoordinatorConfig{
		Agents:       []Agent{blocker, riskGate(false)},
		Logger:       zerolog.Nop(),
		AgentTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.Verdict(context.Background(), testContext)
		done <- err
	}()
	<-blocker.entered

	_, err = c.Verdict(context.Background(), testContext)
	assert.True(t, errors.Is(err, errors.ErrRoundInFlight))

	close(blocker.release)
	require.NoError(t, <-done)
}

func TestHistoryNewestFirstAndBounded(t *testing.T) {
	c, _ := newTestCoordinator(t, nil, advisor("analyst", models.ActionBuy, 70), riskGate(false))
	ctx := context.Background()
	var ids []string
	for i := 0; i < 4; i++ {
		v, err := c.Verdict(ctx, testContext)
		require.NoError(t, err)
		ids = append(ids, v.ID)
	}

	h := c.History("VNM", 0)
	require.Len(t, h, 3)
	assert.Equal(t, ids[3], h[0].ID)
	assert.Equal(t, ids[1], h[2].ID)
	assert.Len(t, c.History("VNM", 1), 1)
	assert.Empty(t, c.History("FPT", 5))
}

func TestCoordinatorRequiresRiskAgent(t *testing.T) {
	_, err := NewCoordinator(CoordinatorConfig{Agents: []Agent{advisor("a", models.ActionBuy, 1)}})
	assert.Error(t, err)
}

type failingNarrator struct{}

func (failingNarrator) Narrate(context.Context, *models.Verdict) (string, error) {
	return "", fmt.Errorf("quota exceeded")
}

func TestNarratorFailureKeepsReasoning(t *testing.T) {
	c, err := NewCoordinator(CoordinatorConfig{
		Agents:   []Agent{advisor("analyst", models.ActionBuy, 70), riskGate(false)},
		Narrator: failingNarrator{},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	v, err := c.Verdict(context.Background(), testContext)
	require.NoError(t, err)
	assert.Contains(t, v.Reasoning, "analyst BUY(70)")
}

func TestOpenAINarrator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Contains(t, req.Messages[1].Content, "Symbol: VNM")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Role: "assistant", Content: "  Buy VNM on strong trend.  "}},
			},
		})
	}))
	defer srv.Close()

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL + "/v1"
	n := NewOpenAINarratorWithConfig(cfg, "test-model", time.Second)

	text, err := n.Narrate(context.Background(), &models.Verdict{Symbol: "VNM", Action: models.ActionBuy})
	require.NoError(t, err)
	assert.Equal(t, "Buy VNM on strong trend.", text)
}

func TestAnalystReadsBullishContext(t *testing.T) {
	sc := SignalContext{
		Symbol: "FPT", Price: 120000, ChangePct: 2.5,
		Volume: 3_000_000, AvgVolume: 1_000_000,
		RSI: 28, EMA20: 115000, EMA50: 110000, EMA200: 100000,
		MACD: 1.2, MACDSignal: 0.8, MACDHist: 0.4, ADX: 30,
		StochK: 15, StochD: 10, OBV: 10, OBVEMA: 5, MFI: 15,
		Support: 119500, Resistance: 135000, VWAP: 118000,
	}
	sig, err := NewAnalystAgent().Analyze(context.Background(), sc)
	require.NoError(t, err)
	assert.True(t, sig.Action.IsBullish(), "got %s", sig.Action)
	assert.Greater(t, sig.Confidence, 60.0)
	assert.Less(t, sig.StopLoss, sc.Price)
	assert.Greater(t, sig.TakeProfit, sc.Price)
}

func TestBearAndBullOnSellOff(t *testing.T) {
	sc := SignalContext{
		Symbol: "HPG", Price: 24000, ChangePct: -4.5,
		Volume: 4_000_000, AvgVolume: 1_500_000,
		RSI: 72, EMA20: 25000, EMA50: 26000,
		MACD: -0.5, MACDSignal: 0.1, MACDHist: -0.6,
		Support: 20000, Resistance: 24200, PE: 35,
	}
	bear, err := NewBearAgent().Analyze(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, models.ActionStrongSell, bear.Action)
	assert.Greater(t, bear.Confidence, 60.0)
	assert.Greater(t, bear.StopLoss, sc.Price)

	bull, err := NewBullAgent().Analyze(context.Background(), sc)
	require.NoError(t, err)
	assert.False(t, bull.Action.IsBullish())
}

func TestAgentsRejectMissingPrice(t *testing.T) {
	for _, a := range []Agent{NewAnalystAgent(), NewBullAgent(), NewBearAgent(),
		NewRiskGateAgent(DefaultRiskLimits(), broker.DefaultMarketRules(), broker.DefaultFeeSchedule())} {
		_, err := a.Analyze(context.Background(), SignalContext{Symbol: "X"})
		var agentErr *errors.AgentError
		assert.True(t, errors.As(err, &agentErr), a.Name())
	}
}

func TestRiskGateSizingAndApproval(t *testing.T) {
	rg := NewRiskGateAgent(DefaultRiskLimits(), broker.DefaultMarketRules(), broker.DefaultFeeSchedule())
	sc := SignalContext{
		Symbol: "VNM", Price: 25000, ReferencePrice: 25000, ATR: 500,
		Portfolio: Portfolio{Cash: 100_000_000, NAV: 100_000_000},
	}

	sig, err := rg.Analyze(context.Background(), sc)
	require.NoError(t, err)
	assert.False(t, sig.Veto)
	assert.Equal(t, models.ActionWatch, sig.Action)
	assert.Equal(t, int64(400), sig.SuggestedQuantity)
	assert.Equal(t, 24000.0, sig.StopLoss)
	assert.Equal(t, 26250.0, sig.TakeProfit)
}

func TestRiskGateVetoes(t *testing.T) {
	rg := NewRiskGateAgent(DefaultRiskLimits(), broker.DefaultMarketRules(), broker.DefaultFeeSchedule())
	base := SignalContext{
		Symbol: "VNM", Price: 25000, ReferencePrice: 25000, ATR: 500,
		Portfolio: Portfolio{Cash: 100_000_000, NAV: 100_000_000},
	}

	tests := []struct {
		name   string
		mutate func(*SignalContext)
		rule   string
	}{
		{"max positions", func(sc *SignalContext) { sc.Portfolio.OpenPositions = 10 }, "max_open_positions"},
		{"cash", func(sc *SignalContext) { sc.Portfolio.Cash = 2_000_000 }, "min_cash"},
		{"volatility", func(sc *SignalContext) { sc.ATR = 2000 }, "volatility"},
		{"daily loss", func(sc *SignalContext) { sc.Portfolio.DailyPnL = -3_500_000 }, "daily_loss"},
		{"ceiling", func(sc *SignalContext) { sc.Price = 26700 }, "near_ceiling"},
		{"floor", func(sc *SignalContext) { sc.Price = 23300 }, "near_floor"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := base
			tt.mutate(&sc)
			sig, err := rg.Analyze(context.Background(), sc)
			require.NoError(t, err)
			assert.True(t, sig.Veto)
			assert.Equal(t, models.ActionHold, sig.Action)
			require.NotEmpty(t, sig.Violations)
			assert.True(t, strings.Contains(strings.Join(sig.Violations, ";"), tt.rule))
		})
	}
}

func TestRiskGateNeverVetoesHeldSymbol(t *testing.T) {
	rg := NewRiskGateAgent(DefaultRiskLimits(), broker.DefaultMarketRules(), broker.DefaultFeeSchedule())
	sc := SignalContext{
		Symbol: "VNM", Price: 23300, ReferencePrice: 25000, ATR: 500,
		Portfolio: Portfolio{Cash: 100_000_000, NAV: 100_000_000, DailyPnL: -3_500_000, HoldsSymbol: true},
	}

	sig, err := rg.Analyze(context.Background(), sc)
	require.NoError(t, err)
	assert.False(t, sig.Veto)
	assert.Equal(t, models.ActionWatch, sig.Action)
	joined := strings.Join(sig.Violations, ";")
	assert.Contains(t, joined, "near_floor")
	assert.Contains(t, joined, "daily_loss")
}

// bySymbol votes per symbol and records how many rounds overlap.
type bySymbol struct {
	votes   map[string]models.Signal
	mu      sync.Mutex
	running int
	peak    int
}

func (b *bySymbol) Name() string { return "analyst" }
func (b *bySymbol) Role() Role   { return RoleAdvisory }

func (b *bySymbol) Analyze(_ context.Context, sc SignalContext) (models.Signal, error) {
	b.mu.Lock()
	b.running++
	if b.running > b.peak {
		b.peak = b.running
	}
	b.mu.Unlock()

	time.Sleep(10 * time.Millisecond)

	b.mu.Lock()
	b.running--
	b.mu.Unlock()
	return b.votes[sc.Symbol], nil
}

func TestScanRanksAndBoundsRounds(t *testing.T) {
	voter := &bySymbol{votes: map[string]models.Signal{
		"FPT": {Action: models.ActionStrongBuy, Confidence: 60},
		"HPG": {Action: models.ActionStrongBuy, Confidence: 90},
		"MWG": {Action: models.ActionHold, Confidence: 95},
		"SSI": {Action: models.ActionStrongBuy, Confidence: 75},
		"VNM": {Action: models.ActionStrongBuy, Confidence: 30},
	}}
	c, err := NewCoordinator(CoordinatorConfig{
		Agents:       []Agent{voter, riskGate(false)},
		Logger:       zerolog.Nop(),
		AgentTimeout: time.Second,
	})
	require.NoError(t, err)

	contexts := []SignalContext{
		{Symbol: "VNM", Price: 70000},
		{Symbol: "FPT", Price: 120000},
		{Symbol: "HPG", Price: 26000},
		{Symbol: "", Price: 1000},
		{Symbol: "MWG", Price: 60000},
		{Symbol: "SSI", Price: 30000},
		{Symbol: "VNM", Price: 71000},
	}
	results := c.Scan(context.Background(), contexts, 2)

	require.Len(t, results, 6, "duplicate symbols collapse to one round")
	var order []string
	for _, r := range results {
		order = append(order, r.Symbol)
	}
	assert.Equal(t, []string{"HPG", "SSI", "FPT", "VNM", "MWG", ""}, order)
	assert.Equal(t, 71000.0, results[3].Verdict.Price, "last context for a symbol wins")
	assert.Equal(t, models.ActionHold, results[4].Verdict.Action)
	assert.Nil(t, results[5].Verdict)
	assert.NotEmpty(t, results[5].Error)
	assert.LessOrEqual(t, voter.peak, 2)
}

func TestScanCancelled(t *testing.T) {
	c, _ := newTestCoordinator(t, nil, advisor("analyst", models.ActionBuy, 70), riskGate(false))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := c.Scan(ctx, []SignalContext{{Symbol: "VNM", Price: 25000}, {Symbol: "FPT", Price: 120000}}, 4)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Nil(t, r.Verdict)
		assert.Contains(t, r.Error, context.Canceled.Error())
	}
}
