package agents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"vn-autotrader/internal/errors"
	"vn-autotrader/internal/logging"
	"vn-autotrader/internal/metrics"
	"vn-autotrader/internal/models"
)

// WeightSource supplies the live weight of each agent.
type WeightSource interface {
	Weight(agent string) float64
}

// Narrator rewrites the rule-based reasoning of a verdict.
type Narrator interface {
	Narrate(ctx context.Context, v *models.Verdict) (string, error)
}

// VerdictRecorder persists verdicts.
type VerdictRecorder interface {
	SaveVerdict(ctx context.Context, v *models.Verdict) error
}

// Publisher receives verdict events.
type Publisher interface {
	Publish(models.Event) bool
}

// CoordinatorConfig holds configuration for the consensus round.
type CoordinatorConfig struct {
	Agents       []Agent // advisory agents plus exactly one risk agent
	Chief        *ChiefAgent
	Weights      WeightSource
	Narrator     Narrator
	Events       Publisher
	Recorder     VerdictRecorder
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
	AgentTimeout time.Duration
	HistorySize  int
	Clock        func() time.Time
}

// AgentResult is the outcome of one agent call.
type AgentResult struct {
	Agent   string
	Role    Role
	Signal  models.Signal
	Err     error
	Elapsed time.Duration
}

// Coordinator runs consensus rounds.
type Coordinator struct {
	advisory []Agent
	risk     Agent
	chief    *ChiefAgent
	weights  WeightSource
	narrator Narrator
	events   Publisher
	recorder VerdictRecorder
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	timeout  time.Duration
	now      func() time.Time

	mu          sync.Mutex
	inflight    map[string]struct{}
	history     map[string][]models.Verdict
	historySize int
}

// NewCoordinator creates a consensus coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	c := &Coordinator{
		chief:       cfg.Chief,
		weights:     cfg.Weights,
		narrator:    cfg.Narrator,
		events:      cfg.Events,
		recorder:    cfg.Recorder,
		metrics:     cfg.Metrics,
		logger:      logging.WithComponent(cfg.Logger, "consensus"),
		timeout:     cfg.AgentTimeout,
		now:         cfg.Clock,
		inflight:    make(map[string]struct{}),
		history:     make(map[string][]models.Verdict),
		historySize: cfg.HistorySize,
	}
	for _, a := range cfg.Agents {
		switch a.Role() {
		case RoleRisk:
			if c.risk != nil {
				return nil, errors.NewValidationError("agents", a.Name(), "more than one risk agent")
			}
			c.risk = a
		default:
			c.advisory = append(c.advisory, a)
		}
	}
	if c.risk == nil {
		return nil, errors.NewValidationError("agents", nil, "a risk agent is required")
	}
	if c.chief == nil {
		c.chief = NewChiefAgent(DefaultChiefConfig())
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Second
	}
	if c.historySize <= 0 {
		c.historySize = 50
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Verdict runs one consensus round for sc.Symbol. A failing risk gate yields
// a HOLD verdict with RiskCheckFailed set, not an error.
func (c *Coordinator) Verdict(ctx context.Context, sc SignalContext) (*models.Verdict, error) {
	if sc.Symbol == "" {
		return nil, errors.NewValidationError("symbol", sc.Symbol, "symbol is required")
	}
	if err := c.acquire(sc.Symbol); err != nil {
		return nil, err
	}
	defer c.release(sc.Symbol)

	log := logging.WithSymbol(c.logger, sc.Symbol)

	results := c.fanOut(ctx, sc)

	var (
		advisory []models.Signal
		risk     *models.Signal
		riskErr  error
		failures error
	)
	for _, r := range results {
		switch {
		case r.Role == RoleRisk && r.Err != nil:
			riskErr = r.Err
		case r.Role == RoleRisk:
			s := r.Signal
			risk = &s
		case r.Err != nil:
			failures = multierr.Append(failures, r.Err)
		default:
			advisory = append(advisory, r.Signal)
		}
	}
	if failures != nil {
		log.Warn().Err(failures).Int("failed", len(multierr.Errors(failures))).Msg("Advisory agents failed")
	}

	var v *models.Verdict
	switch {
	case riskErr != nil:
		log.Error().Err(riskErr).Msg("Risk check failed, forcing HOLD")
		v = &models.Verdict{
			Symbol:          sc.Symbol,
			Action:          models.ActionHold,
			Signals:         advisory,
			RiskCheckFailed: true,
			Reasoning:       fmt.Sprintf("%s: %v", errors.ErrRiskGateFailed, riskErr),
		}
	case len(advisory) == 0:
		v = c.chief.Decide(sc.Symbol, nil, risk, nil, 0, false)
		v.Reasoning = errors.ErrNoAgentResponses.Error()
		v.Vetoed = risk.Veto
	default:
		weights := c.weightsFor(advisory)
		agreement := AgreementScore(advisory, weights)
		conflict := HasConflict(advisory)
		v = c.chief.Decide(sc.Symbol, advisory, risk, weights, agreement, conflict)
		c.narrate(ctx, v, log)
	}

	v.ID = uuid.NewString()
	v.Price = sc.Price
	v.Timestamp = c.now()

	c.finish(ctx, v, log)
	return v, nil
}

func (c *Coordinator) acquire(symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[symbol]; busy {
		return fmt.Errorf("%w: %s", errors.ErrRoundInFlight, symbol)
	}
	c.inflight[symbol] = struct{}{}
	return nil
}

func (c *Coordinator) release(symbol string) {
	c.mu.Lock()
	delete(c.inflight, symbol)
	c.mu.Unlock()
}

// fanOut calls every agent concurrently and waits at most one agent timeout.
func (c *Coordinator) fanOut(ctx context.Context, sc SignalContext) []AgentResult {
	all := append(append([]Agent(nil), c.advisory...), c.risk)
	resultChan := make(chan AgentResult, len(all))

	for _, a := range all {
		go func(a Agent) {
			resultChan <- c.callAgent(ctx, a, sc)
		}(a)
	}

	results := make([]AgentResult, 0, len(all))
	for range all {
		results = append(results, <-resultChan)
	}
	return results
}

// callAgent runs one agent under its own timeout. The agent goroutine writes
// to a buffered channel so an abandoned call never blocks.
func (c *Coordinator) callAgent(ctx context.Context, a Agent, sc SignalContext) AgentResult {
	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	res := AgentResult{Agent: a.Name(), Role: a.Role()}

	type outcome struct {
		signal models.Signal
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		sig, err := a.Analyze(actx, sc)
		done <- outcome{signal: sig, err: err}
	}()

	failure := ""
	select {
	case o := <-done:
		res.Signal, res.Err = o.signal, o.err
		if res.Err == nil {
			res.Err = c.checkSignal(a, sc.Symbol, &res.Signal)
		}
		if res.Err != nil {
			failure = "error"
		}
	case <-actx.Done():
		res.Err = fmt.Errorf("%w: %v", errors.ErrTimeout, actx.Err())
		failure = "timeout"
	}
	res.Elapsed = time.Since(start)

	if res.Err != nil {
		res.Err = errors.NewAgentError(a.Name(), "analyze", res.Err)
	}
	c.metrics.RecordAgentCall(a.Name(), res.Elapsed, failure)
	return res
}

func (c *Coordinator) checkSignal(a Agent, symbol string, s *models.Signal) error {
	if !s.Action.Valid() {
		return fmt.Errorf("invalid action %q", s.Action)
	}
	if s.AgentName == "" {
		s.AgentName = a.Name()
	}
	if s.Symbol == "" {
		s.Symbol = symbol
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = c.now()
	}
	s.Confidence = ClampConfidence(s.Confidence)
	return nil
}

func (c *Coordinator) weightsFor(signals []models.Signal) map[string]float64 {
	out := make(map[string]float64, len(signals))
	for _, s := range signals {
		w := 1.0
		if c.weights != nil {
			w = c.weights.Weight(s.AgentName)
		}
		out[s.AgentName] = w
	}
	return out
}

func (c *Coordinator) narrate(ctx context.Context, v *models.Verdict, log zerolog.Logger) {
	if c.narrator == nil {
		return
	}
	text, err := c.narrator.Narrate(ctx, v)
	if err != nil {
		log.Debug().Err(err).Msg("Narrator failed, keeping rule-based reasoning")
		return
	}
	if text != "" {
		v.Reasoning = text
	}
}

func (c *Coordinator) finish(ctx context.Context, v *models.Verdict, log zerolog.Logger) {
	c.mu.Lock()
	h := append(c.history[v.Symbol], *v)
	if len(h) > c.historySize {
		h = h[len(h)-c.historySize:]
	}
	c.history[v.Symbol] = h
	c.mu.Unlock()

	logging.LogVerdict(log, v.Symbol, string(v.Action), v.Confidence, v.AgreementScore, v.HasConflict)
	c.metrics.RecordVerdict(string(v.Action))

	if c.events != nil {
		c.events.Publish(models.VerdictReached{Verdict: *v})
	}
	if c.recorder != nil {
		if err := c.recorder.SaveVerdict(ctx, v); err != nil {
			log.Error().Err(err).Str("verdict_id", v.ID).Msg("Failed to persist verdict")
		}
	}
}

// History returns up to limit past verdicts for symbol, newest first.
func (c *Coordinator) History(symbol string, limit int) []models.Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.history[symbol]
	if limit <= 0 || limit > len(h) {
		limit = len(h)
	}
	out := make([]models.Verdict, 0, limit)
	for i := len(h) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, h[i])
	}
	return out
}

// Agents returns the names of all registered agents, risk gate last.
func (c *Coordinator) Agents() []string {
	names := make([]string, 0, len(c.advisory)+1)
	for _, a := range c.advisory {
		names = append(names, a.Name())
	}
	return append(names, c.risk.Name())
}
