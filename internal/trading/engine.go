// Package trading wires consensus, execution and position monitoring into
// the trading loop.
package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"vn-autotrader/internal/agents"
	"vn-autotrader/internal/broker"
	"vn-autotrader/internal/config"
	"vn-autotrader/internal/errors"
	"vn-autotrader/internal/logging"
	"vn-autotrader/internal/models"
)

// Runner is a long-running component of the engine.
type Runner interface {
	Run(ctx context.Context) error
}

// OutcomeRecorder learns from closed positions.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, o models.Outcome) ([]models.AgentSample, error)
}

// ExitRecorder persists exits and the daily closes used as price fallback.
type ExitRecorder interface {
	SaveExit(ctx context.Context, exit models.PositionExited, verdictID string) error
	SaveClose(ctx context.Context, symbol string, date time.Time, close decimal.Decimal) error
}

// QuoteSink receives the prices carried by incoming contexts.
type QuoteSink interface {
	Update(symbol string, last, reference decimal.Decimal, at time.Time)
}

// EngineConfig holds the engine's collaborators.
type EngineConfig struct {
	Coordinator *agents.Coordinator
	Broker      broker.Broker
	Scheduler   *PositionScheduler
	Learner     OutcomeRecorder
	Recorder    ExitRecorder
	Quotes      QuoteSink
	Runners     []Runner // run alongside the scheduler, e.g. event bus and weight adapter
	Consensus   config.ConsensusConfig
	Exits       config.SchedulerConfig
	LotSize     int64
	Logger      zerolog.Logger
	Clock       func() time.Time
}

// Decision is what the engine did with a verdict.
type Decision string

const (
	DecisionNone    Decision = "NONE"
	DecisionBuy     Decision = "BUY"
	DecisionExit    Decision = "EXIT"
	DecisionSkipped Decision = "SKIPPED"
)

// Result is the outcome of processing one context.
type Result struct {
	Verdict  *models.Verdict
	Decision Decision
	Order    *models.Order
	Note     string
}

// Engine turns verdicts into orders and tracked positions.
type Engine struct {
	coordinator *agents.Coordinator
	broker      broker.Broker
	scheduler   *PositionScheduler
	learner     OutcomeRecorder
	recorder    ExitRecorder
	quotes      QuoteSink
	runners     []Runner
	consensus   config.ConsensusConfig
	exits       config.SchedulerConfig
	lotSize     int64
	logger      zerolog.Logger
	now         func() time.Time
}

// NewEngine creates the engine and installs its exit hook on the scheduler.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Coordinator == nil || cfg.Broker == nil || cfg.Scheduler == nil {
		return nil, errors.NewValidationError("engine", nil, "coordinator, broker and scheduler are required")
	}
	if cfg.LotSize <= 0 {
		cfg.LotSize = 100
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	e := &Engine{
		coordinator: cfg.Coordinator,
		broker:      cfg.Broker,
		scheduler:   cfg.Scheduler,
		learner:     cfg.Learner,
		recorder:    cfg.Recorder,
		quotes:      cfg.Quotes,
		runners:     cfg.Runners,
		consensus:   cfg.Consensus,
		exits:       cfg.Exits,
		lotSize:     cfg.LotSize,
		logger:      logging.WithComponent(cfg.Logger, "engine"),
		now:         cfg.Clock,
	}
	cfg.Scheduler.SetExitHook(e.onExit)
	return e, nil
}

// Process runs one consensus round for sc and acts on the verdict.
func (e *Engine) Process(ctx context.Context, sc agents.SignalContext) (*Result, error) {
	if sc.Symbol == "" || sc.Price <= 0 {
		return nil, errors.NewValidationError("context", sc.Symbol, "symbol and positive price are required")
	}
	now := e.now()
	e.observe(ctx, sc, now)

	account := e.broker.Account()
	holding, held := account.Holdings[sc.Symbol]
	e.fillPortfolio(&sc, account, held)

	v, err := e.coordinator.Verdict(ctx, sc)
	if err != nil {
		return nil, err
	}
	res := &Result{Verdict: v, Decision: DecisionNone}
	log := logging.WithSymbol(e.logger, sc.Symbol)

	switch {
	case v.Action.IsBullish():
		switch {
		case !v.Actionable():
			res.Note = "verdict not actionable"
		case v.Confidence < e.consensus.MinTradeConfidence:
			res.Note = fmt.Sprintf("confidence %.1f below %.1f", v.Confidence, e.consensus.MinTradeConfidence)
		case held && holding.Quantity > 0:
			res.Note = "already holding"
		default:
			return e.enter(ctx, sc, v, res)
		}
	case v.Action.IsBearish() && held:
		if _, tracked := e.scheduler.Position(sc.Symbol); !tracked {
			res.Note = "holding is not tracked"
			break
		}
		order, err := e.scheduler.RequestExit(ctx, sc.Symbol)
		switch {
		case errors.Is(err, errors.ErrNotSettled):
			res.Decision = DecisionSkipped
			res.Note = err.Error()
			log.Info().Err(err).Msg("Bearish verdict on unsettled position")
		case err != nil:
			res.Decision = DecisionSkipped
			res.Order = order
			res.Note = err.Error()
			log.Warn().Err(err).Msg("Exit request failed")
		default:
			res.Decision = DecisionExit
			res.Order = order
		}
	}
	return res, nil
}

// observe feeds the context price into the quote cache and the daily close
// table used when live quotes fail.
func (e *Engine) observe(ctx context.Context, sc agents.SignalContext, now time.Time) {
	last := decimal.NewFromFloat(sc.Price)
	ref := decimal.NewFromFloat(sc.ReferencePrice)
	if e.quotes != nil {
		e.quotes.Update(sc.Symbol, last, ref, now)
	}
	if e.recorder != nil {
		if err := e.recorder.SaveClose(ctx, sc.Symbol, now, last); err != nil {
			e.logger.Warn().Err(err).Str("symbol", sc.Symbol).Msg("Failed to store close")
		}
	}
}

// fillPortfolio supplies account state when the context carries none.
func (e *Engine) fillPortfolio(sc *agents.SignalContext, account models.Account, held bool) {
	p := &sc.Portfolio
	if p.Cash == 0 && p.NAV == 0 {
		marks := map[string]decimal.Decimal{sc.Symbol: decimal.NewFromFloat(sc.Price)}
		p.Cash, _ = account.Cash.Float64()
		p.NAV, _ = account.NAV(marks).Float64()
	}
	if p.OpenPositions == 0 {
		p.OpenPositions = len(account.Holdings)
	}
	p.HoldsSymbol = p.HoldsSymbol || held
}

func (e *Engine) enter(ctx context.Context, sc agents.SignalContext, v *models.Verdict, res *Result) (*Result, error) {
	qty := v.SuggestedQuantity
	if qty <= 0 {
		lots := e.consensus.DefaultLots
		if lots <= 0 {
			lots = 1
		}
		qty = lots * e.lotSize
	}
	orderType := models.OrderType(e.consensus.EntryOrderType)
	if orderType == "" {
		orderType = models.OrderTypeLimit
	}

	order, err := e.broker.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:   sc.Symbol,
		Side:     models.OrderSideBuy,
		Type:     orderType,
		Quantity: qty,
		Price:    decimal.NewFromFloat(sc.Price),
		Tag:      v.ID,
	})
	if err != nil {
		return nil, err
	}
	res.Order = order
	if order.Status != models.OrderStatusFilled {
		res.Decision = DecisionSkipped
		res.Note = fmt.Sprintf("buy %s: %s", order.Status, order.RejectReason)
		return res, nil
	}
	res.Decision = DecisionBuy

	tp, trail, sl := e.exitLevels(v, order.FilledPrice)
	pos := models.NewPosition(sc.Symbol, order.FilledQty, order.FilledPrice, order.UpdatedAt, tp, trail, sl)
	pos.VerdictID = v.ID
	pos.Attribution = v.Attribution()
	if err := e.scheduler.Track(ctx, pos); err != nil {
		e.logger.Error().Err(err).Str("symbol", sc.Symbol).Msg("Failed to track position")
		res.Note = err.Error()
	}
	return res, nil
}

// exitLevels converts the verdict's price targets into percentages from the
// fill, falling back to configured defaults.
func (e *Engine) exitLevels(v *models.Verdict, fill decimal.Decimal) (tp, trail, sl float64) {
	tp, trail, sl = e.exits.TakeProfitPct, e.exits.TrailingStopPct, e.exits.StopLossPct
	price, _ := fill.Float64()
	if price <= 0 {
		return tp, trail, sl
	}
	if v.TakeProfit > price {
		tp = (v.TakeProfit - price) / price
	}
	if v.StopLoss > 0 && v.StopLoss < price {
		sl = (v.StopLoss - price) / price
	}
	return tp, trail, sl
}

func (e *Engine) onExit(ctx context.Context, exit models.PositionExited, closed *models.Position) {
	log := logging.WithSymbol(e.logger, exit.Symbol)
	if e.recorder != nil {
		if err := e.recorder.SaveExit(ctx, exit, closed.VerdictID); err != nil {
			log.Error().Err(err).Msg("Failed to persist exit")
		}
	}
	if e.learner != nil {
		_, err := e.learner.RecordOutcome(ctx, models.Outcome{
			VerdictID:   closed.VerdictID,
			Symbol:      exit.Symbol,
			Attribution: closed.Attribution,
			PnLPct:      exit.PnLPct,
			HoldingDays: exit.HoldingDays,
			ClosedAt:    exit.At,
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to record outcome")
		}
	}
}

// Run starts the scheduler and every runner, and returns when ctx is done
// or one of them fails.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.scheduler.Run(ctx) })
	for _, r := range e.runners {
		r := r
		g.Go(func() error { return r.Run(ctx) })
	}
	return g.Wait()
}

// Scheduler returns the position scheduler.
func (e *Engine) Scheduler() *PositionScheduler {
	return e.scheduler
}
