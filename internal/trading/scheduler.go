package trading

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vn-autotrader/internal/broker"
	"vn-autotrader/internal/calendar"
	"vn-autotrader/internal/errors"
	"vn-autotrader/internal/logging"
	"vn-autotrader/internal/metrics"
	"vn-autotrader/internal/models"
)

// PositionStore persists monitored positions across restarts.
type PositionStore interface {
	SavePosition(ctx context.Context, p *models.Position) error
	DeletePosition(ctx context.Context, symbol string) error
	LoadPositions(ctx context.Context) ([]*models.Position, error)
}

// ExitHook is called after a position has been sold and removed.
type ExitHook func(ctx context.Context, exit models.PositionExited, closed *models.Position)

// SchedulerConfig holds configuration for the position scheduler.
type SchedulerConfig struct {
	Broker         broker.Broker
	Prices         PriceSource
	Calendar       *calendar.Trading
	Store          PositionStore
	Events         broker.EventPublisher
	Metrics        *metrics.Metrics
	Logger         zerolog.Logger
	PollInterval   time.Duration
	SettlementDays int
	ExitOrderType  models.OrderType
	OnExit         ExitHook
	Clock          func() time.Time
}

// PositionScheduler polls every open position on one ticker, enforces T+2
// settlement and sells on take-profit, trailing stop or stop-loss.
type PositionScheduler struct {
	broker     broker.Broker
	prices     PriceSource
	cal        *calendar.Trading
	store      PositionStore
	events     broker.EventPublisher
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	interval   time.Duration
	settlement int
	exitType   models.OrderType
	now        func() time.Time

	mu        sync.Mutex
	positions map[string]*models.Position
	onExit    ExitHook

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPositionScheduler creates a scheduler. Call Restore to reload
// persisted positions.
func NewPositionScheduler(cfg SchedulerConfig) *PositionScheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.SettlementDays <= 0 {
		cfg.SettlementDays = 2
	}
	if cfg.ExitOrderType == "" {
		cfg.ExitOrderType = models.OrderTypeLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Calendar == nil {
		cfg.Calendar = calendar.New(nil, time.UTC)
	}
	return &PositionScheduler{
		broker:     cfg.Broker,
		prices:     cfg.Prices,
		cal:        cfg.Calendar,
		store:      cfg.Store,
		events:     cfg.Events,
		metrics:    cfg.Metrics,
		logger:     logging.WithComponent(cfg.Logger, "scheduler"),
		interval:   cfg.PollInterval,
		settlement: cfg.SettlementDays,
		exitType:   cfg.ExitOrderType,
		now:        cfg.Clock,
		positions:  make(map[string]*models.Position),
		onExit:     cfg.OnExit,
		stopCh:     make(chan struct{}),
	}
}

// SetExitHook replaces the exit hook.
func (s *PositionScheduler) SetExitHook(hook ExitHook) {
	s.mu.Lock()
	s.onExit = hook
	s.mu.Unlock()
}

// Restore reloads persisted positions. Positions caught mid-exit are
// reopened so the next tick re-evaluates them.
func (s *PositionScheduler) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	loaded, err := s.store.LoadPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to restore positions: %w", err)
	}

	s.mu.Lock()
	for _, p := range loaded {
		if p.State == models.PositionExiting {
			p.State = models.PositionOpenUnsettled
		}
		s.refreshDays(p)
		s.positions[p.Symbol] = p
	}
	n := len(s.positions)
	s.mu.Unlock()

	s.metrics.SetOpenPositions(n)
	s.logger.Info().Int("positions", len(loaded)).Msg("Positions restored")
	return len(loaded), nil
}

func (s *PositionScheduler) refreshDays(p *models.Position) {
	p.SetTradingDays(s.cal.DaysHeld(p.EntryDate, s.now()), s.settlement)
}

// Track starts monitoring a filled buy. Tracking a symbol again replaces
// the previous position.
func (s *PositionScheduler) Track(ctx context.Context, p *models.Position) error {
	if p == nil || p.Symbol == "" {
		return errors.NewValidationError("position", p, "symbol is required")
	}
	if p.Quantity <= 0 || !p.AvgPrice.IsPositive() {
		return errors.NewValidationError("position", p.Symbol, "quantity and average price must be positive")
	}

	cp := p.Clone()
	s.mu.Lock()
	s.refreshDays(cp)
	s.positions[cp.Symbol] = cp
	n := len(s.positions)
	s.mu.Unlock()

	s.metrics.SetOpenPositions(n)
	log := logging.WithSymbol(s.logger, cp.Symbol)
	log.Info().
		Int64("quantity", cp.Quantity).
		Str("avg_price", cp.AvgPrice.String()).
		Time("settles", s.cal.SettlementDate(cp.EntryDate, s.settlement)).
		Msg("Tracking position")

	return s.persist(ctx, cp)
}

func (s *PositionScheduler) persist(ctx context.Context, p *models.Position) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.SavePosition(ctx, p); err != nil {
		return fmt.Errorf("failed to persist position %s: %w", p.Symbol, err)
	}
	return nil
}

// Positions returns copies of all monitored positions sorted by symbol.
func (s *PositionScheduler) Positions() []*models.Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Position, 0, len(s.positions))
	for _, p := range s.positions {
		cp := p.Clone()
		s.refreshDays(cp)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Position returns a copy of the position for symbol.
func (s *PositionScheduler) Position(symbol string) (*models.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[symbol]
	if !ok {
		return nil, false
	}
	cp := p.Clone()
	s.refreshDays(cp)
	return cp, true
}

// RequestExit sells a settled position at the current price. It fails with
// ErrNotSettled while the position cannot be sold yet and places no order.
func (s *PositionScheduler) RequestExit(ctx context.Context, symbol string) (*models.Order, error) {
	s.mu.Lock()
	p, ok := s.positions[symbol]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", errors.ErrPositionNotFound, symbol)
	}
	s.refreshDays(p)
	if !p.CanSell {
		days := p.TradingDaysHeld
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s held %d of %d trading days", errors.ErrNotSettled, symbol, days, s.settlement)
	}
	if p.State == models.PositionExiting {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: exit already in progress for %s", errors.ErrOrderNotActive, symbol)
	}
	p.State = models.PositionExiting
	s.mu.Unlock()

	price, src, err := s.price(ctx, symbol)
	if err != nil {
		s.reopen(symbol)
		return nil, err
	}
	s.metrics.RecordPriceSource(src)

	s.mu.Lock()
	if cur, ok := s.positions[symbol]; !ok || cur != p {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s replaced during exit", errors.ErrOrderNotActive, symbol)
	}
	p.Mark(price, s.now())
	s.mu.Unlock()

	return s.exit(ctx, symbol, models.ExitManual, price)
}

func (s *PositionScheduler) price(ctx context.Context, symbol string) (decimal.Decimal, string, error) {
	if s.prices == nil {
		return decimal.Zero, SourceNone, fmt.Errorf("%w: no price source", errors.ErrQuoteUnavailable)
	}
	return s.prices.Price(ctx, symbol)
}

// Run polls until ctx is done or Stop is called.
func (s *PositionScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("Position scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Position scheduler stopped")
			return nil
		case <-s.stopCh:
			s.logger.Info().Msg("Position scheduler stopped")
			return nil
		case <-ticker.C:
			s.PollOnce(ctx)
		}
	}
}

// Stop ends Run. It is safe to call more than once.
func (s *PositionScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// PollOnce runs one monitoring pass over every position. A failure on one
// position never affects the others.
func (s *PositionScheduler) PollOnce(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	symbols := make([]string, 0, len(s.positions))
	for sym := range s.positions {
		symbols = append(symbols, sym)
	}
	s.mu.Unlock()
	sort.Strings(symbols)

	for _, sym := range symbols {
		if ctx.Err() != nil {
			break
		}
		s.pollSafe(ctx, sym)
	}

	s.mu.Lock()
	n := len(s.positions)
	s.mu.Unlock()
	s.metrics.SetOpenPositions(n)
	s.metrics.ObservePoll(time.Since(start))
}

func (s *PositionScheduler) pollSafe(ctx context.Context, symbol string) {
	defer func() {
		if r := recover(); r != nil {
			log := logging.WithSymbol(s.logger, symbol)
			log.Error().Interface("panic", r).Msg("Position poll panicked")
			s.reopen(symbol)
		}
	}()
	s.poll(ctx, symbol)
}

func (s *PositionScheduler) poll(ctx context.Context, symbol string) {
	log := logging.WithSymbol(s.logger, symbol)

	s.mu.Lock()
	p, ok := s.positions[symbol]
	if !ok || p.State == models.PositionExiting {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	price, src, err := s.price(ctx, symbol)
	s.metrics.RecordPriceSource(src)
	if err != nil {
		log.Warn().Err(err).Msg("No price, skipping tick")
		return
	}

	s.mu.Lock()
	if cur, ok := s.positions[symbol]; !ok || cur != p || p.State == models.PositionExiting {
		s.mu.Unlock()
		log.Debug().Msg("Position replaced during price fetch, skipping tick")
		return
	}
	wasSettled := p.CanSell
	s.refreshDays(p)
	p.Mark(price, s.now())
	reason, due := p.ExitDue()
	if due {
		p.State = models.PositionExiting
	}
	snapshot := p.Clone()
	s.mu.Unlock()

	if !wasSettled && snapshot.CanSell {
		log.Info().Int("days_held", snapshot.TradingDaysHeld).Msg("Position settled")
	}
	log.Debug().
		Str("price", price.String()).
		Str("source", src).
		Float64("pnl_pct", snapshot.UnrealizedPct).
		Str("trailing_stop", snapshot.TrailingStopPrice.StringFixed(0)).
		Bool("can_sell", snapshot.CanSell).
		Msg("Position marked")

	if err := s.persist(ctx, snapshot); err != nil {
		log.Error().Err(err).Msg("Failed to persist position")
	}
	if !due {
		return
	}
	if _, err := s.exit(ctx, symbol, reason, price); err != nil {
		log.Warn().Err(err).Str("reason", string(reason)).Msg("Exit not filled, retrying next tick")
	}
}

// reopen returns a position stuck in EXITING to an open state.
func (s *PositionScheduler) reopen(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.positions[symbol]; ok && p.State == models.PositionExiting {
		p.State = models.PositionOpenSettled
		if !p.CanSell {
			p.State = models.PositionOpenUnsettled
		}
	}
}

// exit places one SELL order for the whole position. The position must
// already be in EXITING state.
func (s *PositionScheduler) exit(ctx context.Context, symbol string, reason models.ExitReason, price decimal.Decimal) (*models.Order, error) {
	s.mu.Lock()
	p, ok := s.positions[symbol]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", errors.ErrPositionNotFound, symbol)
	}
	qty := p.Quantity
	s.mu.Unlock()

	if s.broker == nil {
		s.reopen(symbol)
		return nil, fmt.Errorf("no broker configured")
	}

	order, err := s.broker.PlaceOrder(ctx, broker.OrderRequest{
		Symbol:   symbol,
		Side:     models.OrderSideSell,
		Type:     s.exitType,
		Quantity: qty,
		Price:    price,
		Tag:      string(reason),
	})
	if err != nil {
		s.reopen(symbol)
		return nil, err
	}
	if order.Status != models.OrderStatusFilled {
		s.reopen(symbol)
		return order, errors.NewOrderError(order.ID, symbol, string(order.Side),
			fmt.Sprintf("%s exit %s: %s", reason, order.Status, order.RejectReason), nil)
	}

	s.mu.Lock()
	closed := s.positions[symbol]
	delete(s.positions, symbol)
	hook := s.onExit
	n := len(s.positions)
	s.mu.Unlock()

	closed.State = models.PositionClosed
	closed.ExitReason = reason
	closed.Mark(order.FilledPrice, order.UpdatedAt)

	exit := models.PositionExited{
		Symbol:      symbol,
		Reason:      reason,
		Quantity:    order.FilledQty,
		EntryPrice:  closed.AvgPrice,
		ExitPrice:   order.FilledPrice,
		PnLPct:      closed.UnrealizedPct,
		HoldingDays: closed.TradingDaysHeld,
		OrderID:     order.ID,
		At:          order.UpdatedAt,
	}

	if s.store != nil {
		if err := s.store.DeletePosition(ctx, symbol); err != nil {
			s.logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to delete closed position")
		}
	}
	s.metrics.SetOpenPositions(n)
	s.metrics.RecordExit(string(reason))
	exitPrice, _ := order.FilledPrice.Float64()
	logging.LogExit(s.logger, symbol, string(reason), order.FilledQty, exitPrice, exit.PnLPct)

	if s.events != nil {
		s.events.Publish(exit)
	}
	if hook != nil {
		hook(ctx, exit, closed)
	}
	return order, nil
}
