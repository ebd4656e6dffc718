package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vn-autotrader/internal/errors"
	"vn-autotrader/internal/logging"
	"vn-autotrader/internal/metrics"
	"vn-autotrader/internal/models"
)

// PaperBrokerConfig holds configuration for the paper broker.
type PaperBrokerConfig struct {
	Quotes   QuoteProvider
	Ledger   *Ledger
	Rules    MarketRules
	Fees     FeeSchedule
	Events   EventPublisher
	Recorder TradeRecorder
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	Clock    func() time.Time
}

// PaperBroker simulates order execution against a Ledger. Orders for one
// symbol are processed one at a time.
type PaperBroker struct {
	quotes   QuoteProvider
	ledger   *Ledger
	rules    MarketRules
	fees     FeeSchedule
	events   EventPublisher
	recorder TradeRecorder
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	orders map[string]*models.Order
	active map[string]string // symbol -> order id
	mu     sync.RWMutex

	symbolLocks map[string]*sync.Mutex
	locksMu     sync.Mutex
}

// NewPaperBroker creates a new paper trading broker.
func NewPaperBroker(cfg PaperBrokerConfig) *PaperBroker {
	if cfg.Ledger == nil {
		cfg.Ledger = NewLedger(decimal.NewFromInt(100_000_000))
	}
	if cfg.Rules.LotSize == 0 {
		cfg.Rules = DefaultMarketRules()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &PaperBroker{
		quotes:      cfg.Quotes,
		ledger:      cfg.Ledger,
		rules:       cfg.Rules,
		fees:        cfg.Fees,
		events:      cfg.Events,
		recorder:    cfg.Recorder,
		metrics:     cfg.Metrics,
		logger:      logging.WithComponent(cfg.Logger, "broker"),
		now:         cfg.Clock,
		orders:      make(map[string]*models.Order),
		active:      make(map[string]string),
		symbolLocks: make(map[string]*sync.Mutex),
	}
}

// Ledger returns the underlying ledger.
func (p *PaperBroker) Ledger() *Ledger {
	return p.ledger
}

// Rules returns the market rules the broker validates against.
func (p *PaperBroker) Rules() MarketRules {
	return p.rules
}

// Fees returns the fee schedule the broker charges.
func (p *PaperBroker) Fees() FeeSchedule {
	return p.fees
}

func (p *PaperBroker) symbolLock(symbol string) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	l, ok := p.symbolLocks[symbol]
	if !ok {
		l = &sync.Mutex{}
		p.symbolLocks[symbol] = l
	}
	return l
}

// PlaceOrder runs an order through PENDING -> REJECTED | QUEUED ->
// FILLED | CANCELLED. Validation failures produce a REJECTED order and a
// nil error; an error is returned only when ctx is already done.
func (p *PaperBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*models.Order, error) {
	lock := p.symbolLock(req.Symbol)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := p.now()
	order := &models.Order{
		ID:        uuid.NewString(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Price:     req.Price,
		Status:    models.OrderStatusPending,
		Tag:       req.Tag,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if order.Type == "" {
		order.Type = models.OrderTypeLimit
	}

	p.mu.Lock()
	p.orders[order.ID] = order
	p.active[order.Symbol] = order.ID
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.active[order.Symbol] == order.ID {
			delete(p.active, order.Symbol)
		}
		p.mu.Unlock()
	}()

	log := logging.WithOrderID(logging.WithSymbol(p.logger, order.Symbol), order.ID)

	p.execute(ctx, order)

	final := p.snapshot(order)
	logging.LogOrder(log, final.ID, final.Symbol, string(final.Side), string(final.Status), final.RejectReason)
	p.metrics.RecordOrder(string(final.Side), string(final.Status))
	return final, nil
}

func (p *PaperBroker) execute(ctx context.Context, order *models.Order) {
	if reason := p.validateShape(order); reason != "" {
		p.transition(order, models.OrderStatusRejected, reason)
		return
	}

	if err := p.rules.CheckLot(order.Quantity); err != nil {
		p.transition(order, models.OrderStatusRejected, errors.Wrap(err, errors.ErrInvalidLotSize.Error()).Error())
		return
	}

	if p.quotes == nil {
		p.transition(order, models.OrderStatusRejected, errors.ErrQuoteUnavailable.Error())
		return
	}
	book, err := p.quotes.GetOrderbook(ctx, order.Symbol)
	if err != nil || book == nil {
		p.transition(order, models.OrderStatusRejected, fmt.Sprintf("%s: %v", errors.ErrQuoteUnavailable, err))
		return
	}

	price := order.Price
	if order.Type.IsMarket() {
		price = book.Last
		if !price.IsPositive() {
			p.transition(order, models.OrderStatusRejected, errors.ErrQuoteUnavailable.Error()+": no last price")
			return
		}
		p.mu.Lock()
		order.Price = price
		p.mu.Unlock()
	}

	reference := book.Reference
	if !reference.IsPositive() {
		reference = book.Last
	}
	if err := p.rules.CheckBand(price, reference); err != nil {
		p.transition(order, models.OrderStatusRejected, errors.Wrap(err, errors.ErrPriceOutOfBand.Error()).Error())
		return
	}

	switch order.Side {
	case models.OrderSideBuy:
		cost := p.fees.BuyCost(order.Quantity, price)
		if cash := p.ledger.Cash(); cash.LessThan(cost) {
			p.transition(order, models.OrderStatusRejected,
				fmt.Sprintf("%s: need %s, have %s", errors.ErrInsufficientFunds, cost.StringFixed(0), cash.StringFixed(0)))
			return
		}
	case models.OrderSideSell:
		h, ok := p.ledger.Holding(order.Symbol)
		if !ok || h.Quantity < order.Quantity {
			p.transition(order, models.OrderStatusRejected,
				fmt.Sprintf("%s: selling %d, holding %d", errors.ErrInsufficientPosition, order.Quantity, h.Quantity))
			return
		}
	}

	if !p.transition(order, models.OrderStatusQueued, "") {
		return
	}

	if order.Type == models.OrderTypeLimit && !marketable(order.Side, price, book.Last) {
		p.transition(order, models.OrderStatusCancelled,
			fmt.Sprintf("limit %s not marketable at last %s", price.String(), book.Last.String()))
		return
	}

	fees := p.fees.Compute(order.Side, order.Quantity, price)

	// The fill is booked under p.mu so a concurrent CancelOrder either
	// lands before it or fails with ErrOrderNotActive.
	p.mu.Lock()
	if order.Status != models.OrderStatusQueued {
		p.mu.Unlock()
		return
	}
	trade, err := p.ledger.Apply(models.Trade{
		OrderID:    order.ID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Quantity:   order.Quantity,
		Price:      price,
		Commission: fees.Commission,
		Tax:        fees.Tax,
		Slippage:   fees.Slippage,
		ExecutedAt: p.now(),
	})
	if err != nil {
		order.Status = models.OrderStatusCancelled
		order.RejectReason = err.Error()
		order.UpdatedAt = p.now()
		p.mu.Unlock()
		return
	}
	order.Status = models.OrderStatusFilled
	order.FilledQty = order.Quantity
	order.FilledPrice = price
	order.Commission = fees.Commission
	order.Tax = fees.Tax
	order.Slippage = fees.Slippage
	order.UpdatedAt = trade.ExecutedAt
	filled := *order
	p.mu.Unlock()

	p.metrics.SetCash(floatOf(p.ledger.Cash()))

	if p.recorder != nil {
		if err := p.recorder.SaveTrade(ctx, trade); err != nil {
			p.logger.Error().Err(err).Str("order_id", order.ID).Msg("Failed to persist trade")
		}
	}
	if p.events != nil {
		p.events.Publish(models.OrderExecuted{Order: filled, At: trade.ExecutedAt})
	}
}

func (p *PaperBroker) validateShape(order *models.Order) string {
	switch {
	case order.Symbol == "":
		return "symbol is required"
	case order.Side != models.OrderSideBuy && order.Side != models.OrderSideSell:
		return fmt.Sprintf("unknown side %q", order.Side)
	case order.Type != models.OrderTypeLimit && !order.Type.IsMarket():
		return fmt.Sprintf("unsupported order type %q", order.Type)
	case order.Type == models.OrderTypeLimit && !order.Price.IsPositive():
		return "limit price must be positive"
	}
	return ""
}

func marketable(side models.OrderSide, limit, last decimal.Decimal) bool {
	if !last.IsPositive() {
		return true
	}
	if side == models.OrderSideBuy {
		return last.LessThanOrEqual(limit)
	}
	return last.GreaterThanOrEqual(limit)
}

// transition moves the order forward if the state machine allows it.
func (p *PaperBroker) transition(order *models.Order, next models.OrderStatus, reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !order.Status.CanTransition(next) {
		return false
	}
	order.Status = next
	order.UpdatedAt = p.now()
	if reason != "" {
		order.RejectReason = reason
	}
	return true
}

func (p *PaperBroker) snapshot(order *models.Order) *models.Order {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := *order
	return &cp
}

// CancelOrder cancels a PENDING or QUEUED order.
func (p *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.RLock()
	order, ok := p.orders[orderID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrOrderNotFound, orderID)
	}
	if !p.transition(order, models.OrderStatusCancelled, "cancelled by request") {
		return errors.NewOrderError(orderID, order.Symbol, string(order.Side), "cannot cancel", errors.ErrOrderNotActive)
	}
	return nil
}

// GetOrder returns a copy of the order.
func (p *PaperBroker) GetOrder(orderID string) (*models.Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	order, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrOrderNotFound, orderID)
	}
	cp := *order
	return &cp, nil
}

// ActiveOrder returns the id of the order currently being processed for
// symbol, if any.
func (p *PaperBroker) ActiveOrder(symbol string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.active[symbol]
	return id, ok
}

// Orders returns all orders, oldest first.
func (p *PaperBroker) Orders() []models.Order {
	p.mu.RLock()
	out := make([]models.Order, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, *o)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Account returns a snapshot of the ledger.
func (p *PaperBroker) Account() models.Account {
	return p.ledger.Snapshot()
}

func floatOf(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
