package broker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"vn-autotrader/internal/errors"
	"vn-autotrader/internal/models"
)

// Ledger is the simulated cash and holdings book. Every mutation happens
// under one mutex and is applied completely or not at all.
type Ledger struct {
	initial  decimal.Decimal
	cash     decimal.Decimal
	realized decimal.Decimal
	holdings map[string]*models.Holding
	trades   []models.Trade
	mu       sync.RWMutex
}

// NewLedger creates a ledger holding only cash.
func NewLedger(initialCash decimal.Decimal) *Ledger {
	return &Ledger{
		initial:  initialCash,
		cash:     initialCash,
		realized: decimal.Zero,
		holdings: make(map[string]*models.Holding),
	}
}

// Cash returns the available cash.
func (l *Ledger) Cash() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash
}

// Holding returns a copy of the holding for symbol.
func (l *Ledger) Holding(symbol string) (models.Holding, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	h, ok := l.holdings[symbol]
	if !ok {
		return models.Holding{}, false
	}
	return *h, true
}

// HoldingCount returns the number of symbols held.
func (l *Ledger) HoldingCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.holdings)
}

// Apply books a fill. The trade's Side, Symbol, Quantity, Price and fee
// fields are inputs; CashDelta and RealizedPnL are computed and returned.
// A buy that would overdraw cash or a sell larger than the holding is
// refused with the ledger unchanged.
func (l *Ledger) Apply(t models.Trade) (models.Trade, error) {
	if t.Quantity <= 0 {
		return t, errors.NewValidationError("quantity", t.Quantity, "must be positive")
	}
	qty := decimal.NewFromInt(t.Quantity)
	notional := t.Price.Mul(qty)

	l.mu.Lock()
	defer l.mu.Unlock()

	switch t.Side {
	case models.OrderSideBuy:
		cost := notional.Add(t.Commission).Add(t.Slippage)
		if l.cash.LessThan(cost) {
			return t, fmt.Errorf("%w: need %s, have %s", errors.ErrInsufficientFunds, cost.StringFixed(0), l.cash.StringFixed(0))
		}
		l.cash = l.cash.Sub(cost)
		t.CashDelta = cost.Neg()
		t.RealizedPnL = decimal.Zero

		h, ok := l.holdings[t.Symbol]
		if !ok {
			l.holdings[t.Symbol] = &models.Holding{
				Symbol:    t.Symbol,
				Quantity:  t.Quantity,
				AvgPrice:  t.Price,
				CostBasis: cost,
				OpenedAt:  t.ExecutedAt,
			}
			break
		}
		oldQty := decimal.NewFromInt(h.Quantity)
		newQty := h.Quantity + t.Quantity
		h.AvgPrice = h.AvgPrice.Mul(oldQty).Add(notional).Div(decimal.NewFromInt(newQty))
		h.Quantity = newQty
		h.CostBasis = h.CostBasis.Add(cost)

	case models.OrderSideSell:
		h, ok := l.holdings[t.Symbol]
		if !ok || h.Quantity < t.Quantity {
			held := int64(0)
			if ok {
				held = h.Quantity
			}
			return t, fmt.Errorf("%w: selling %d, holding %d", errors.ErrInsufficientPosition, t.Quantity, held)
		}
		proceeds := notional.Sub(t.Commission).Sub(t.Tax).Sub(t.Slippage)

		var basis decimal.Decimal
		if t.Quantity == h.Quantity {
			basis = h.CostBasis
			delete(l.holdings, t.Symbol)
		} else {
			basis = h.CostBasis.Mul(qty).Div(decimal.NewFromInt(h.Quantity))
			h.Quantity -= t.Quantity
			h.CostBasis = h.CostBasis.Sub(basis)
		}

		l.cash = l.cash.Add(proceeds)
		t.CashDelta = proceeds
		t.RealizedPnL = proceeds.Sub(basis)
		l.realized = l.realized.Add(t.RealizedPnL)

	default:
		return t, errors.NewValidationError("side", t.Side, "must be BUY or SELL")
	}

	l.trades = append(l.trades, t)
	return t, nil
}

// Replay rebuilds state from persisted trades in order.
func (l *Ledger) Replay(trades []models.Trade) error {
	for i, t := range trades {
		if _, err := l.Apply(t); err != nil {
			return fmt.Errorf("replaying trade %d (%s): %w", i, t.OrderID, err)
		}
	}
	return nil
}

// Snapshot returns a deep copy of the ledger.
func (l *Ledger) Snapshot() models.Account {
	l.mu.RLock()
	defer l.mu.RUnlock()

	acct := models.Account{
		InitialCash: l.initial,
		Cash:        l.cash,
		RealizedPnL: l.realized,
		Holdings:    make(map[string]models.Holding, len(l.holdings)),
		Trades:      make([]models.Trade, len(l.trades)),
	}
	for sym, h := range l.holdings {
		acct.Holdings[sym] = *h
	}
	copy(acct.Trades, l.trades)
	return acct
}

// Summary is a compact performance view of the ledger.
type Summary struct {
	InitialCash decimal.Decimal
	Cash        decimal.Decimal
	Invested    decimal.Decimal
	NAV         decimal.Decimal
	RealizedPnL decimal.Decimal
	TotalPnL    decimal.Decimal
	ReturnPct   float64
	TradeCount  int
	Symbols     []string
}

// Summarize values the ledger at marks, falling back to average price.
func (l *Ledger) Summarize(marks map[string]decimal.Decimal) Summary {
	acct := l.Snapshot()
	nav := acct.NAV(marks)
	total := nav.Sub(acct.InitialCash)

	s := Summary{
		InitialCash: acct.InitialCash,
		Cash:        acct.Cash,
		Invested:    acct.InvestedValue(),
		NAV:         nav,
		RealizedPnL: acct.RealizedPnL,
		TotalPnL:    total,
		TradeCount:  len(acct.Trades),
	}
	if acct.InitialCash.IsPositive() {
		s.ReturnPct, _ = total.Div(acct.InitialCash).Float64()
	}
	for sym := range acct.Holdings {
		s.Symbols = append(s.Symbols, sym)
	}
	sort.Strings(s.Symbols)
	return s
}
