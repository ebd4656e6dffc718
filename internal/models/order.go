package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeLimit       OrderType = "LIMIT"
	OrderTypeMarketOpen  OrderType = "MARKET_OPEN"  // ATO
	OrderTypeMarketClose OrderType = "MARKET_CLOSE" // ATC
)

// IsMarket reports whether the order is priced by the session auction.
func (t OrderType) IsMarket() bool {
	return t == OrderTypeMarketOpen || t == OrderTypeMarketClose
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusQueued    OrderStatus = "QUEUED"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// Active reports whether the order still occupies its symbol slot.
func (s OrderStatus) Active() bool {
	return !s.Terminal()
}

// CanTransition reports whether moving from s to next is allowed.
// Orders only move forward.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	switch s {
	case OrderStatusPending:
		return next == OrderStatusQueued || next == OrderStatusRejected || next == OrderStatusCancelled
	case OrderStatusQueued:
		return next == OrderStatusPartial || next == OrderStatusFilled || next == OrderStatusCancelled
	case OrderStatusPartial:
		return next == OrderStatusFilled || next == OrderStatusCancelled
	default:
		return false
	}
}

// Order represents a simulated exchange order.
type Order struct {
	ID           string
	Symbol       string
	Side         OrderSide
	Type         OrderType
	Quantity     int64
	Price        decimal.Decimal
	Status       OrderStatus
	FilledQty    int64
	FilledPrice  decimal.Decimal
	Commission   decimal.Decimal
	Tax          decimal.Decimal
	Slippage     decimal.Decimal
	RejectReason string
	Tag          string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Notional returns quantity times price.
func (o *Order) Notional() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Quantity))
}

// Fees returns the total cost charged on the fill.
func (o *Order) Fees() decimal.Decimal {
	return o.Commission.Add(o.Tax).Add(o.Slippage)
}

// Holding is the ledger's accounting view of an owned symbol.
type Holding struct {
	Symbol    string
	Quantity  int64
	AvgPrice  decimal.Decimal
	CostBasis decimal.Decimal // includes buy-side fees
	OpenedAt  time.Time
}

// Trade is an applied fill, the unit the ledger is replayed from.
type Trade struct {
	OrderID     string
	Symbol      string
	Side        OrderSide
	Quantity    int64
	Price       decimal.Decimal
	Commission  decimal.Decimal
	Tax         decimal.Decimal
	Slippage    decimal.Decimal
	CashDelta   decimal.Decimal
	RealizedPnL decimal.Decimal
	ExecutedAt  time.Time
}

// Account is a point-in-time copy of the ledger.
type Account struct {
	InitialCash decimal.Decimal
	Cash        decimal.Decimal
	Holdings    map[string]Holding
	RealizedPnL decimal.Decimal
	Trades      []Trade
}

// InvestedValue returns the cost basis of all holdings.
func (a Account) InvestedValue() decimal.Decimal {
	total := decimal.Zero
	for _, h := range a.Holdings {
		total = total.Add(h.CostBasis)
	}
	return total
}

// NAV values holdings at the supplied marks, falling back to average price.
func (a Account) NAV(marks map[string]decimal.Decimal) decimal.Decimal {
	nav := a.Cash
	for sym, h := range a.Holdings {
		px := h.AvgPrice
		if m, ok := marks[sym]; ok && m.IsPositive() {
			px = m
		}
		nav = nav.Add(px.Mul(decimal.NewFromInt(h.Quantity)))
	}
	return nav
}
