// Package broker provides the simulated execution broker and its ledger.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"vn-autotrader/internal/models"
)

// Orderbook is the top of book plus the session reference price used for
// the ceiling/floor band.
type Orderbook struct {
	Symbol    string
	Last      decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Reference decimal.Decimal
	Timestamp time.Time
}

// QuoteProvider is the market data source consumed by the broker and the
// position scheduler.
type QuoteProvider interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetOrderbook(ctx context.Context, symbol string) (*Orderbook, error)
}

// OrderRequest describes an order to place.
type OrderRequest struct {
	Symbol   string
	Side     models.OrderSide
	Type     models.OrderType
	Quantity int64
	Price    decimal.Decimal // required for LIMIT, ignored otherwise
	Tag      string
}

// Broker is the execution surface used by the engine and the scheduler.
// Rejections are reported through the returned order's status, not as
// errors.
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(orderID string) (*models.Order, error)
	Orders() []models.Order
	Account() models.Account
}

// EventPublisher receives fire-and-forget notifications.
type EventPublisher interface {
	Publish(event models.Event) bool
}

// TradeRecorder persists applied fills.
type TradeRecorder interface {
	SaveTrade(ctx context.Context, trade models.Trade) error
}
