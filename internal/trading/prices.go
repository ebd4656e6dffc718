package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"vn-autotrader/internal/broker"
	"vn-autotrader/internal/errors"
)

const (
	SourceQuote     = "quote"
	SourceLastClose = "last_close"
	SourceNone      = "none"
)

// PriceSource resolves the price a position is marked at and names where
// it came from.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, string, error)
}

// CloseSource returns the last stored daily close.
type CloseSource interface {
	LastClose(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error)
}

// PriceChain tries the live quote first and falls back to the last stored
// close. When both fail the position skips this tick.
type PriceChain struct {
	quotes broker.QuoteProvider
	closes CloseSource
}

// NewPriceChain creates a price chain. Either source may be nil.
func NewPriceChain(quotes broker.QuoteProvider, closes CloseSource) *PriceChain {
	return &PriceChain{quotes: quotes, closes: closes}
}

// Price implements PriceSource.
func (c *PriceChain) Price(ctx context.Context, symbol string) (decimal.Decimal, string, error) {
	var errs error
	if c.quotes != nil {
		px, err := c.quotes.GetPrice(ctx, symbol)
		if err == nil && px.IsPositive() {
			return px, SourceQuote, nil
		}
		if err == nil {
			err = fmt.Errorf("non-positive quote %s", px)
		}
		errs = multierr.Append(errs, err)
	}
	if c.closes != nil {
		px, _, err := c.closes.LastClose(ctx, symbol)
		if err == nil && px.IsPositive() {
			return px, SourceLastClose, nil
		}
		if err == nil {
			err = fmt.Errorf("non-positive close %s", px)
		}
		errs = multierr.Append(errs, err)
	}
	return decimal.Zero, SourceNone, fmt.Errorf("%w: %s: %v", errors.ErrQuoteUnavailable, symbol, errs)
}
