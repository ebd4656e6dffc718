package quote

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"

	"vn-autotrader/internal/broker"
	"vn-autotrader/internal/errors"
	"vn-autotrader/internal/metrics"
)

// Source is a named QuoteProvider in a Chain.
type Source struct {
	Name     string
	Provider broker.QuoteProvider
}

// Chain asks each source in order and returns the first success.
type Chain struct {
	sources []Source
	metrics *metrics.Metrics
}

// NewChain creates a fallback chain. Nil providers are skipped.
func NewChain(m *metrics.Metrics, sources ...Source) *Chain {
	c := &Chain{metrics: m}
	for _, s := range sources {
		if s.Provider != nil {
			c.sources = append(c.sources, s)
		}
	}
	return c
}

// GetOrderbook implements broker.QuoteProvider.
func (c *Chain) GetOrderbook(ctx context.Context, symbol string) (*broker.Orderbook, error) {
	var errs error
	for _, s := range c.sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		book, err := s.Provider.GetOrderbook(ctx, symbol)
		if err == nil && book != nil {
			c.metrics.RecordPriceSource(s.Name)
			return book, nil
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", s.Name, err))
	}
	if errs == nil {
		return nil, fmt.Errorf("%w: no quote sources configured", errors.ErrQuoteUnavailable)
	}
	return nil, fmt.Errorf("%w: %v", errors.ErrQuoteUnavailable, errs)
}

// GetPrice implements broker.QuoteProvider.
func (c *Chain) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	book, err := c.GetOrderbook(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return book.Last, nil
}
