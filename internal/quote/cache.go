// Package quote provides QuoteProvider adapters: an in-memory cache of the
// prices carried by incoming signal contexts, an HTTP quote client and a
// fallback chain.
package quote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"vn-autotrader/internal/broker"
	"vn-autotrader/internal/errors"
)

// Cache keeps the last observed orderbook per symbol.
type Cache struct {
	mu     sync.RWMutex
	books  map[string]broker.Orderbook
	maxAge time.Duration
	now    func() time.Time
}

// NewCache creates a cache. Entries older than maxAge are treated as
// missing; zero keeps entries forever.
func NewCache(maxAge time.Duration) *Cache {
	return &Cache{
		books:  make(map[string]broker.Orderbook),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Update records a last price and reference price for symbol. A zero
// reference keeps the previously known one.
func (c *Cache) Update(symbol string, last, reference decimal.Decimal, at time.Time) {
	if !last.IsPositive() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	book := c.books[symbol]
	book.Symbol = symbol
	book.Last = last
	book.Bid = last
	book.Ask = last
	if reference.IsPositive() {
		book.Reference = reference
	}
	book.Timestamp = at
	c.books[symbol] = book
}

// Set stores a full orderbook.
func (c *Cache) Set(book broker.Orderbook) {
	c.mu.Lock()
	c.books[book.Symbol] = book
	c.mu.Unlock()
}

// GetOrderbook implements broker.QuoteProvider.
func (c *Cache) GetOrderbook(ctx context.Context, symbol string) (*broker.Orderbook, error) {
	c.mu.RLock()
	book, ok := c.books[symbol]
	c.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: no cached quote for %s", errors.ErrQuoteUnavailable, symbol)
	}
	if c.maxAge > 0 && c.now().Sub(book.Timestamp) > c.maxAge {
		return nil, fmt.Errorf("%w: cached quote for %s is stale", errors.ErrQuoteUnavailable, symbol)
	}
	return &book, nil
}

// GetPrice implements broker.QuoteProvider.
func (c *Cache) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	book, err := c.GetOrderbook(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return book.Last, nil
}

// Symbols returns the symbols with a cached quote.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.books))
	for s := range c.books {
		out = append(out, s)
	}
	return out
}
