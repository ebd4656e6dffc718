package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"vn-autotrader/internal/broker"
	"vn-autotrader/internal/errors"
	"vn-autotrader/internal/logging"
	"vn-autotrader/internal/resilience"
	"vn-autotrader/pkg/utils"
)

// HTTPConfig holds settings for HTTPProvider.
type HTTPConfig struct {
	BaseURL          string
	Timeout          time.Duration
	Retries          int
	FailureThreshold int
	ResetTimeout     time.Duration
	RateLimit        float64 // requests per second, 0 = unlimited
	Burst            int
}

// HTTPProvider fetches quotes from a JSON endpoint of the form
// GET {base}/quotes/{symbol}.
type HTTPProvider struct {
	client  *resty.Client
	breaker *resilience.CircuitBreaker
	limiter *rate.Limiter
	retry   utils.RetryConfig
	logger  zerolog.Logger
}

// quoteResponse is the wire format of the quote endpoint. Prices may be
// JSON numbers or strings.
type quoteResponse struct {
	Symbol    string          `json:"symbol"`
	Last      decimal.Decimal `json:"last"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Reference decimal.Decimal `json:"reference"`
	Timestamp int64           `json:"timestamp"`
}

type notFoundError struct{ symbol string }

func (e notFoundError) Error() string { return "no quote for " + e.symbol }

// NewHTTPProvider creates a new HTTP quote client.
func NewHTTPProvider(cfg HTTPConfig, logger zerolog.Logger) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("Accept", "application/json")

	retry := utils.DefaultRetryConfig()
	if cfg.Retries > 0 {
		retry.MaxAttempts = cfg.Retries
	}
	retry.Retryable = func(err error) bool {
		var nf notFoundError
		return !errors.As(err, &nf)
	}

	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold > 0 {
		breakerCfg.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.ResetTimeout > 0 {
		breakerCfg.ResetTimeout = cfg.ResetTimeout
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	log := logging.WithComponent(logger, "quote_http")
	return &HTTPProvider{
		client:  client,
		breaker: resilience.NewCircuitBreaker("quote_http", breakerCfg, log),
		limiter: limiter,
		retry:   retry,
		logger:  log,
	}
}

// Breaker exposes the circuit breaker guarding the endpoint.
func (h *HTTPProvider) Breaker() *resilience.CircuitBreaker {
	return h.breaker
}

// GetOrderbook implements broker.QuoteProvider.
func (h *HTTPProvider) GetOrderbook(ctx context.Context, symbol string) (*broker.Orderbook, error) {
	book, err := resilience.ExecuteWithResult(h.breaker, ctx, func(ctx context.Context) (*broker.Orderbook, error) {
		return utils.RetryWithResult(ctx, h.retry, func() (*broker.Orderbook, error) {
			return h.fetch(ctx, symbol)
		})
	})
	if err != nil {
		h.logger.Debug().Err(err).Str("symbol", symbol).Msg("Quote fetch failed")
		return nil, fmt.Errorf("%w: %s: %v", errors.ErrQuoteUnavailable, symbol, err)
	}
	return book, nil
}

// GetPrice implements broker.QuoteProvider.
func (h *HTTPProvider) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	book, err := h.GetOrderbook(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return book.Last, nil
}

func (h *HTTPProvider) fetch(ctx context.Context, symbol string) (*broker.Orderbook, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	resp, err := h.client.R().
		SetContext(ctx).
		SetPathParam("symbol", symbol).
		Get("/quotes/{symbol}")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quote for %s: %w", symbol, err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return nil, notFoundError{symbol: symbol}
	case resp.StatusCode() != http.StatusOK:
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode(), resp.String())
	}

	var q quoteResponse
	if err := json.Unmarshal(resp.Body(), &q); err != nil {
		return nil, fmt.Errorf("failed to parse quote response: %w", err)
	}
	if !q.Last.IsPositive() {
		return nil, fmt.Errorf("quote for %s has no last price", symbol)
	}

	ts := time.Now()
	if q.Timestamp > 0 {
		ts = time.Unix(q.Timestamp, 0)
	}
	bid, ask := q.Bid, q.Ask
	if !bid.IsPositive() {
		bid = q.Last
	}
	if !ask.IsPositive() {
		ask = q.Last
	}
	return &broker.Orderbook{
		Symbol:    symbol,
		Last:      q.Last,
		Bid:       bid,
		Ask:       ask,
		Reference: q.Reference,
		Timestamp: ts,
	}, nil
}
