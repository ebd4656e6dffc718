// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"vn-autotrader/internal/models"
)

// Store defines the persistence surface of the trading core.
type Store interface {
	// Ledger
	SaveTrade(ctx context.Context, trade models.Trade) error
	GetTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error)

	// Verdicts
	SaveVerdict(ctx context.Context, verdict *models.Verdict) error
	GetVerdicts(ctx context.Context, filter VerdictFilter) ([]models.Verdict, error)

	// Monitored positions
	SavePosition(ctx context.Context, pos *models.Position) error
	DeletePosition(ctx context.Context, symbol string) error
	LoadPositions(ctx context.Context) ([]*models.Position, error)
	SaveExit(ctx context.Context, exit models.PositionExited, verdictID string) error
	GetExits(ctx context.Context, limit int) ([]models.PositionExited, error)

	// Learning
	SaveWeights(ctx context.Context, weights []models.AgentWeight) error
	LoadWeights(ctx context.Context) ([]models.AgentWeight, error)
	SaveSamples(ctx context.Context, samples []models.AgentSample) error
	LoadSamples(ctx context.Context, since time.Time) ([]models.AgentSample, error)

	// Price history
	SaveClose(ctx context.Context, symbol string, date time.Time, close decimal.Decimal) error
	LastClose(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error)

	// Bookkeeping timestamps
	GetLastRun(task string) time.Time
	SetLastRun(task string, t time.Time) error

	Close() error
}

// TradeFilter contains filter options for trade queries.
type TradeFilter struct {
	Symbol    string
	StartDate time.Time
	EndDate   time.Time
	Side      models.OrderSide
	Limit     int
}

// VerdictFilter contains filter options for verdict queries.
type VerdictFilter struct {
	Symbol    string
	Action    models.Action
	StartDate time.Time
	Limit     int
}
