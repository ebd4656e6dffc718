package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind identifies an event on the bus.
type EventKind string

const (
	EventOrderExecuted  EventKind = "order_executed"
	EventPositionExited EventKind = "position_exited"
	EventVerdictReached EventKind = "verdict_reached"
)

// Event is anything published on the event bus.
type Event interface {
	Kind() EventKind
	EventSymbol() string
}

// OrderExecuted is published when an order is filled.
type OrderExecuted struct {
	Order Order
	At    time.Time
}

func (OrderExecuted) Kind() EventKind       { return EventOrderExecuted }
func (e OrderExecuted) EventSymbol() string { return e.Order.Symbol }

// PositionExited is published when a monitored position is closed.
type PositionExited struct {
	Symbol      string
	Reason      ExitReason
	Quantity    int64
	EntryPrice  decimal.Decimal
	ExitPrice   decimal.Decimal
	PnLPct      float64
	HoldingDays int
	OrderID     string
	At          time.Time
}

func (PositionExited) Kind() EventKind       { return EventPositionExited }
func (e PositionExited) EventSymbol() string { return e.Symbol }

// VerdictReached is published at the end of every consensus round.
type VerdictReached struct {
	Verdict Verdict
}

func (VerdictReached) Kind() EventKind       { return EventVerdictReached }
func (e VerdictReached) EventSymbol() string { return e.Verdict.Symbol }
