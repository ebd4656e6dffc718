// Package notify forwards bus events to notification channels such as the
// terminal and a webhook.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"vn-autotrader/internal/logging"
	"vn-autotrader/internal/models"
	"vn-autotrader/pkg/utils"
)

// Channel delivers notifications to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Level is the severity of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelAlert   Level = "alert"
)

// Notification represents a notification message.
type Notification struct {
	Kind      models.EventKind       `json:"kind"`
	Level     Level                  `json:"level"`
	Symbol    string                 `json:"symbol,omitempty"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// FromEvent renders a bus event as a notification. Unknown events report
// false.
func FromEvent(e models.Event) (Notification, bool) {
	switch ev := e.(type) {
	case models.OrderExecuted:
		o := ev.Order
		return Notification{
			Kind:   ev.Kind(),
			Level:  LevelInfo,
			Symbol: o.Symbol,
			Title:  fmt.Sprintf("%s filled", o.Side),
			Message: fmt.Sprintf("%s %s x%s @ %s", o.Side, o.Symbol,
				utils.FormatQuantity(o.FilledQty), utils.FormatVND(o.FilledPrice)),
			Data: map[string]interface{}{
				"order_id":   o.ID,
				"side":       o.Side,
				"quantity":   o.FilledQty,
				"price":      o.FilledPrice.String(),
				"commission": o.Commission.String(),
				"tax":        o.Tax.String(),
			},
			Timestamp: ev.At,
		}, true

	case models.PositionExited:
		level := LevelSuccess
		if ev.PnLPct < 0 {
			level = LevelAlert
		}
		return Notification{
			Kind:   ev.Kind(),
			Level:  level,
			Symbol: ev.Symbol,
			Title:  string(ev.Reason),
			Message: fmt.Sprintf("sold %s x%s @ %s, %s after %d days", ev.Symbol,
				utils.FormatQuantity(ev.Quantity), utils.FormatVND(ev.ExitPrice),
				utils.FormatPercent(ev.PnLPct), ev.HoldingDays),
			Data: map[string]interface{}{
				"reason":       ev.Reason,
				"quantity":     ev.Quantity,
				"entry_price":  ev.EntryPrice.String(),
				"exit_price":   ev.ExitPrice.String(),
				"pnl_pct":      ev.PnLPct,
				"holding_days": ev.HoldingDays,
				"order_id":     ev.OrderID,
			},
			Timestamp: ev.At,
		}, true

	case models.VerdictReached:
		v := ev.Verdict
		level := LevelInfo
		if v.Vetoed || v.RiskCheckFailed {
			level = LevelWarning
		}
		return Notification{
			Kind:   ev.Kind(),
			Level:  level,
			Symbol: v.Symbol,
			Title:  string(v.Action),
			Message: fmt.Sprintf("%s %s, confidence %.0f, agreement %.0f",
				v.Symbol, v.Action, v.Confidence, v.AgreementScore),
			Data: map[string]interface{}{
				"verdict_id": v.ID,
				"conflict":   v.HasConflict,
				"vetoed":     v.Vetoed,
			},
			Timestamp: v.Timestamp,
		}, true
	}
	return Notification{}, false
}

// DispatcherConfig holds dispatcher settings.
type DispatcherConfig struct {
	Kinds      []models.EventKind // empty forwards every kind
	BufferSize int
	Timeout    time.Duration // per channel send
	Logger     zerolog.Logger
}

// Dispatcher queues notifications from the bus and sends them to every
// channel from its own goroutine, so a slow webhook never stalls the bus.
type Dispatcher struct {
	channels []Channel
	kinds    map[models.EventKind]bool
	queue    chan Notification
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewDispatcher creates a dispatcher over channels. Nil channels are skipped.
func NewDispatcher(cfg DispatcherConfig, channels ...Channel) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	d := &Dispatcher{
		queue:   make(chan Notification, cfg.BufferSize),
		timeout: cfg.Timeout,
		logger:  logging.WithComponent(cfg.Logger, "notify"),
	}
	if len(cfg.Kinds) > 0 {
		d.kinds = make(map[models.EventKind]bool, len(cfg.Kinds))
		for _, k := range cfg.Kinds {
			d.kinds[k] = true
		}
	}
	for _, ch := range channels {
		if ch != nil {
			d.channels = append(d.channels, ch)
		}
	}
	return d
}

// Kinds returns the event kinds the dispatcher forwards, nil for all.
func (d *Dispatcher) Kinds() []models.EventKind {
	if d.kinds == nil {
		return nil
	}
	out := make([]models.EventKind, 0, len(d.kinds))
	for k := range d.kinds {
		out = append(out, k)
	}
	return out
}

// Handle is a bus handler. It never blocks; notifications are dropped when
// the queue is full.
func (d *Dispatcher) Handle(e models.Event) {
	if d.kinds != nil && !d.kinds[e.Kind()] {
		return
	}
	n, ok := FromEvent(e)
	if !ok {
		return
	}
	select {
	case d.queue <- n:
	default:
		d.logger.Warn().Str("kind", string(n.Kind)).Str("symbol", n.Symbol).Msg("Notification queue full, dropping")
	}
}

// Run sends queued notifications until ctx is done, then flushes what is
// already queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case n := <-d.queue:
			d.deliver(ctx, n)
		case <-ctx.Done():
			for {
				select {
				case n := <-d.queue:
					d.deliver(context.Background(), n)
				default:
					return nil
				}
			}
		}
	}
}

// Send delivers n to every channel and returns the combined failures.
func (d *Dispatcher) Send(ctx context.Context, n Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	var errs error
	for _, ch := range d.channels {
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		if err := ch.Send(sendCtx, n); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
		cancel()
	}
	return errs
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	if err := d.Send(ctx, n); err != nil {
		d.logger.Warn().Err(err).Str("kind", string(n.Kind)).Msg("Notification delivery failed")
	}
}
