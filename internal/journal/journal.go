// Package journal appends every trading event to a rotating JSON-lines file.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"vn-autotrader/internal/logging"
	"vn-autotrader/internal/models"
)

// Entry is a single journal line.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Kind      models.EventKind       `json:"kind"`
	SessionID string                 `json:"session_id"`
	Symbol    string                 `json:"symbol,omitempty"`
	OrderID   string                 `json:"order_id,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Config holds journal settings.
type Config struct {
	Path       string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// Journal writes events to disk. It is safe for concurrent use.
type Journal struct {
	mu        sync.Mutex
	writer    *lumberjack.Logger
	sessionID string
	logger    zerolog.Logger
	written   int
}

// New opens a journal at cfg.Path, creating its directory.
func New(cfg Config, logger zerolog.Logger) (*Journal, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	return &Journal{
		writer: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		},
		sessionID: uuid.NewString(),
		logger:    logging.WithComponent(logger, "journal"),
	}, nil
}

// SessionID identifies the process that wrote an entry.
func (j *Journal) SessionID() string {
	return j.sessionID
}

// Handle is a bus handler. Write failures are logged, not returned.
func (j *Journal) Handle(e models.Event) {
	entry, ok := EntryFor(e)
	if !ok {
		return
	}
	if err := j.Write(entry); err != nil {
		j.logger.Error().Err(err).Str("kind", string(entry.Kind)).Msg("Journal write failed")
	}
}

// Write appends entry as one JSON line.
func (j *Journal) Write(entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	entry.SessionID = j.sessionID

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("serializing journal entry: %w", err)
	}
	if _, err := j.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing journal entry: %w", err)
	}
	j.written++
	return nil
}

// Written returns the number of entries written by this session.
func (j *Journal) Written() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.written
}

// Close flushes and closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.writer.Close()
}

// EntryFor converts a bus event into a journal entry.
func EntryFor(e models.Event) (Entry, bool) {
	switch ev := e.(type) {
	case models.OrderExecuted:
		o := ev.Order
		return Entry{
			Timestamp: ev.At,
			Kind:      ev.Kind(),
			Symbol:    o.Symbol,
			OrderID:   o.ID,
			Action:    string(o.Side),
			Details: map[string]interface{}{
				"type":         o.Type,
				"status":       o.Status,
				"quantity":     o.Quantity,
				"filled_qty":   o.FilledQty,
				"filled_price": o.FilledPrice.String(),
				"commission":   o.Commission.String(),
				"tax":          o.Tax.String(),
				"slippage":     o.Slippage.String(),
				"tag":          o.Tag,
			},
		}, true

	case models.PositionExited:
		return Entry{
			Timestamp: ev.At,
			Kind:      ev.Kind(),
			Symbol:    ev.Symbol,
			OrderID:   ev.OrderID,
			Action:    string(ev.Reason),
			Details: map[string]interface{}{
				"quantity":     ev.Quantity,
				"entry_price":  ev.EntryPrice.String(),
				"exit_price":   ev.ExitPrice.String(),
				"pnl_pct":      ev.PnLPct,
				"holding_days": ev.HoldingDays,
			},
		}, true

	case models.VerdictReached:
		v := ev.Verdict
		votes := make(map[string]string, len(v.Signals))
		for agent, action := range v.Attribution() {
			votes[agent] = string(action)
		}
		return Entry{
			Timestamp: v.Timestamp,
			Kind:      ev.Kind(),
			Symbol:    v.Symbol,
			Action:    string(v.Action),
			Details: map[string]interface{}{
				"verdict_id":        v.ID,
				"confidence":        v.Confidence,
				"agreement":         v.AgreementScore,
				"conflict":          v.HasConflict,
				"vetoed":            v.Vetoed,
				"risk_check_failed": v.RiskCheckFailed,
				"quantity":          v.SuggestedQuantity,
				"votes":             votes,
			},
		}, true
	}
	return Entry{}, false
}
