package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"vn-autotrader/internal/errors"
	"vn-autotrader/internal/models"
)

const dateLayout = "2006-01-02"

// SQLiteStore implements Store using SQLite. Money is stored as decimal
// strings so replayed ledgers match to the last digit.
type SQLiteStore struct {
	db       *sql.DB
	mu       sync.RWMutex
	lastRuns map[string]time.Time
}

// NewSQLiteStore creates a new SQLite-based data store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{
		db:       db,
		lastRuns: make(map[string]time.Time),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Applied fills, the ledger is replayed from this table
	CREATE TABLE IF NOT EXISTS trades (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL UNIQUE,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		price TEXT NOT NULL,
		commission TEXT NOT NULL,
		tax TEXT NOT NULL,
		slippage TEXT NOT NULL,
		cash_delta TEXT NOT NULL,
		realized_pnl TEXT NOT NULL,
		executed_at DATETIME NOT NULL
	);

	-- Consensus verdicts
	CREATE TABLE IF NOT EXISTS verdicts (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		action TEXT NOT NULL,
		confidence REAL NOT NULL,
		agreement REAL NOT NULL,
		has_conflict INTEGER NOT NULL,
		vetoed INTEGER NOT NULL,
		risk_failed INTEGER NOT NULL,
		price REAL,
		stop_loss REAL,
		take_profit REAL,
		suggested_qty INTEGER,
		reasoning TEXT,
		signals TEXT,
		created_at DATETIME NOT NULL
	);

	-- Positions under exit monitoring
	CREATE TABLE IF NOT EXISTS positions (
		symbol TEXT PRIMARY KEY,
		quantity INTEGER NOT NULL,
		avg_price TEXT NOT NULL,
		entry_date DATETIME NOT NULL,
		peak_price TEXT NOT NULL,
		trailing_stop_price TEXT NOT NULL,
		take_profit_pct REAL NOT NULL,
		trailing_stop_pct REAL NOT NULL,
		stop_loss_pct REAL NOT NULL,
		verdict_id TEXT,
		attribution TEXT,
		updated_at DATETIME NOT NULL
	);

	-- Closed positions
	CREATE TABLE IF NOT EXISTS position_exits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		reason TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		entry_price TEXT NOT NULL,
		exit_price TEXT NOT NULL,
		pnl_pct REAL NOT NULL,
		holding_days INTEGER NOT NULL,
		order_id TEXT,
		verdict_id TEXT,
		exited_at DATETIME NOT NULL
	);

	-- Live agent weights
	CREATE TABLE IF NOT EXISTS agent_weights (
		agent TEXT PRIMARY KEY,
		weight REAL NOT NULL,
		accuracy REAL,
		sharpe REAL,
		consistency REAL,
		samples INTEGER,
		updated_at DATETIME NOT NULL
	);

	-- Scored agent calls
	CREATE TABLE IF NOT EXISTS agent_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent TEXT NOT NULL,
		symbol TEXT NOT NULL,
		action TEXT NOT NULL,
		correct INTEGER NOT NULL,
		ret REAL NOT NULL,
		holding_days INTEGER NOT NULL,
		recorded_at DATETIME NOT NULL
	);

	-- Daily closes for price fallback
	CREATE TABLE IF NOT EXISTS daily_closes (
		symbol TEXT NOT NULL,
		date TEXT NOT NULL,
		close TEXT NOT NULL,
		PRIMARY KEY (symbol, date)
	);

	-- Last run times of periodic tasks
	CREATE TABLE IF NOT EXISTS task_runs (
		task TEXT PRIMARY KEY,
		last_run DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
	CREATE INDEX IF NOT EXISTS idx_verdicts_symbol ON verdicts(symbol, created_at);
	CREATE INDEX IF NOT EXISTS idx_samples_recorded ON agent_samples(recorded_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func parseDecimal(field, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: bad %s %q: %v", errors.ErrDatabaseError, field, v, err)
	}
	return d, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ============================================================================
// Trades Methods
// ============================================================================

// SaveTrade appends an applied fill.
func (s *SQLiteStore) SaveTrade(ctx context.Context, t models.Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (order_id, symbol, side, quantity, price, commission, tax, slippage, cash_delta, realized_pnl, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.OrderID, t.Symbol, string(t.Side), t.Quantity, t.Price.String(), t.Commission.String(), t.Tax.String(),
		t.Slippage.String(), t.CashDelta.String(), t.RealizedPnL.String(), t.ExecutedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// GetTrades returns trades in execution order.
func (s *SQLiteStore) GetTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error) {
	query := "SELECT order_id, symbol, side, quantity, price, commission, tax, slippage, cash_delta, realized_pnl, executed_at FROM trades WHERE 1=1"
	args := []interface{}{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if !filter.StartDate.IsZero() {
		query += " AND executed_at >= ?"
		args = append(args, filter.StartDate.UTC())
	}
	if !filter.EndDate.IsZero() {
		query += " AND executed_at <= ?"
		args = append(args, filter.EndDate.UTC())
	}
	if filter.Side != "" {
		query += " AND side = ?"
		args = append(args, string(filter.Side))
	}

	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		var side, price, commission, tax, slippage, cash, pnl string
		if err := rows.Scan(&t.OrderID, &t.Symbol, &side, &t.Quantity, &price, &commission, &tax, &slippage, &cash, &pnl, &t.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Side = models.OrderSide(side)
		fields := []struct {
			name string
			raw  string
			dst  *decimal.Decimal
		}{
			{"price", price, &t.Price},
			{"commission", commission, &t.Commission},
			{"tax", tax, &t.Tax},
			{"slippage", slippage, &t.Slippage},
			{"cash_delta", cash, &t.CashDelta},
			{"realized_pnl", pnl, &t.RealizedPnL},
		}
		for _, f := range fields {
			d, err := parseDecimal(f.name, f.raw)
			if err != nil {
				return nil, err
			}
			*f.dst = d
		}
		trades = append(trades, t)
	}

	return trades, rows.Err()
}

// ============================================================================
// Verdict Methods
// ============================================================================

// SaveVerdict saves a verdict with its contributing signals.
func (s *SQLiteStore) SaveVerdict(ctx context.Context, v *models.Verdict) error {
	signals, err := json.Marshal(v.Signals)
	if err != nil {
		return fmt.Errorf("failed to encode signals: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO verdicts (id, symbol, action, confidence, agreement, has_conflict, vetoed, risk_failed, price, stop_loss, take_profit, suggested_qty, reasoning, signals, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.Symbol, string(v.Action), v.Confidence, v.AgreementScore, boolInt(v.HasConflict), boolInt(v.Vetoed),
		boolInt(v.RiskCheckFailed), v.Price, v.StopLoss, v.TakeProfit, v.SuggestedQuantity, v.Reasoning, string(signals), v.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to save verdict: %w", err)
	}
	return nil
}

// GetVerdicts returns verdicts, newest first.
func (s *SQLiteStore) GetVerdicts(ctx context.Context, filter VerdictFilter) ([]models.Verdict, error) {
	query := "SELECT id, symbol, action, confidence, agreement, has_conflict, vetoed, risk_failed, price, stop_loss, take_profit, suggested_qty, reasoning, signals, created_at FROM verdicts WHERE 1=1"
	args := []interface{}{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if filter.Action != "" {
		query += " AND action = ?"
		args = append(args, string(filter.Action))
	}
	if !filter.StartDate.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.StartDate.UTC())
	}

	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query verdicts: %w", err)
	}
	defer rows.Close()

	var verdicts []models.Verdict
	for rows.Next() {
		var v models.Verdict
		var action, signals string
		var conflict, vetoed, riskFailed int
		if err := rows.Scan(&v.ID, &v.Symbol, &action, &v.Confidence, &v.AgreementScore, &conflict, &vetoed, &riskFailed,
			&v.Price, &v.StopLoss, &v.TakeProfit, &v.SuggestedQuantity, &v.Reasoning, &signals, &v.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan verdict: %w", err)
		}
		v.Action = models.Action(action)
		v.HasConflict = conflict == 1
		v.Vetoed = vetoed == 1
		v.RiskCheckFailed = riskFailed == 1
		if err := json.Unmarshal([]byte(signals), &v.Signals); err != nil {
			return nil, fmt.Errorf("failed to decode signals for %s: %w", v.ID, err)
		}
		verdicts = append(verdicts, v)
	}

	return verdicts, rows.Err()
}

// ============================================================================
// Position Methods
// ============================================================================

// SavePosition upserts a monitored position.
func (s *SQLiteStore) SavePosition(ctx context.Context, p *models.Position) error {
	attribution, err := json.Marshal(p.Attribution)
	if err != nil {
		return fmt.Errorf("failed to encode attribution: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO positions (symbol, quantity, avg_price, entry_date, peak_price, trailing_stop_price, take_profit_pct, trailing_stop_pct, stop_loss_pct, verdict_id, attribution, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.Symbol, p.Quantity, p.AvgPrice.String(), p.EntryDate.UTC(), p.PeakPrice.String(), p.TrailingStopPrice.String(),
		p.TakeProfitPct, p.TrailingStopPct, p.StopLossPct, p.VerdictID, string(attribution), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

// DeletePosition removes a monitored position.
func (s *SQLiteStore) DeletePosition(ctx context.Context, symbol string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, symbol)
	if err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	return nil
}

// LoadPositions returns every monitored position.
func (s *SQLiteStore) LoadPositions(ctx context.Context) ([]*models.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, quantity, avg_price, entry_date, peak_price, trailing_stop_price, take_profit_pct, trailing_stop_pct, stop_loss_pct, verdict_id, attribution
		FROM positions ORDER BY entry_date ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []*models.Position
	for rows.Next() {
		var (
			symbol, avg, peak, trailing, attribution string
			verdictID                                sql.NullString
			qty                                      int64
			entry                                    time.Time
			tp, trail, sl                            float64
		)
		if err := rows.Scan(&symbol, &qty, &avg, &entry, &peak, &trailing, &tp, &trail, &sl, &verdictID, &attribution); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		avgPrice, err := parseDecimal("avg_price", avg)
		if err != nil {
			return nil, err
		}
		p := models.NewPosition(symbol, qty, avgPrice, entry, tp, trail, sl)
		if p.PeakPrice, err = parseDecimal("peak_price", peak); err != nil {
			return nil, err
		}
		if p.TrailingStopPrice, err = parseDecimal("trailing_stop_price", trailing); err != nil {
			return nil, err
		}
		p.VerdictID = verdictID.String
		if attribution != "" && attribution != "null" {
			if err := json.Unmarshal([]byte(attribution), &p.Attribution); err != nil {
				return nil, fmt.Errorf("failed to decode attribution for %s: %w", symbol, err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveExit records a closed position.
func (s *SQLiteStore) SaveExit(ctx context.Context, e models.PositionExited, verdictID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO position_exits (symbol, reason, quantity, entry_price, exit_price, pnl_pct, holding_days, order_id, verdict_id, exited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Symbol, string(e.Reason), e.Quantity, e.EntryPrice.String(), e.ExitPrice.String(), e.PnLPct, e.HoldingDays,
		e.OrderID, verdictID, e.At.UTC())
	if err != nil {
		return fmt.Errorf("failed to save exit: %w", err)
	}
	return nil
}

// GetExits returns closed positions, newest first.
func (s *SQLiteStore) GetExits(ctx context.Context, limit int) ([]models.PositionExited, error) {
	query := `SELECT symbol, reason, quantity, entry_price, exit_price, pnl_pct, holding_days, order_id, exited_at FROM position_exits ORDER BY exited_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query exits: %w", err)
	}
	defer rows.Close()

	var out []models.PositionExited
	for rows.Next() {
		var e models.PositionExited
		var reason, entry, exit string
		var orderID sql.NullString
		if err := rows.Scan(&e.Symbol, &reason, &e.Quantity, &entry, &exit, &e.PnLPct, &e.HoldingDays, &orderID, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan exit: %w", err)
		}
		e.Reason = models.ExitReason(reason)
		e.OrderID = orderID.String
		var err error
		if e.EntryPrice, err = parseDecimal("entry_price", entry); err != nil {
			return nil, err
		}
		if e.ExitPrice, err = parseDecimal("exit_price", exit); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ============================================================================
// Learning Methods
// ============================================================================

// SaveWeights upserts agent weights in one transaction.
func (s *SQLiteStore) SaveWeights(ctx context.Context, weights []models.AgentWeight) error {
	if len(weights) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO agent_weights (agent, weight, accuracy, sharpe, consistency, samples, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, w := range weights {
		if _, err := stmt.ExecContext(ctx, w.AgentName, w.Weight, w.Accuracy, w.Sharpe, w.Consistency, w.SampleCount, w.UpdatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to save weight for %s: %w", w.AgentName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadWeights returns all persisted weights.
func (s *SQLiteStore) LoadWeights(ctx context.Context) ([]models.AgentWeight, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent, weight, accuracy, sharpe, consistency, samples, updated_at FROM agent_weights ORDER BY agent
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query weights: %w", err)
	}
	defer rows.Close()

	var out []models.AgentWeight
	for rows.Next() {
		var w models.AgentWeight
		if err := rows.Scan(&w.AgentName, &w.Weight, &w.Accuracy, &w.Sharpe, &w.Consistency, &w.SampleCount, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan weight: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// SaveSamples appends scored agent calls.
func (s *SQLiteStore) SaveSamples(ctx context.Context, samples []models.AgentSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO agent_samples (agent, symbol, action, correct, ret, holding_days, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, sm := range samples {
		if _, err := stmt.ExecContext(ctx, sm.Agent, sm.Symbol, string(sm.Action), boolInt(sm.Correct), sm.Return, sm.HoldingDays, sm.RecordedAt.UTC()); err != nil {
			return fmt.Errorf("failed to save sample: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadSamples returns samples recorded at or after since, oldest first.
func (s *SQLiteStore) LoadSamples(ctx context.Context, since time.Time) ([]models.AgentSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent, symbol, action, correct, ret, holding_days, recorded_at
		FROM agent_samples WHERE recorded_at >= ? ORDER BY id ASC
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var out []models.AgentSample
	for rows.Next() {
		var sm models.AgentSample
		var action string
		var correct int
		if err := rows.Scan(&sm.Agent, &sm.Symbol, &action, &correct, &sm.Return, &sm.HoldingDays, &sm.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		sm.Action = models.Action(action)
		sm.Correct = correct == 1
		out = append(out, sm)
	}
	return out, rows.Err()
}

// ============================================================================
// Price History Methods
// ============================================================================

// SaveClose records the closing price of symbol for date.
func (s *SQLiteStore) SaveClose(ctx context.Context, symbol string, date time.Time, close decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO daily_closes (symbol, date, close) VALUES (?, ?, ?)
	`, symbol, date.Format(dateLayout), close.String())
	if err != nil {
		return fmt.Errorf("failed to save close: %w", err)
	}
	return nil
}

// LastClose returns the most recent stored close for symbol.
func (s *SQLiteStore) LastClose(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	var date, raw string
	err := s.db.QueryRowContext(ctx, `
		SELECT date, close FROM daily_closes WHERE symbol = ? ORDER BY date DESC LIMIT 1
	`, symbol).Scan(&date, &raw)
	if err == sql.ErrNoRows {
		return decimal.Zero, time.Time{}, errors.NewDataError("close", symbol, "no stored close", errors.ErrDataNotFound)
	}
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("failed to query close: %w", err)
	}
	d, err := parseDecimal("close", raw)
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	day, _ := time.Parse(dateLayout, date)
	return d, day, nil
}

// ============================================================================
// Task Run Methods
// ============================================================================

// GetLastRun returns the last run time for a periodic task.
func (s *SQLiteStore) GetLastRun(task string) time.Time {
	s.mu.RLock()
	if t, ok := s.lastRuns[task]; ok {
		s.mu.RUnlock()
		return t
	}
	s.mu.RUnlock()

	var lastRun time.Time
	err := s.db.QueryRow(`SELECT last_run FROM task_runs WHERE task = ?`, task).Scan(&lastRun)
	if err != nil {
		return time.Time{}
	}

	s.mu.Lock()
	s.lastRuns[task] = lastRun
	s.mu.Unlock()

	return lastRun
}

// SetLastRun sets the last run time for a periodic task.
func (s *SQLiteStore) SetLastRun(task string, t time.Time) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO task_runs (task, last_run, updated_at)
		VALUES (?, ?, ?)
	`, task, t.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set last run: %w", err)
	}

	s.mu.Lock()
	s.lastRuns[task] = t
	s.mu.Unlock()

	return nil
}
