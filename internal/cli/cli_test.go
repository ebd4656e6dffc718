package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vn-autotrader/internal/config"
	"vn-autotrader/internal/learning"
	"vn-autotrader/internal/metrics"
	"vn-autotrader/internal/models"
	"vn-autotrader/internal/quote"
	"vn-autotrader/internal/trading"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Store.Path = filepath.Join(dir, "autotrader.db")
	cfg.Journal.Path = filepath.Join(dir, "journal", "events.jsonl")
	cfg.Quote.BaseURL = ""
	cfg.LLM.Enabled = false
	app := &App{Config: cfg, Logger: zerolog.Nop()}
	t.Cleanup(func() { app.Close() })
	return app
}

func execute(t *testing.T, app *App, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd(app)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCalendarSkipsHoliday(t *testing.T) {
	app := newTestApp(t)

	// Friday entry, Monday 2025-04-07 is a holiday.
	out, err := execute(t, app, "", "calendar", "2025-04-04", "2025-04-08", "--json")
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "2025-04-09", got["settles"])
	assert.Equal(t, float64(1), got["days_held"])
	assert.Equal(t, false, got["can_sell"])
	assert.Equal(t, true, got["entry_trading"])
}

func TestCalendarRejectsBadDate(t *testing.T) {
	app := newTestApp(t)
	_, err := execute(t, app, "", "calendar", "04/04/2025")
	assert.Error(t, err)
}

func TestCalendarText(t *testing.T) {
	app := newTestApp(t)
	out, err := execute(t, app, "", "calendar", "2025-03-03")
	require.NoError(t, err)
	assert.Contains(t, out, "Wed 2025-03-05")
	assert.Contains(t, out, "T+2")
}

const fptContext = `{"symbol":"fpt","price":120000,"reference_price":118000,"change_pct":1.7,
"volume":2500000,"avg_volume":1800000,"rsi":58,"ema20":117000,"ema50":112000,"ema200":100000,
"macd":900,"macd_signal":600,"macd_hist":300,"adx":31,"atr":2400,"mfi":62}`

func TestAnalyzeFromStdin(t *testing.T) {
	app := newTestApp(t)

	out, err := execute(t, app, fptContext, "analyze", "-", "--json")
	require.NoError(t, err)

	var v models.Verdict
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, "FPT", v.Symbol)
	assert.True(t, v.Action.Valid())
	require.NotNil(t, v.RiskSignal)
	assert.Equal(t, "risk_gate", v.RiskSignal.AgentName)
	assert.Len(t, v.Signals, 4, "advisory signals plus the risk signal")
}

func TestAnalyzeRendersTable(t *testing.T) {
	app := newTestApp(t)
	path := writeFile(t, "fpt.json", fptContext)

	out, err := execute(t, app, "", "analyze", path)
	require.NoError(t, err)
	for _, agent := range []string{"analyst", "bull", "bear", "risk_gate"} {
		assert.Contains(t, out, agent)
	}
	assert.Contains(t, out, "FPT @ 120.000 ₫")
}

const hpgContext = `{"symbol":"hpg","price":26000,"reference_price":26500,"change_pct":-1.9,
"volume":900000,"avg_volume":1500000,"rsi":28,"ema20":27500,"ema50":28500,"ema200":30000,
"macd":-300,"macd_signal":-100,"macd_hist":-200,"adx":35,"atr":600,"mfi":22}`

func TestAnalyzeScansSeveralSymbols(t *testing.T) {
	app := newTestApp(t)
	fpt := writeFile(t, "fpt.json", fptContext)
	both := writeFile(t, "both.jsonl", hpgContext+"\n"+strings.Replace(fptContext, `"fpt"`, `"vnm"`, 1))

	out, err := execute(t, app, "", "analyze", fpt, both, "--concurrency", "2", "--json")
	require.NoError(t, err)

	var results []struct {
		Symbol  string          `json:"symbol"`
		Verdict *models.Verdict `json:"verdict"`
		Error   string          `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 3)
	symbols := map[string]bool{}
	for _, r := range results {
		symbols[r.Symbol] = true
		require.NotNil(t, r.Verdict, r.Error)
		assert.True(t, r.Verdict.Action.Valid())
	}
	assert.Equal(t, map[string]bool{"FPT": true, "HPG": true, "VNM": true}, symbols)

	out, err = execute(t, app, hpgContext+fptContext, "analyze", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "SYMBOL")
	assert.Contains(t, out, "HPG")
	assert.Contains(t, out, "FPT")
}

func TestAnalyzeMissingFile(t *testing.T) {
	app := newTestApp(t)
	_, err := execute(t, app, "", "analyze", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestWeightsShowsInitialWeights(t *testing.T) {
	app := newTestApp(t)

	out, err := execute(t, app, "", "weights", "--evaluate", "--json")
	require.NoError(t, err)

	var got struct {
		Agents        []learning.AgentStats `json:"agents"`
		EvaluateError string                `json:"evaluate_error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.NotEmpty(t, got.EvaluateError, "an empty store cannot update weights")

	weights := map[string]float64{}
	for _, s := range got.Agents {
		weights[s.Agent] = s.Weight
	}
	assert.InDelta(t, 1.2, weights["analyst"], 1e-9)
	assert.InDelta(t, 1.3, weights["risk_gate"], 1e-9)
	assert.InDelta(t, 1.0, weights["bull"], 1e-9)
}

func TestRunProcessesInputThenStatusReplaysLedger(t *testing.T) {
	app := newTestApp(t)
	input := writeFile(t, "contexts.jsonl", strings.Join([]string{
		strings.ReplaceAll(fptContext, "\n", " "),
		`{"symbol":"VNM","price":0}`,
		`{"symbol":"HPG","price":26000,"reference_price":25500,"rsi":45,"atr":600}`,
	}, "\n"))

	out, err := execute(t, app, "", "run", "--input", input, "--exit-on-eof", "--metrics-addr", "off", "--json")
	require.NoError(t, err)

	dec := json.NewDecoder(strings.NewReader(out))
	var views []resultView
	for dec.More() {
		var v resultView
		require.NoError(t, dec.Decode(&v))
		// Notifications share the stream; they carry neither field.
		if v.Decision != "" || v.Error != "" {
			views = append(views, v)
		}
	}
	require.Len(t, views, 3)
	assert.Equal(t, "FPT", strings.ToUpper(views[0].Symbol))
	assert.NotEmpty(t, views[1].Error, "a context without price is rejected")
	assert.Empty(t, views[2].Error)

	filled := 0
	for _, v := range views {
		if v.Decision == string(trading.DecisionBuy) && v.Status == string(models.OrderStatusFilled) {
			filled++
		}
	}

	out, err = execute(t, app, "", "status", "--json")
	require.NoError(t, err)
	var status statusView
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, filled, status.Trades)
	assert.Len(t, status.Positions, filled)
	for _, p := range status.Positions {
		assert.False(t, p.CanSell, "same-day buys are unsettled")
		assert.NotEmpty(t, p.SettlesOn)
	}

	journalled := 0
	if data, err := os.ReadFile(app.Config.Journal.Path); err == nil {
		for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			if strings.Contains(line, `"kind":"order_executed"`) {
				journalled++
			}
		}
	}
	assert.Equal(t, filled, journalled)
}

func TestStatusEmptyAccount(t *testing.T) {
	app := newTestApp(t)

	out, err := execute(t, app, "", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Paper account")
	assert.Contains(t, out, "No open positions")
	assert.Contains(t, out, "100.000.000 ₫")
}

func TestTableAlignsColoredCells(t *testing.T) {
	var buf bytes.Buffer
	o := &Output{writer: &buf, colorEnabled: true}
	table := NewTable(o, "A", "B")
	table.AddRow(o.Green("xx"), "y")
	table.AddRow("zzzz", "w")
	table.Render()

	lines := strings.Split(strings.TrimSpace(stripANSI(buf.String())), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "A     B", lines[0])
	assert.Equal(t, "xx    y", lines[2])
	assert.Equal(t, "zzzz  w", lines[3])
}

func TestQuoteChainPrefersLiveSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"symbol":"HPG","last":22000}`)
	}))
	defer srv.Close()

	cfg := config.Default().Quote
	cfg.BaseURL = srv.URL
	cache := quote.NewCache(cfg.MaxAge)
	cache.Update("HPG", decimal.NewFromInt(26500), decimal.Zero, time.Now())

	chain := quoteChain(cfg, cache, metrics.New(), zerolog.Nop())
	price, err := chain.GetPrice(context.Background(), "HPG")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(22000)), "got %s", price)

	cfg.BaseURL = ""
	price, err = quoteChain(cfg, cache, metrics.New(), zerolog.Nop()).GetPrice(context.Background(), "HPG")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(26500)))
}

func TestConsumeReturnsOnCancelWithIdleInput(t *testing.T) {
	r, w := io.Pipe()
	t.Cleanup(func() { w.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consume(ctx, r, nil, nil) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consume still blocked after cancel")
	}
}

func TestConsumeReportsMalformedInput(t *testing.T) {
	err := consume(context.Background(), strings.NewReader("{not json"), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding signal context")
}
