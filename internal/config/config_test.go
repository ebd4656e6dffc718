package config

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vn-autotrader/internal/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, int64(100), cfg.Market.LotSize)
	assert.Equal(t, 2, cfg.Market.SettlementDays)
	assert.Contains(t, cfg.Market.Holidays, "2025-04-07")
	assert.InDelta(t, 100_000_000, cfg.Account.InitialCash, 0)
	assert.Equal(t, 10*time.Second, cfg.Consensus.AgentTimeout)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.PollInterval)
	assert.Equal(t, 168*time.Hour, cfg.Weights.UpdateInterval)
	assert.InDelta(t, 1.3, cfg.Weights.Initial["risk_gate"], 1e-9)
	assert.Equal(t, []string{"order_executed", "position_exited"}, cfg.Notify.Events)
	assert.True(t, cfg.Journal.Enabled)
	assert.Equal(t, ":9464", cfg.Metrics.ListenAddr)
	assert.Equal(t, 15*time.Minute, cfg.Quote.MaxAge)
	require.NoError(t, cfg.Validate())
}

func TestLoadWritesTemplateThenReadsIt(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "conf")

	first, err := Load(dir)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "config.toml"))
	require.NoError(t, err, "a missing config is replaced by the template")
	assert.Equal(t, filepath.Join(dir, "autotrader.db"), first.Store.Path)

	second, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, first.Market, second.Market)
	assert.Equal(t, first.Weights, second.Weights)
	assert.Equal(t, first.Scheduler, second.Scheduler)
	assert.Equal(t, first.Notify, second.Notify)
}

func TestLoadReadsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`
[market]
lot_size = 10

[scheduler]
trailing_stop_pct = 0.08
`), 0o644))
	t.Setenv("AUTOTRADER_ACCOUNT_INITIAL_CASH", "500000000")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(10), cfg.Market.LotSize)
	assert.InDelta(t, 0.08, cfg.Scheduler.TrailingStopPct, 1e-9)
	assert.InDelta(t, 500_000_000, cfg.Account.InitialCash, 0)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.InDelta(t, 0.15, cfg.Scheduler.TakeProfitPct, 1e-9, "unset keys keep defaults")
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`
[scheduler]
stop_loss_pct = 0.05
`), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.stop_loss_pct")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero lot", func(c *Config) { c.Market.LotSize = 0 }, "market.lot_size"},
		{"band too wide", func(c *Config) { c.Market.PriceBandPct = 1.2 }, "market.price_band_pct"},
		{"bad timezone", func(c *Config) { c.Market.Timezone = "Mars/Olympus" }, "market.timezone"},
		{"bad holiday", func(c *Config) { c.Market.Holidays = []string{"07/04/2025"} }, "market.holidays"},
		{"huge fee", func(c *Config) { c.Fees.SellTaxRate = 0.5 }, "fees.sell_tax_rate"},
		{"thresholds inverted", func(c *Config) { c.Consensus.StrongThreshold = 0.1 }, "consensus.strong_threshold"},
		{"positive stop", func(c *Config) { c.Scheduler.StopLossPct = 0.02 }, "scheduler.stop_loss_pct"},
		{"weights inverted", func(c *Config) { c.Weights.MaxWeight = 0.05 }, "weights.max_weight"},
		{"zero learning rate", func(c *Config) { c.Weights.LearningRate = 0 }, "weights.learning_rate"},
		{"negative rate limit", func(c *Config) { c.Quote.RateLimit = -1 }, "quote.rate_limit"},
		{"negative quote age", func(c *Config) { c.Quote.MaxAge = -time.Second }, "quote.max_age"},
		{"unknown event", func(c *Config) { c.Notify.Events = []string{"order_placed"} }, "notify.events"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)

			var verr *errors.ValidationError
			require.True(t, stderrors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
			assert.Contains(t, err.Error(), errors.ErrConfigInvalid.Error())
		})
	}
}

func TestLocationFallsBackToICT(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "Asia/Ho_Chi_Minh", cfg.Location().String())

	cfg.Market.Timezone = "Nowhere/Invalid"
	_, offset := time.Date(2025, 1, 2, 0, 0, 0, 0, cfg.Location()).Zone()
	assert.Equal(t, 7*3600, offset)
}
