package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# vn-autotrader configuration
# Every key is optional; the values below are the built-in defaults.
# Any key can be overridden with AUTOTRADER_<SECTION>_<KEY>.

[market]
# Shares per board lot
lot_size = 100
# Ceiling/floor band around the reference price (0.07 = +/-7%)
price_band_pct = 0.07
timezone = "Asia/Ho_Chi_Minh"
# Trading days after entry before a position can be sold
settlement_days = 2
holidays = [
  "2025-01-01",
  "2025-01-28", "2025-01-29", "2025-01-30", "2025-01-31",
  "2025-02-01", "2025-02-02", "2025-02-03",
  "2025-04-07", "2025-04-30", "2025-05-01",
  "2025-09-02", "2025-09-03",
]

[fees]
commission_rate = 0.0015
# Charged on sells only
sell_tax_rate = 0.001
slippage_rate = 0.0015

[account]
# Paper account starting cash in VND
initial_cash = 100000000.0

[consensus]
agent_timeout = "10s"
strong_threshold = 0.5
action_threshold = 0.2
# Verdicts below this confidence are not traded
min_trade_confidence = 60.0
# Lots to buy when the risk gate does not size the position
default_lots = 1
# LIMIT, MARKET_OPEN or MARKET_CLOSE
entry_order_type = "LIMIT"
history_size = 50

[risk]
max_open_positions = 10
max_position_pct = 0.12
max_volatility_pct = 0.06
daily_loss_limit = 0.03
band_margin_pct = 0.01
stop_loss_atr = 2.0
take_profit_atr = 2.5

[scheduler]
poll_interval = "60s"
take_profit_pct = 0.15
trailing_stop_pct = 0.05
stop_loss_pct = -0.05
exit_order_type = "LIMIT"

[weights]
min_weight = 0.1
max_weight = 3.0
learning_rate = 0.1
min_samples = 10
min_agent_samples = 5
max_samples = 200
update_interval = "168h"
check_interval = "1h"
evaluation_window = "720h"
target_floor = 0.5
target_ceiling = 3.0
neutral_band = 0.02

[weights.initial]
analyst = 1.2
bull = 1.0
bear = 1.0
risk_gate = 1.3

[events]
buffer_size = 256

[quote]
# Context prices older than this are ignored, "0s" keeps them forever
max_age = "15m"
# Leave empty to price from incoming signal contexts only
base_url = ""
timeout = "5s"
retries = 3
failure_threshold = 5
reset_timeout = "30s"
# Requests per second to the quote endpoint, 0 = unlimited
rate_limit = 10.0
burst = 5

[llm]
# Rewrites verdict reasoning; OPENAI_API_KEY is used when api_key is empty
enabled = false
api_key = ""
model = "gpt-4o-mini"
timeout = "20s"

[notify]
# order_executed, position_exited, verdict_reached
events = ["order_executed", "position_exited"]
# POST each notification as JSON; empty disables
webhook_url = ""
timeout = "5s"
buffer_size = 64

[journal]
# Append-only JSON lines record of every bus event
enabled = true
max_size = 50
max_backups = 30
max_age = 365

[metrics]
listen_addr = ":9464"

[log]
level = "info"
console = true
file = true
max_size = 100
max_backups = 7
max_age = 30
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	return nil
}
