package cli

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"vn-autotrader/internal/models"
	"vn-autotrader/pkg/utils"
)

// statusView is the JSON shape of the status command.
type statusView struct {
	InitialCash string                  `json:"initial_cash"`
	Cash        string                  `json:"cash"`
	Invested    string                  `json:"invested"`
	NAV         string                  `json:"nav"`
	RealizedPnL string                  `json:"realized_pnl"`
	ReturnPct   float64                 `json:"return_pct"`
	Trades      int                     `json:"trades"`
	Positions   []positionView          `json:"positions"`
	Exits       []models.PositionExited `json:"recent_exits"`
}

type positionView struct {
	Symbol       string  `json:"symbol"`
	Quantity     int64   `json:"quantity"`
	AvgPrice     string  `json:"avg_price"`
	Mark         string  `json:"mark"`
	Unrealized   float64 `json:"unrealized_pct"`
	DaysHeld     int     `json:"trading_days_held"`
	CanSell      bool    `json:"can_sell"`
	TrailingStop string  `json:"trailing_stop,omitempty"`
	SettlesOn    string  `json:"settles_on,omitempty"`
}

func newStatusCmd(app *App) *cobra.Command {
	var exits int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the paper account",
		Long:  "Replay the ledger from stored trades and show cash, holdings, realized P&L and recent exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			st, err := app.openStore()
			if err != nil {
				return err
			}
			ledger, err := replayLedger(ctx, app.Config, st)
			if err != nil {
				return err
			}
			tracked, err := st.LoadPositions(ctx)
			if err != nil {
				return err
			}
			recent, err := st.GetExits(ctx, exits)
			if err != nil {
				return err
			}
			cal, err := tradingCalendar(app.Config)
			if err != nil {
				return err
			}

			byScheduler := make(map[string]*models.Position, len(tracked))
			marks := make(map[string]decimal.Decimal, len(tracked))
			for _, p := range tracked {
				byScheduler[p.Symbol] = p
				if p.CurrentPrice.IsPositive() {
					marks[p.Symbol] = p.CurrentPrice
				}
			}

			summary := ledger.Summarize(marks)
			account := ledger.Snapshot()
			now := time.Now()

			view := statusView{
				InitialCash: summary.InitialCash.StringFixed(0),
				Cash:        summary.Cash.StringFixed(0),
				Invested:    summary.Invested.StringFixed(0),
				NAV:         summary.NAV.StringFixed(0),
				RealizedPnL: summary.RealizedPnL.StringFixed(0),
				ReturnPct:   summary.ReturnPct,
				Trades:      summary.TradeCount,
				Exits:       recent,
			}
			for _, sym := range summary.Symbols {
				h := account.Holdings[sym]
				pv := positionView{
					Symbol:   sym,
					Quantity: h.Quantity,
					AvgPrice: h.AvgPrice.StringFixed(0),
					Mark:     h.AvgPrice.StringFixed(0),
					DaysHeld: cal.DaysHeld(h.OpenedAt, now),
				}
				pv.CanSell = pv.DaysHeld >= app.Config.Market.SettlementDays
				if !pv.CanSell {
					pv.SettlesOn = cal.SettlementDate(h.OpenedAt, app.Config.Market.SettlementDays).Format("2006-01-02")
				}
				if p, ok := byScheduler[sym]; ok {
					if p.CurrentPrice.IsPositive() {
						pv.Mark = p.CurrentPrice.StringFixed(0)
					}
					pv.Unrealized = p.UnrealizedPct
					pv.TrailingStop = p.TrailingStopPrice.StringFixed(0)
				}
				view.Positions = append(view.Positions, pv)
			}

			if output.IsJSON() {
				return output.JSON(view)
			}
			renderStatus(output, summary.Cash, summary.NAV, summary.RealizedPnL, view)
			return nil
		},
	}

	cmd.Flags().IntVar(&exits, "exits", 10, "number of recent exits to show")
	return cmd
}

func renderStatus(output *Output, cash, nav, realized decimal.Decimal, view statusView) {
	realizedF, _ := realized.Float64()
	output.Box("Paper account", []string{
		fmt.Sprintf("Cash:         %s", utils.FormatVND(cash)),
		fmt.Sprintf("NAV:          %s", utils.FormatVND(nav)),
		fmt.Sprintf("Realized P&L: %s", output.Signed(realizedF, utils.FormatPnL(realized))),
		fmt.Sprintf("Return:       %s", output.Signed(view.ReturnPct, utils.FormatPercent(view.ReturnPct))),
		fmt.Sprintf("Trades:       %d", view.Trades),
	})
	output.Println()

	if len(view.Positions) == 0 {
		output.Dim("No open positions")
	} else {
		table := NewTable(output, "SYMBOL", "QTY", "AVG", "MARK", "P&L", "DAYS", "SELLABLE", "TRAIL")
		for _, p := range view.Positions {
			sellable := output.Green("yes")
			if !p.CanSell {
				sellable = output.Yellow("from " + p.SettlesOn)
			}
			table.AddRow(
				p.Symbol,
				utils.FormatQuantity(p.Quantity),
				utils.FormatVND(decimal.RequireFromString(p.AvgPrice)),
				utils.FormatVND(decimal.RequireFromString(p.Mark)),
				output.Signed(p.Unrealized, utils.FormatPercent(p.Unrealized)),
				fmt.Sprintf("%d", p.DaysHeld),
				sellable,
				p.TrailingStop,
			)
		}
		table.Render()
	}

	if len(view.Exits) > 0 {
		output.Println()
		output.Bold("Recent exits")
		table := NewTable(output, "TIME", "SYMBOL", "REASON", "QTY", "EXIT", "P&L")
		for _, e := range view.Exits {
			table.AddRow(
				e.At.Format("2006-01-02 15:04"),
				e.Symbol,
				string(e.Reason),
				utils.FormatQuantity(e.Quantity),
				utils.FormatVND(e.ExitPrice),
				output.Signed(e.PnLPct, utils.FormatPercent(e.PnLPct)),
			)
		}
		table.Render()
	}
}
