package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newCalendarCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "calendar <entry-date> [as-of-date]",
		Short: "Show the settlement date for an entry",
		Long: `Show when shares bought on entry-date settle and can be sold. Dates are
YYYY-MM-DD in the exchange time zone. With as-of-date, also show the trading
days held at that date.`,
		Example: "  autotrader calendar 2025-04-04",
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cal, err := tradingCalendar(app.Config)
			if err != nil {
				return err
			}
			loc := app.Config.Location()

			entry, err := time.ParseInLocation("2006-01-02", args[0], loc)
			if err != nil {
				return fmt.Errorf("invalid entry date %q: %w", args[0], err)
			}
			days := app.Config.Market.SettlementDays
			settles := cal.SettlementDate(entry, days)

			var asOf time.Time
			held := -1
			if len(args) == 2 {
				asOf, err = time.ParseInLocation("2006-01-02", args[1], loc)
				if err != nil {
					return fmt.Errorf("invalid as-of date %q: %w", args[1], err)
				}
				held = cal.DaysHeld(entry, asOf)
			}

			if output.IsJSON() {
				payload := map[string]interface{}{
					"entry":           entry.Format("2006-01-02"),
					"entry_trading":   cal.IsTradingDay(entry),
					"settlement_days": days,
					"settles":         settles.Format("2006-01-02"),
				}
				if held >= 0 {
					payload["as_of"] = asOf.Format("2006-01-02")
					payload["days_held"] = held
					payload["can_sell"] = held >= days
				}
				return output.JSON(payload)
			}

			if !cal.IsTradingDay(entry) {
				output.Warning("%s is not a trading day", entry.Format("Mon 2006-01-02"))
			}
			output.Printf("Entry:    %s\n", entry.Format("Mon 2006-01-02"))
			output.Printf("Sellable: %s (T+%d)\n", output.Green(settles.Format("Mon 2006-01-02")), days)
			if held >= 0 {
				state := output.Red("locked")
				if held >= days {
					state = output.Green("sellable")
				}
				output.Printf("As of %s: %d trading days held, %s\n", asOf.Format("2006-01-02"), held, state)
			}
			return nil
		},
	}
}
