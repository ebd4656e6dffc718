package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"vn-autotrader/internal/learning"
	"vn-autotrader/pkg/utils"
)

func newWeightsCmd(app *App) *cobra.Command {
	var evaluate bool

	cmd := &cobra.Command{
		Use:   "weights",
		Short: "Show agent weights and performance",
		Long: `Show each agent's live weight with accuracy, Sharpe ratio and consistency
over the evaluation window. --evaluate runs the weekly update now, subject to
the same interval and sample guards as the engine.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			st, err := app.openStore()
			if err != nil {
				return err
			}
			adapter, err := learning.NewWeightAdapter(ctx, app.Config.Weights, st, app.Metrics, app.Logger)
			if err != nil {
				return err
			}

			var evalErr error
			if evaluate {
				_, evalErr = adapter.Evaluate(ctx, time.Now())
			}

			stats := adapter.Stats()
			if output.IsJSON() {
				payload := map[string]interface{}{
					"agents":      stats,
					"last_update": adapter.LastUpdate(),
				}
				if evalErr != nil {
					payload["evaluate_error"] = evalErr.Error()
				}
				return output.JSON(payload)
			}

			if evaluate {
				if evalErr != nil {
					output.Warning("Weights not updated: %v", evalErr)
				} else {
					output.Success("✓ Weights updated")
				}
			}
			if last := adapter.LastUpdate(); !last.IsZero() {
				output.Dim("Last update: %s", last.Local().Format("2006-01-02 15:04"))
			} else {
				output.Dim("Weights have never been updated")
			}

			table := NewTable(output, "AGENT", "WEIGHT", "SAMPLES", "ACCURACY", "AVG RET", "SHARPE", "CONSIST", "")
			for _, s := range stats {
				flag := ""
				if s.Degraded {
					flag = output.Red("degraded")
				}
				table.AddRow(
					s.Agent,
					fmt.Sprintf("%.2f", s.Weight),
					fmt.Sprintf("%d", s.Samples),
					fmt.Sprintf("%.0f%%", s.Accuracy*100),
					output.Signed(s.AvgReturn, utils.FormatPercent(s.AvgReturn)),
					fmt.Sprintf("%.2f", s.Sharpe),
					fmt.Sprintf("%.2f", s.Consistency),
					flag,
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().BoolVar(&evaluate, "evaluate", false, "run a weight update now")
	return cmd
}
