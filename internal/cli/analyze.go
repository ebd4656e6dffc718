package cli

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"vn-autotrader/internal/agents"
	"vn-autotrader/internal/learning"
	"vn-autotrader/internal/models"
	"vn-autotrader/pkg/utils"
)

func newAnalyzeCmd(app *App) *cobra.Command {
	var (
		save        bool
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "analyze <context.json>...",
		Short: "Run consensus rounds without trading",
		Long: `Run the analyst, bull, bear and risk agents over signal contexts and print
the chief's verdict. Use "-" to read from stdin. A file may hold several
JSON contexts; with more than one symbol the rounds run concurrently and
the verdicts are ranked, actionable first. The agents are weighted with the
persisted weights; nothing is traded.`,
		Example: `  autotrader analyze fpt.json
  autotrader analyze fpt.json hpg.json vnm.json --concurrency 2
  echo '{"symbol":"FPT","price":120000,"rsi":34}' | autotrader analyze -`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()

			var contexts []agents.SignalContext
			for _, path := range args {
				scs, err := readContexts(cmd.InOrStdin(), path)
				if err != nil {
					return err
				}
				contexts = append(contexts, scs...)
			}

			st, err := app.openStore()
			if err != nil {
				return err
			}
			adapter, err := learning.NewWeightAdapter(ctx, app.Config.Weights, st, app.Metrics, app.Logger)
			if err != nil {
				return err
			}

			var recorder agents.VerdictRecorder
			if save {
				recorder = st
			}
			coordinator, err := app.newCoordinator(adapter, nil, recorder, app.Metrics)
			if err != nil {
				return err
			}

			if len(contexts) > 1 {
				results := coordinator.Scan(ctx, contexts, concurrency)
				if output.IsJSON() {
					return output.JSON(results)
				}
				renderScan(output, results)
				return nil
			}

			v, err := coordinator.Verdict(ctx, contexts[0])
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(v)
			}
			renderVerdict(output, v)
			return nil
		},
	}

	cmd.Flags().BoolVar(&save, "save", false, "persist the verdicts to the store")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 4, "rounds run at once when analyzing several symbols")
	return cmd
}

// readContexts decodes every JSON signal context in path, or stdin for "-".
func readContexts(stdin io.Reader, path string) ([]agents.SignalContext, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening context: %w", err)
		}
		defer f.Close()
		r = f
	}

	var out []agents.SignalContext
	dec := json.NewDecoder(r)
	for {
		var sc agents.SignalContext
		if err := dec.Decode(&sc); err != nil {
			if stderrors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decoding context %d in %s: %w", len(out)+1, path, err)
		}
		sc.Symbol = strings.ToUpper(strings.TrimSpace(sc.Symbol))
		out = append(out, sc)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("decoding context: no signal context in %s", path)
	}
	return out, nil
}

func renderScan(output *Output, results []agents.ScanResult) {
	table := NewTable(output, "SYMBOL", "PRICE", "ACTION", "CONF", "AGREE", "RISK")
	for _, r := range results {
		if r.Verdict == nil {
			table.AddRow(r.Symbol, "-", "-", "-", "-", output.Red(r.Error))
			continue
		}
		v := r.Verdict
		risk := output.Green("ok")
		switch {
		case v.RiskCheckFailed:
			risk = output.Red("failed")
		case v.Vetoed:
			risk = output.Red("vetoed")
		}
		table.AddRow(v.Symbol, utils.FormatVNDFloat(v.Price), output.Action(v.Action),
			fmt.Sprintf("%.0f", v.Confidence), fmt.Sprintf("%.0f", v.AgreementScore), risk)
	}
	table.Render()
}

func renderVerdict(output *Output, v *models.Verdict) {
	lines := []string{
		fmt.Sprintf("Action:      %s", output.Action(v.Action)),
		fmt.Sprintf("Confidence:  %.1f%%", v.Confidence),
		fmt.Sprintf("Agreement:   %.1f", v.AgreementScore),
	}
	if v.HasConflict {
		lines = append(lines, output.Yellow("Conflict:    bull and bear both above 60% confidence"))
	}
	switch {
	case v.RiskCheckFailed:
		lines = append(lines, output.Red("Risk check:  failed, forced HOLD"))
	case v.Vetoed:
		lines = append(lines, output.Red("Risk check:  vetoed"))
	case v.SuggestedQuantity > 0:
		lines = append(lines, fmt.Sprintf("Size:        %s shares", utils.FormatQuantity(v.SuggestedQuantity)))
	}
	if v.StopLoss > 0 || v.TakeProfit > 0 {
		lines = append(lines, fmt.Sprintf("Stop/Target: %s / %s",
			utils.FormatVNDFloat(v.StopLoss), utils.FormatVNDFloat(v.TakeProfit)))
	}
	output.Box(fmt.Sprintf("%s @ %s", v.Symbol, utils.FormatVNDFloat(v.Price)), lines)
	output.Println()

	table := NewTable(output, "AGENT", "ACTION", "CONF", "REASONING")
	for _, s := range v.Signals {
		reason := s.Reasoning
		if s.Veto && len(s.Violations) > 0 {
			reason = output.Red(strings.Join(s.Violations, "; "))
		}
		table.AddRow(s.AgentName, output.Action(s.Action), fmt.Sprintf("%.0f", s.Confidence), reason)
	}
	table.Render()

	if v.Reasoning != "" {
		output.Println()
		output.Dim("%s", v.Reasoning)
	}
}
