package cli

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"vn-autotrader/internal/agents"
	"vn-autotrader/internal/journal"
	"vn-autotrader/internal/models"
	"vn-autotrader/internal/notify"
	"vn-autotrader/internal/trading"
	"vn-autotrader/pkg/utils"
)

// resultView is the JSON shape printed for each processed context.
type resultView struct {
	Symbol     string        `json:"symbol"`
	Action     models.Action `json:"action"`
	Confidence float64       `json:"confidence"`
	Agreement  float64       `json:"agreement"`
	Conflict   bool          `json:"conflict"`
	Vetoed     bool          `json:"vetoed"`
	Decision   string        `json:"decision"`
	OrderID    string        `json:"order_id,omitempty"`
	Status     string        `json:"order_status,omitempty"`
	Quantity   int64         `json:"quantity,omitempty"`
	Note       string        `json:"note,omitempty"`
	Error      string        `json:"error,omitempty"`
}

func newRunCmd(app *App) *cobra.Command {
	var (
		input       string
		metricsAddr string
		exitOnEOF   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the trading engine",
		Long: `Start the engine: the position scheduler, the event bus and the weight
adapter run until interrupted. Signal contexts are read as JSON objects, one
per line, from stdin or --input, and each is put through a consensus round.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stack, err := app.buildStack(ctx)
			if err != nil {
				return err
			}

			var in io.Reader = cmd.InOrStdin()
			if input != "" && input != "-" {
				f, err := os.Open(input)
				if err != nil {
					return fmt.Errorf("opening input: %w", err)
				}
				defer f.Close()
				in = f
			}

			if metricsAddr == "" {
				metricsAddr = app.Config.Metrics.ListenAddr
			}

			printer := &resultPrinter{out: output}
			dispatcher := app.newDispatcher(printer, output)
			stack.Bus.Handle(dispatcher.Handle, dispatcher.Kinds()...)

			if app.Config.Journal.Enabled {
				j, err := app.openJournal()
				if err != nil {
					return err
				}
				defer j.Close()
				stack.Bus.Handle(j.Handle)
			}

			if !output.IsJSON() {
				output.Info("Engine started: %d positions restored, %s cash",
					stack.Restored, utils.FormatVND(stack.Broker.Ledger().Cash()))
			}

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			g, gctx := errgroup.WithContext(runCtx)
			g.Go(func() error { return stack.Engine.Run(gctx) })
			g.Go(func() error { return dispatcher.Run(gctx) })
			if metricsAddr != "off" {
				g.Go(func() error { return serveMetrics(gctx, metricsAddr, app) })
			}
			g.Go(func() error {
				err := consume(gctx, in, stack.Engine, printer)
				if err == nil && exitOnEOF {
					cancel()
				}
				return err
			})

			if err := g.Wait(); err != nil && !stderrors.Is(err, context.Canceled) {
				return err
			}
			if !output.IsJSON() {
				output.Dim("Engine stopped")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "read signal contexts from file instead of stdin")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", `metrics listen address ("off" disables; default from config)`)
	cmd.Flags().BoolVar(&exitOnEOF, "exit-on-eof", false, "stop once the input is exhausted")
	return cmd
}

// consume decodes signal contexts until EOF or cancellation. Malformed input
// ends the stream; per-context failures are reported and skipped. Decoding
// runs in its own goroutine so an idle reader never delays shutdown.
func consume(ctx context.Context, in io.Reader, engine *trading.Engine, printer *resultPrinter) error {
	type decoded struct {
		sc  agents.SignalContext
		err error
	}
	records := make(chan decoded)
	go func() {
		defer close(records)
		dec := json.NewDecoder(in)
		for {
			var rec decoded
			rec.err = dec.Decode(&rec.sc)
			select {
			case records <- rec:
			case <-ctx.Done():
				return
			}
			if rec.err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-records:
			if !ok {
				return nil
			}
			if rec.err != nil {
				if stderrors.Is(rec.err, io.EOF) {
					return nil
				}
				return fmt.Errorf("decoding signal context: %w", rec.err)
			}
			sc := rec.sc
			sc.Symbol = strings.ToUpper(strings.TrimSpace(sc.Symbol))
			res, err := engine.Process(ctx, sc)
			printer.result(sc.Symbol, res, err)
		}
	}
}

func serveMetrics(ctx context.Context, addr string, app *App) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           app.Metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	app.Logger.Info().Str("addr", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// resultPrinter serializes writes from the input loop and bus handlers.
type resultPrinter struct {
	mu  sync.Mutex
	out *Output
}

func viewOf(symbol string, res *trading.Result, err error) resultView {
	view := resultView{Symbol: symbol}
	if err != nil {
		view.Error = err.Error()
		return view
	}
	v := res.Verdict
	view.Action = v.Action
	view.Confidence = v.Confidence
	view.Agreement = v.AgreementScore
	view.Conflict = v.HasConflict
	view.Vetoed = v.Vetoed
	view.Decision = string(res.Decision)
	view.Note = res.Note
	if res.Order != nil {
		view.OrderID = res.Order.ID
		view.Status = string(res.Order.Status)
		view.Quantity = res.Order.Quantity
	}
	return view
}

func (p *resultPrinter) result(symbol string, res *trading.Result, err error) {
	view := viewOf(symbol, res, err)

	p.mu.Lock()
	defer p.mu.Unlock()
	o := p.out
	if o.IsJSON() {
		_ = o.JSON(view)
		return
	}
	if view.Error != "" {
		o.Error("%-6s %s", symbol, view.Error)
		return
	}
	line := fmt.Sprintf("%-6s %-16s conf %5.1f  agree %5.1f  %s",
		symbol, o.Action(view.Action), view.Confidence, view.Agreement, view.Decision)
	if view.Conflict {
		line += " " + o.Yellow("[conflict]")
	}
	if view.Vetoed {
		line += " " + o.Red("[vetoed]")
	}
	if view.OrderID != "" {
		line += fmt.Sprintf("  %s x%s", view.Status, utils.FormatQuantity(view.Quantity))
	}
	if view.Note != "" {
		line += " " + o.DimText(view.Note)
	}
	o.Println(line)
}

// Write lets notification channels share the printer's lock.
func (p *resultPrinter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.writer.Write(b)
}

// newDispatcher builds the notification dispatcher: the terminal always, the
// webhook when configured.
func (a *App) newDispatcher(printer *resultPrinter, output *Output) *notify.Dispatcher {
	cfg := a.Config.Notify
	kinds := make([]models.EventKind, 0, len(cfg.Events))
	for _, k := range cfg.Events {
		kinds = append(kinds, models.EventKind(k))
	}

	channels := []notify.Channel{notify.NewTerminalChannel(printer, output.colorEnabled, output.IsJSON())}
	if hook := notify.NewWebhookChannel(cfg.WebhookURL, cfg.Timeout); hook != nil {
		channels = append(channels, hook)
	}
	return notify.NewDispatcher(notify.DispatcherConfig{
		Kinds:      kinds,
		BufferSize: cfg.BufferSize,
		Timeout:    cfg.Timeout,
		Logger:     a.Logger,
	}, channels...)
}

func (a *App) openJournal() (*journal.Journal, error) {
	cfg := a.Config.Journal
	j, err := journal.New(journal.Config{
		Path:       cfg.Path,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   true,
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	a.Logger.Debug().Str("path", cfg.Path).Str("session", j.SessionID()).Msg("Event journal opened")
	return j, nil
}
