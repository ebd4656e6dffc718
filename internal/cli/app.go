package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"vn-autotrader/internal/agents"
	"vn-autotrader/internal/broker"
	"vn-autotrader/internal/calendar"
	"vn-autotrader/internal/config"
	"vn-autotrader/internal/learning"
	"vn-autotrader/internal/metrics"
	"vn-autotrader/internal/models"
	"vn-autotrader/internal/quote"
	"vn-autotrader/internal/store"
	"vn-autotrader/internal/stream"
	"vn-autotrader/internal/trading"
)

// App holds the application dependencies.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Store   *store.SQLiteStore
	Metrics *metrics.Metrics
}

// openStore opens the sqlite store on first use.
func (a *App) openStore() (*store.SQLiteStore, error) {
	if a.Store != nil {
		return a.Store, nil
	}
	s, err := store.NewSQLiteStore(a.Config.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", a.Config.Store.Path, err)
	}
	a.Store = s
	a.Logger.Debug().Str("path", a.Config.Store.Path).Msg("SQLite store initialized")
	return s, nil
}

// Close releases the store.
func (a *App) Close() error {
	if a.Store == nil {
		return nil
	}
	err := a.Store.Close()
	a.Store = nil
	return err
}

func marketRules(cfg config.MarketConfig) broker.MarketRules {
	return broker.MarketRules{
		LotSize:   cfg.LotSize,
		PriceBand: decimal.NewFromFloat(cfg.PriceBandPct),
	}
}

func feeSchedule(cfg config.FeeConfig) broker.FeeSchedule {
	return broker.FeeSchedule{
		CommissionRate: decimal.NewFromFloat(cfg.CommissionRate),
		SellTaxRate:    decimal.NewFromFloat(cfg.SellTaxRate),
		SlippageRate:   decimal.NewFromFloat(cfg.SlippageRate),
	}
}

func riskLimits(cfg config.RiskConfig) agents.RiskLimits {
	return agents.RiskLimits{
		MaxOpenPositions: cfg.MaxOpenPositions,
		MaxPositionPct:   cfg.MaxPositionPct,
		MaxVolatilityPct: cfg.MaxVolatilityPct,
		DailyLossLimit:   cfg.DailyLossLimit,
		BandMarginPct:    cfg.BandMarginPct,
		StopLossATR:      cfg.StopLossATR,
		TakeProfitATR:    cfg.TakeProfitATR,
	}
}

// tradingCalendar builds the exchange calendar from config.
func tradingCalendar(cfg *config.Config) (*calendar.Trading, error) {
	loc := cfg.Location()
	holidays, err := calendar.NewStaticCalendar(loc, cfg.Market.Holidays)
	if err != nil {
		return nil, fmt.Errorf("loading holidays: %w", err)
	}
	return calendar.New(holidays, loc), nil
}

// replayLedger rebuilds the paper account from every persisted trade.
func replayLedger(ctx context.Context, cfg *config.Config, st store.Store) (*broker.Ledger, error) {
	ledger := broker.NewLedger(decimal.NewFromFloat(cfg.Account.InitialCash))
	trades, err := st.GetTrades(ctx, store.TradeFilter{})
	if err != nil {
		return nil, fmt.Errorf("loading trades: %w", err)
	}
	if err := ledger.Replay(trades); err != nil {
		return nil, err
	}
	return ledger, nil
}

// newCoordinator wires the four agents and the optional narrator.
func (a *App) newCoordinator(weights agents.WeightSource, events agents.Publisher, recorder agents.VerdictRecorder, m *metrics.Metrics) (*agents.Coordinator, error) {
	cfg := a.Config
	var narrator agents.Narrator
	if cfg.LLM.Enabled && cfg.LLM.APIKey != "" {
		narrator = agents.NewOpenAINarrator(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Timeout)
		a.Logger.Debug().Str("model", cfg.LLM.Model).Msg("Verdict narrator enabled")
	}

	return agents.NewCoordinator(agents.CoordinatorConfig{
		Agents: []agents.Agent{
			agents.NewAnalystAgent(),
			agents.NewBullAgent(),
			agents.NewBearAgent(),
			agents.NewRiskGateAgent(riskLimits(cfg.Risk), marketRules(cfg.Market), feeSchedule(cfg.Fees)),
		},
		Chief: agents.NewChiefAgent(agents.ChiefConfig{
			StrongThreshold: cfg.Consensus.StrongThreshold,
			ActionThreshold: cfg.Consensus.ActionThreshold,
		}),
		Weights:      weights,
		Narrator:     narrator,
		Events:       events,
		Recorder:     recorder,
		Metrics:      m,
		Logger:       a.Logger,
		AgentTimeout: cfg.Consensus.AgentTimeout,
		HistorySize:  cfg.Consensus.HistorySize,
	})
}

// Stack is the fully wired trading core.
type Stack struct {
	Bus         *stream.Bus
	Quotes      *quote.Cache
	Broker      *broker.PaperBroker
	Calendar    *calendar.Trading
	Scheduler   *trading.PositionScheduler
	Adapter     *learning.WeightAdapter
	Coordinator *agents.Coordinator
	Engine      *trading.Engine
	Restored    int
}

// buildStack wires every component against the app's store and metrics.
func (a *App) buildStack(ctx context.Context) (*Stack, error) {
	cfg := a.Config
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	if a.Metrics == nil {
		a.Metrics = metrics.New()
	}
	m := a.Metrics

	busCfg := stream.DefaultBusConfig()
	if cfg.Events.BufferSize > 0 {
		busCfg.BufferSize = cfg.Events.BufferSize
	}
	bus := stream.NewBus(busCfg, m, a.Logger)

	ledger, err := replayLedger(ctx, cfg, st)
	if err != nil {
		return nil, err
	}

	cache := quote.NewCache(cfg.Quote.MaxAge)
	quotes := quoteChain(cfg.Quote, cache, m, a.Logger)

	pb := broker.NewPaperBroker(broker.PaperBrokerConfig{
		Quotes:   quotes,
		Ledger:   ledger,
		Rules:    marketRules(cfg.Market),
		Fees:     feeSchedule(cfg.Fees),
		Events:   bus,
		Recorder: st,
		Metrics:  m,
		Logger:   a.Logger,
	})
	m.SetCash(floatOf(ledger.Cash()))

	cal, err := tradingCalendar(cfg)
	if err != nil {
		return nil, err
	}

	scheduler := trading.NewPositionScheduler(trading.SchedulerConfig{
		Broker:         pb,
		Prices:         trading.NewPriceChain(quotes, st),
		Calendar:       cal,
		Store:          st,
		Events:         bus,
		Metrics:        m,
		Logger:         a.Logger,
		PollInterval:   cfg.Scheduler.PollInterval,
		SettlementDays: cfg.Market.SettlementDays,
		ExitOrderType:  models.OrderType(cfg.Scheduler.ExitOrderType),
	})
	restored, err := scheduler.Restore(ctx)
	if err != nil {
		return nil, err
	}

	adapter, err := learning.NewWeightAdapter(ctx, cfg.Weights, st, m, a.Logger)
	if err != nil {
		return nil, err
	}

	coordinator, err := a.newCoordinator(adapter, bus, st, m)
	if err != nil {
		return nil, err
	}

	engine, err := trading.NewEngine(trading.EngineConfig{
		Coordinator: coordinator,
		Broker:      pb,
		Scheduler:   scheduler,
		Learner:     adapter,
		Recorder:    st,
		Quotes:      cache,
		Runners:     []trading.Runner{bus, adapter},
		Consensus:   cfg.Consensus,
		Exits:       cfg.Scheduler,
		LotSize:     cfg.Market.LotSize,
		Logger:      a.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Stack{
		Bus:         bus,
		Quotes:      cache,
		Broker:      pb,
		Calendar:    cal,
		Scheduler:   scheduler,
		Adapter:     adapter,
		Coordinator: coordinator,
		Engine:      engine,
		Restored:    restored,
	}, nil
}

func floatOf(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// quoteChain puts the live HTTP source, when configured, ahead of the
// prices cached from signal contexts.
func quoteChain(cfg config.QuoteConfig, cache *quote.Cache, m *metrics.Metrics, logger zerolog.Logger) *quote.Chain {
	var sources []quote.Source
	if cfg.BaseURL != "" {
		sources = append(sources, quote.Source{
			Name: "http",
			Provider: quote.NewHTTPProvider(quote.HTTPConfig{
				BaseURL:          cfg.BaseURL,
				Timeout:          cfg.Timeout,
				Retries:          cfg.Retries,
				FailureThreshold: cfg.FailureThreshold,
				ResetTimeout:     cfg.ResetTimeout,
				RateLimit:        cfg.RateLimit,
				Burst:            cfg.Burst,
			}, logger),
		})
	}
	sources = append(sources, quote.Source{Name: "context", Provider: cache})
	return quote.NewChain(m, sources...)
}
