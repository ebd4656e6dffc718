package learning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vn-autotrader/internal/config"
	"vn-autotrader/internal/errors"
	"vn-autotrader/internal/logging"
	"vn-autotrader/internal/metrics"
	"vn-autotrader/internal/models"
)

// TaskName is the last-run key of the weekly weight update.
const TaskName = "weights"

// Store persists samples, weights and the last update time.
type Store interface {
	SaveWeights(ctx context.Context, weights []models.AgentWeight) error
	LoadWeights(ctx context.Context) ([]models.AgentWeight, error)
	SaveSamples(ctx context.Context, samples []models.AgentSample) error
	LoadSamples(ctx context.Context, since time.Time) ([]models.AgentSample, error)
	GetLastRun(task string) time.Time
	SetLastRun(task string, t time.Time) error
}

// WeightAdapter owns the live agent weights used by consensus.
type WeightAdapter struct {
	cfg     config.WeightConfig
	store   Store
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu         sync.RWMutex
	weights    map[string]models.AgentWeight
	samples    []models.AgentSample
	lastUpdate time.Time

	updateMu sync.Mutex
}

// NewWeightAdapter restores weights and recent samples from st, if given,
// on top of the configured initial weights.
func NewWeightAdapter(ctx context.Context, cfg config.WeightConfig, st Store, m *metrics.Metrics, logger zerolog.Logger) (*WeightAdapter, error) {
	a := &WeightAdapter{
		cfg:     cfg,
		store:   st,
		metrics: m,
		logger:  logging.WithComponent(logger, "weights"),
		now:     time.Now,
		weights: make(map[string]models.AgentWeight),
	}
	for name, w := range cfg.Initial {
		a.weights[name] = models.AgentWeight{AgentName: name, Weight: a.clamp(w)}
	}

	if st != nil {
		stored, err := st.LoadWeights(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load agent weights: %w", err)
		}
		for _, w := range stored {
			w.Weight = a.clamp(w.Weight)
			a.weights[w.AgentName] = w
		}

		var since time.Time
		if cfg.EvaluationWindow > 0 {
			since = a.now().Add(-cfg.EvaluationWindow)
		}
		samples, err := st.LoadSamples(ctx, since)
		if err != nil {
			return nil, fmt.Errorf("failed to load agent samples: %w", err)
		}
		a.samples = a.trim(samples)
		a.lastUpdate = st.GetLastRun(TaskName)
	}

	for name, w := range a.weights {
		a.metrics.SetAgentWeight(name, w.Weight)
	}
	return a, nil
}

// SetClock replaces the time source. Intended for tests.
func (a *WeightAdapter) SetClock(now func() time.Time) {
	a.now = now
}

func (a *WeightAdapter) clamp(w float64) float64 {
	if w < a.cfg.MinWeight {
		return a.cfg.MinWeight
	}
	if a.cfg.MaxWeight > 0 && w > a.cfg.MaxWeight {
		return a.cfg.MaxWeight
	}
	return w
}

// Weight returns the live weight of agent, 1.0 when unknown.
func (a *WeightAdapter) Weight(agent string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if w, ok := a.weights[agent]; ok {
		return w.Weight
	}
	return 1.0
}

// Weights returns a copy of all weights.
func (a *WeightAdapter) Weights() map[string]float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]float64, len(a.weights))
	for name, w := range a.weights {
		out[name] = w.Weight
	}
	return out
}

// LastUpdate returns when weights were last adapted.
func (a *WeightAdapter) LastUpdate() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastUpdate
}

// RecordOutcome turns a closed position into one sample per attributed
// agent and persists them.
func (a *WeightAdapter) RecordOutcome(ctx context.Context, o models.Outcome) ([]models.AgentSample, error) {
	if len(o.Attribution) == 0 {
		return nil, nil
	}
	at := o.ClosedAt
	if at.IsZero() {
		at = a.now()
	}

	batch := make([]models.AgentSample, 0, len(o.Attribution))
	for _, agent := range sortedAgents(o.Attribution) {
		action := o.Attribution[agent]
		correct, ret := Judge(action, o.PnLPct, a.cfg.NeutralBand)
		batch = append(batch, models.AgentSample{
			Agent:       agent,
			Symbol:      o.Symbol,
			Action:      action,
			Correct:     correct,
			Return:      ret,
			HoldingDays: o.HoldingDays,
			RecordedAt:  at,
		})
	}

	a.mu.Lock()
	a.samples = a.trim(append(a.samples, batch...))
	a.mu.Unlock()

	a.logger.Info().
		Str("symbol", o.Symbol).
		Float64("pnl_pct", o.PnLPct).
		Int("agents", len(batch)).
		Msg("Outcome recorded")

	if a.store != nil {
		if err := a.store.SaveSamples(ctx, batch); err != nil {
			return batch, fmt.Errorf("failed to persist samples: %w", err)
		}
	}
	return batch, nil
}

// trim drops samples outside the evaluation window and keeps at most
// MaxSamples of the newest.
func (a *WeightAdapter) trim(samples []models.AgentSample) []models.AgentSample {
	if a.cfg.EvaluationWindow > 0 {
		cutoff := a.now().Add(-a.cfg.EvaluationWindow)
		kept := samples[:0]
		for _, s := range samples {
			if !s.RecordedAt.Before(cutoff) {
				kept = append(kept, s)
			}
		}
		samples = kept
	}
	if a.cfg.MaxSamples > 0 && len(samples) > a.cfg.MaxSamples {
		samples = append([]models.AgentSample(nil), samples[len(samples)-a.cfg.MaxSamples:]...)
	}
	return samples
}

// Evaluate adapts every agent with enough samples toward its performance
// target. It returns ErrTooSoon inside the update interval,
// ErrNotEnoughSamples below the sample floor and ErrUpdateInProgress when
// another evaluation holds the lock.
func (a *WeightAdapter) Evaluate(ctx context.Context, now time.Time) ([]models.AgentWeight, error) {
	if !a.updateMu.TryLock() {
		a.metrics.RecordWeightUpdate("busy")
		return nil, errors.ErrUpdateInProgress
	}
	defer a.updateMu.Unlock()

	a.mu.RLock()
	last := a.lastUpdate
	a.mu.RUnlock()
	if !last.IsZero() && now.Sub(last) < a.cfg.UpdateInterval {
		a.metrics.RecordWeightUpdate("too_soon")
		return nil, fmt.Errorf("%w: last update %s", errors.ErrTooSoon, last.Format(time.RFC3339))
	}

	a.mu.Lock()
	a.samples = a.trim(a.samples)
	samples := append([]models.AgentSample(nil), a.samples...)
	a.mu.Unlock()

	if len(samples) < a.cfg.MinSamples {
		a.metrics.RecordWeightUpdate("not_enough_samples")
		return nil, fmt.Errorf("%w: have %d, need %d", errors.ErrNotEnoughSamples, len(samples), a.cfg.MinSamples)
	}

	byAgent := groupByAgent(samples)
	var updated []models.AgentWeight

	a.mu.Lock()
	for _, agent := range sortedAgents(byAgent) {
		group := byAgent[agent]
		if len(group) < a.cfg.MinAgentSamples {
			continue
		}
		m := ComputeMetrics(agent, group)
		old := 1.0
		if w, ok := a.weights[agent]; ok {
			old = w.Weight
		}
		target := a.cfg.TargetFloor + m.Score*(a.cfg.TargetCeiling-a.cfg.TargetFloor)
		next := a.clamp(old + (target-old)*a.cfg.LearningRate)

		w := models.AgentWeight{
			AgentName:   agent,
			Weight:      next,
			Accuracy:    m.Accuracy,
			Sharpe:      m.Sharpe,
			Consistency: m.Consistency,
			SampleCount: m.Samples,
			UpdatedAt:   now,
		}
		a.weights[agent] = w
		updated = append(updated, w)

		event := a.logger.Info()
		if m.Degraded {
			event = a.logger.Warn().Bool("degraded", true)
		}
		event.
			Str("agent", agent).
			Float64("old", old).
			Float64("new", next).
			Float64("accuracy", m.Accuracy).
			Float64("sharpe", m.Sharpe).
			Float64("consistency", m.Consistency).
			Msg("Agent weight adapted")
	}
	a.lastUpdate = now
	a.mu.Unlock()

	for _, w := range updated {
		a.metrics.SetAgentWeight(w.AgentName, w.Weight)
	}
	a.metrics.RecordWeightUpdate("updated")

	if a.store != nil {
		if err := a.store.SaveWeights(ctx, updated); err != nil {
			return updated, fmt.Errorf("failed to persist weights: %w", err)
		}
		if err := a.store.SetLastRun(TaskName, now); err != nil {
			return updated, fmt.Errorf("failed to record weight update: %w", err)
		}
	}
	return updated, nil
}

// Run evaluates once at start and then every CheckInterval until ctx is
// done. The update interval guard keeps updates weekly.
func (a *WeightAdapter) Run(ctx context.Context) error {
	interval := a.cfg.CheckInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		a.tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *WeightAdapter) tick(ctx context.Context) {
	_, err := a.Evaluate(ctx, a.now())
	switch {
	case err == nil:
	case errors.Is(err, errors.ErrTooSoon), errors.Is(err, errors.ErrNotEnoughSamples), errors.Is(err, errors.ErrUpdateInProgress):
		a.logger.Debug().Err(err).Msg("Weight update skipped")
	default:
		a.logger.Error().Err(err).Msg("Weight update failed")
	}
}

// Stats returns per-agent metrics over the current window with live
// weights, sorted by agent name.
func (a *WeightAdapter) Stats() []AgentStats {
	a.mu.RLock()
	samples := append([]models.AgentSample(nil), a.samples...)
	weights := make(map[string]float64, len(a.weights))
	for name, w := range a.weights {
		weights[name] = w.Weight
	}
	a.mu.RUnlock()

	byAgent := groupByAgent(samples)
	for name := range weights {
		if _, ok := byAgent[name]; !ok {
			byAgent[name] = nil
		}
	}

	out := make([]AgentStats, 0, len(byAgent))
	for _, agent := range sortedAgents(byAgent) {
		w, ok := weights[agent]
		if !ok {
			w = 1.0
		}
		out = append(out, AgentStats{AgentMetrics: ComputeMetrics(agent, byAgent[agent]), Weight: w})
	}
	return out
}

// AgentStats is an agent's metrics with its live weight.
type AgentStats struct {
	AgentMetrics
	Weight float64
}
