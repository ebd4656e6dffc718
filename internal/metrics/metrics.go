// Package metrics provides Prometheus metrics for the trading core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autotrader"

// Metrics holds all Prometheus metrics for the application. Every method is
// safe to call on a nil *Metrics, so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Consensus metrics
	VerdictsTotal      *prometheus.CounterVec
	AgentFailuresTotal *prometheus.CounterVec
	AgentLatency       *prometheus.HistogramVec
	AgentWeight        *prometheus.GaugeVec

	// Execution metrics
	OrdersTotal *prometheus.CounterVec
	Cash        prometheus.Gauge

	// Position metrics
	OpenPositions      prometheus.Gauge
	ExitsTotal         *prometheus.CounterVec
	PriceSourceTotal   *prometheus.CounterVec
	PollDuration       prometheus.Histogram
	WeightUpdatesTotal *prometheus.CounterVec

	// Event bus metrics
	EventsPublished *prometheus.CounterVec
	EventsDropped   prometheus.Counter
}

// New creates a Metrics instance registered on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		VerdictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "verdicts_total",
			Help:      "Total number of verdicts by action",
		}, []string{"action"}),
		AgentFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "agent_failures_total",
			Help:      "Total number of failed or abandoned agent calls",
		}, []string{"agent", "reason"}),
		AgentLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "agent_latency_seconds",
			Help:      "Agent analysis latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agent"}),
		AgentWeight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "consensus",
			Name:      "agent_weight",
			Help:      "Current consensus weight per agent",
		}, []string{"agent"}),

		OrdersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "orders_total",
			Help:      "Total number of orders by side and final status",
		}, []string{"side", "status"}),
		Cash: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "cash",
			Help:      "Ledger cash balance",
		}),

		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "open_positions",
			Help:      "Number of monitored open positions",
		}),
		ExitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "exits_total",
			Help:      "Total number of position exits by reason",
		}, []string{"reason"}),
		PriceSourceTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "price_lookups_total",
			Help:      "Price lookups by the source that answered",
		}, []string{"source"}),
		PollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "poll_duration_seconds",
			Help:      "Duration of one position poll cycle",
			Buckets:   prometheus.DefBuckets,
		}),
		WeightUpdatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "learning",
			Name:      "weight_updates_total",
			Help:      "Weight evaluation attempts by result",
		}, []string{"result"}),

		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events accepted by the bus by kind",
		}, []string{"kind"}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because the bus buffer was full",
		}),
	}
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordVerdict counts a verdict.
func (m *Metrics) RecordVerdict(action string) {
	if m == nil {
		return
	}
	m.VerdictsTotal.WithLabelValues(action).Inc()
}

// RecordAgentCall records agent latency and, on failure, the failure reason.
func (m *Metrics) RecordAgentCall(agent string, elapsed time.Duration, failure string) {
	if m == nil {
		return
	}
	m.AgentLatency.WithLabelValues(agent).Observe(elapsed.Seconds())
	if failure != "" {
		m.AgentFailuresTotal.WithLabelValues(agent, failure).Inc()
	}
}

// SetAgentWeight updates an agent's weight gauge.
func (m *Metrics) SetAgentWeight(agent string, weight float64) {
	if m == nil {
		return
	}
	m.AgentWeight.WithLabelValues(agent).Set(weight)
}

// RecordOrder counts an order by its final status.
func (m *Metrics) RecordOrder(side, status string) {
	if m == nil {
		return
	}
	m.OrdersTotal.WithLabelValues(side, status).Inc()
}

// SetCash updates the cash gauge.
func (m *Metrics) SetCash(cash float64) {
	if m == nil {
		return
	}
	m.Cash.Set(cash)
}

// SetOpenPositions updates the open positions gauge.
func (m *Metrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.OpenPositions.Set(float64(n))
}

// RecordExit counts a position exit.
func (m *Metrics) RecordExit(reason string) {
	if m == nil {
		return
	}
	m.ExitsTotal.WithLabelValues(reason).Inc()
}

// RecordPriceSource counts which source answered a price lookup.
func (m *Metrics) RecordPriceSource(source string) {
	if m == nil {
		return
	}
	m.PriceSourceTotal.WithLabelValues(source).Inc()
}

// ObservePoll records a poll cycle duration.
func (m *Metrics) ObservePoll(d time.Duration) {
	if m == nil {
		return
	}
	m.PollDuration.Observe(d.Seconds())
}

// RecordWeightUpdate counts a weight evaluation attempt.
func (m *Metrics) RecordWeightUpdate(result string) {
	if m == nil {
		return
	}
	m.WeightUpdatesTotal.WithLabelValues(result).Inc()
}

// RecordEvent counts a published or dropped event.
func (m *Metrics) RecordEvent(kind string, dropped bool) {
	if m == nil {
		return
	}
	if dropped {
		m.EventsDropped.Inc()
		return
	}
	m.EventsPublished.WithLabelValues(kind).Inc()
}
