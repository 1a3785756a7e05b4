package infra

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the settlement engine.
// Each Metrics owns its registry, so tests can create as many as they like.
type Metrics struct {
	reg *prometheus.Registry

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	holdingEscrows  prometheus.Gauge
	escrowedValue   prometheus.Gauge
	walFailures     prometheus.Counter
	feedClients     prometheus.Gauge
	lastSeq         prometheus.Gauge
	breakerState    *prometheus.GaugeVec
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "konnect",
			Subsystem: "engine",
			Name:      "commands_total",
			Help:      "Commands processed, by operation and result code",
		}, []string{"kind", "code"}),
		commandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "konnect",
			Subsystem: "engine",
			Name:      "command_duration_seconds",
			Help:      "Time from dequeue to reply, including the WAL write",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 14),
		}, []string{"kind"}),
		holdingEscrows: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "konnect",
			Subsystem: "escrow",
			Name:      "holding",
			Help:      "Escrows waiting for the buyer to release or cancel",
		}),
		escrowedValue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "konnect",
			Subsystem: "escrow",
			Name:      "value_base_units",
			Help:      "Funds held in vaults, in base units",
		}),
		walFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "konnect",
			Subsystem: "storage",
			Name:      "wal_failures_total",
			Help:      "Failed WAL appends",
		}),
		feedClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "konnect",
			Subsystem: "feed",
			Name:      "clients",
			Help:      "Connected receipt feed subscribers",
		}),
		lastSeq: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "konnect",
			Subsystem: "engine",
			Name:      "last_seq",
			Help:      "Sequence number of the last committed command",
		}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "konnect",
			Subsystem: "storage",
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		}, []string{"name"}),
	}
}

// ObserveCommand records one processed command.
func (m *Metrics) ObserveCommand(kind, code string, took time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(kind, code).Inc()
	m.commandDuration.WithLabelValues(kind).Observe(took.Seconds())
}

// SetEscrows publishes the current Holding escrow count and vault total.
func (m *Metrics) SetEscrows(count int, value uint64) {
	if m == nil {
		return
	}
	m.holdingEscrows.Set(float64(count))
	m.escrowedValue.Set(float64(value))
}

// SetLastSeq publishes the last committed sequence number.
func (m *Metrics) SetLastSeq(seq uint64) {
	if m == nil {
		return
	}
	m.lastSeq.Set(float64(seq))
}

// WALFailure counts a failed append.
func (m *Metrics) WALFailure() {
	if m == nil {
		return
	}
	m.walFailures.Inc()
}

// FeedClients publishes the number of feed subscribers.
func (m *Metrics) FeedClients(n int) {
	if m == nil {
		return
	}
	m.feedClients.Set(float64(n))
}

// BreakerChanged publishes a breaker transition. It matches
// CircuitBreakerConfig.OnStateChange.
func (m *Metrics) BreakerChanged(name string, _, to State) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(to))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry (tests, custom collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}
