package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for execution monitoring. All metrics
// are namespaced "planweave". A nil *Metrics disables collection; every
// method is nil-safe.
type Metrics struct {
	inflightNodes  prometheus.Gauge
	nodeLatency    *prometheus.HistogramVec
	retries        *prometheus.CounterVec
	runsTotal      *prometheus.CounterVec
	droppedEvents  prometheus.Counter
	confirmPending prometheus.Gauge
}

// NewMetrics registers the executor metric set with the given registry
// (nil uses the default registerer).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		inflightNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "planweave",
			Name:      "inflight_nodes",
			Help:      "Number of nodes currently executing.",
		}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "planweave",
			Name:      "node_latency_ms",
			Help:      "Node execution duration in milliseconds.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"node_type", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planweave",
			Name:      "node_retries_total",
			Help:      "Cumulative node retry attempts.",
		}, []string{"node_type"}),
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planweave",
			Name:      "runs_total",
			Help:      "Completed runs by terminal status.",
		}, []string{"status"}),
		droppedEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "planweave",
			Name:      "dropped_events_total",
			Help:      "Run events dropped by the best-effort recorder.",
		}),
		confirmPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "planweave",
			Name:      "pending_confirmations",
			Help:      "Side-effect confirmations awaiting a decision.",
		}),
	}
}

func (m *Metrics) nodeStarted() {
	if m != nil {
		m.inflightNodes.Inc()
	}
}

func (m *Metrics) nodeFinished(nodeType string, d time.Duration, status string) {
	if m == nil {
		return
	}
	m.inflightNodes.Dec()
	m.nodeLatency.WithLabelValues(nodeType, status).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) nodeRetried(nodeType string) {
	if m != nil {
		m.retries.WithLabelValues(nodeType).Inc()
	}
}

func (m *Metrics) runFinished(status string) {
	if m != nil {
		m.runsTotal.WithLabelValues(status).Inc()
	}
}

// EventDropped increments the recorder drop counter; exported for the
// recorder wiring at application start.
func (m *Metrics) EventDropped() {
	if m != nil {
		m.droppedEvents.Inc()
	}
}

func (m *Metrics) confirmStarted() {
	if m != nil {
		m.confirmPending.Inc()
	}
}

func (m *Metrics) confirmFinished() {
	if m != nil {
		m.confirmPending.Dec()
	}
}
