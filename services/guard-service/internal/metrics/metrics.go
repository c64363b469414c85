package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"praxisguard-backend/services/guard-service/internal/orchestrator"
)

const namespace = "praxisguard"

// Metrics holds the guard-service collectors. Each instance owns its
// registry so tests never share state.
type Metrics struct {
	registry *prometheus.Registry

	readingsIngested *prometheus.CounterVec
	breaches         *prometheus.CounterVec
	runs             *prometheus.CounterVec
	runSeconds       prometheus.Histogram
	dispatchRejected *prometheus.CounterVec
	forwardFailures  prometheus.Counter
	lastPoF          *prometheus.GaugeVec
	queueDepth       prometheus.GaugeFunc
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		readingsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_ingested_total",
			Help:      "Readings appended to the store, by source.",
		}, []string{"source"}),
		breaches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaches_total",
			Help:      "Ingested readings that crossed a detector limit.",
		}, []string{"machine_id"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrator_runs_total",
			Help:      "Finished orchestration runs by terminal state and whether Stage B acted.",
		}, []string{"state", "acted"}),
		runSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "orchestrator_run_seconds",
			Help:      "Orchestration run latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		dispatchRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_rejected_total",
			Help:      "Dispatch requests refused, by reason.",
		}, []string{"reason"}),
		forwardFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_forward_failures_total",
			Help:      "Webhook deliveries that failed.",
		}),
		lastPoF: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_pof",
			Help:      "Probability of failure of the latest ingested reading.",
		}, []string{"machine_id"}),
	}
	m.registry.MustRegister(
		m.readingsIngested,
		m.breaches,
		m.runs,
		m.runSeconds,
		m.dispatchRejected,
		m.forwardFailures,
		m.lastPoF,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveReading(source, machineID string, pof float64, breached bool) {
	m.readingsIngested.WithLabelValues(source).Inc()
	m.lastPoF.WithLabelValues(machineID).Set(pof)
	if breached {
		m.breaches.WithLabelValues(machineID).Inc()
	}
}

// ObserveOutcome is shaped to be registered as a dispatcher completion hook.
func (m *Metrics) ObserveOutcome(out orchestrator.Outcome, _ error) {
	acted := "false"
	if out.Acted() {
		acted = "true"
	}
	m.runs.WithLabelValues(string(out.State), acted).Inc()
	if !out.StartedAt.IsZero() && !out.FinishedAt.IsZero() {
		d := out.FinishedAt.Sub(out.StartedAt)
		if d < 0 {
			d = 0
		}
		m.runSeconds.Observe(d.Seconds())
	}
}

func (m *Metrics) DispatchRejected(reason string) {
	m.dispatchRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) ForwardFailed() {
	m.forwardFailures.Inc()
}

// WatchQueue exposes depth as the dispatch queue gauge. It is sampled on
// every scrape; calling it again has no effect.
func (m *Metrics) WatchQueue(depth func() int) {
	if m.queueDepth != nil || depth == nil {
		return
	}
	m.queueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatch_queue_depth",
		Help:      "Orchestration runs queued but not yet picked up by a worker.",
	}, func() float64 { return float64(depth()) })
	m.registry.MustRegister(m.queueDepth)
}
