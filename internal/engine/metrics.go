package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/conex/pkg/schema"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runDuration  prometheus.Histogram
	nodeDuration *prometheus.HistogramVec
	activeRuns   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conex",
			Name:      "flow_runs_started_total",
			Help:      "Flow runs that passed pre-run checks and started.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conex",
			Name:      "flow_runs_finished_total",
			Help:      "Flow runs by terminal status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "conex",
			Name:      "flow_run_duration_seconds",
			Help:      "Wall-clock duration of flow runs.",
			Buckets:   prometheus.DefBuckets,
		}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "conex",
			Name:      "node_duration_seconds",
			Help:      "Handler duration per node type and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"node_type", "status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conex",
			Name:      "flow_runs_active",
			Help:      "Flow runs currently executing.",
		}),
	}

	for _, c := range []prometheus.Collector{m.runsStarted, m.runsFinished, m.runDuration, m.nodeDuration, m.activeRuns} {
		if err := reg.Register(c); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "register metrics: %s", err.Error()).WithCause(err)
		}
	}
	return m, nil
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

func (m *Metrics) runFinished(status schema.ExecutionStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runsFinished.WithLabelValues(string(status)).Inc()
	m.runDuration.Observe(d.Seconds())
}

func (m *Metrics) nodeFinished(t schema.NodeType, status schema.StepStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeDuration.WithLabelValues(string(t), string(status)).Observe(d.Seconds())
}
