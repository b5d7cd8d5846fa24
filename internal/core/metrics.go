package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsRecorder receives per-gene and per-cycle observations from the
// service.
type MetricsRecorder interface {
	ObserveGene(outcome Outcome, storeOperations int)
	ObserveCycle(report CycleReport, err error)
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

func (NoopMetrics) ObserveGene(Outcome, int)         {}
func (NoopMetrics) ObserveCycle(CycleReport, error) {}

// PrometheusMetrics exports cycle and gene counters through a Prometheus
// registry.
type PrometheusMetrics struct {
	cycles       *prometheus.CounterVec
	genes        *prometheus.CounterVec
	operations   prometheus.Counter
	assets       prometheus.Counter
	duration     prometheus.Histogram
	lastFinished prometheus.Gauge
}

var _ MetricsRecorder = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics registers the genesync collectors with reg. A nil reg
// leaves the collectors unregistered.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	m := &PrometheusMetrics{
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "genesync_cycles_total",
			Help: "Reconciliation cycles by result",
		}, []string{"result"}),
		genes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "genesync_gene_outcomes_total",
			Help: "Per-gene reconciliation outcomes",
		}, []string{"outcome"}),
		operations: factory.NewCounter(prometheus.CounterOpts{
			Name: "genesync_plan_operations_total",
			Help: "Alias and isoform operations written to the catalog",
		}),
		assets: factory.NewCounter(prometheus.CounterOpts{
			Name: "genesync_assets_synced_total",
			Help: "Assets downloaded into the local cache",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "genesync_cycle_duration_seconds",
			Help:    "Wall time of reconciliation cycles",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		lastFinished: factory.NewGauge(prometheus.GaugeOpts{
			Name: "genesync_last_cycle_finished_timestamp_seconds",
			Help: "Unix time the last cycle finished",
		}),
	}
	for _, o := range Outcomes {
		m.genes.WithLabelValues(string(o))
	}
	return m
}

func (m *PrometheusMetrics) ObserveGene(outcome Outcome, storeOperations int) {
	m.genes.WithLabelValues(string(outcome)).Inc()
	if storeOperations > 0 {
		m.operations.Add(float64(storeOperations))
	}
}

func (m *PrometheusMetrics) ObserveCycle(report CycleReport, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.cycles.WithLabelValues(result).Inc()
	m.assets.Add(float64(report.AssetsSynced))
	m.duration.Observe(report.Duration().Seconds())
	if !report.Finished.IsZero() {
		m.lastFinished.Set(float64(report.Finished.Unix()))
	}
}
