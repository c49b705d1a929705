// Package metrics defines the Prometheus instrumentation for the correlation
// engine.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "muster"

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	AnalysesTotal            *prometheus.CounterVec
	AnalysisDuration         prometheus.Histogram
	DuplicatesTotal          prometheus.Counter
	CorrelationsTotal        *prometheus.CounterVec
	GroupsByStatus           *prometheus.GaugeVec
	MappedIncidents          prometheus.Gauge
	MaintenanceSweepsTotal   prometheus.Counter
	MaintenanceSweepDuration prometheus.Histogram
}

// New creates the collector set. Call Register before use.
func New() *Metrics {
	return &Metrics{
		AnalysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Incident analyses by outcome (new, duplicate, grouped, error).",
		}, []string{"outcome"}),
		AnalysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Latency of a full analyze call.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		DuplicatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_total",
			Help:      "Submissions folded into an existing incident by deduplication.",
		}),
		CorrelationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlations_total",
			Help:      "Correlation records produced, by strategy.",
		}, []string{"strategy"}),
		GroupsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "groups",
			Help:      "Correlation groups currently held, by status.",
		}, []string{"status"}),
		MappedIncidents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mapped_incidents",
			Help:      "Incidents currently mapped to a group.",
		}),
		MaintenanceSweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_sweeps_total",
			Help:      "Completed maintenance sweeps.",
		}),
		MaintenanceSweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "maintenance_sweep_duration_seconds",
			Help:      "Duration of a maintenance sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
}

// Register registers all collectors with the given registerer, tolerating
// collectors that are already registered.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.AnalysesTotal,
		m.AnalysisDuration,
		m.DuplicatesTotal,
		m.CorrelationsTotal,
		m.GroupsByStatus,
		m.MappedIncidents,
		m.MaintenanceSweepsTotal,
		m.MaintenanceSweepDuration,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveAnalysis records one completed analyze call.
func (m *Metrics) ObserveAnalysis(outcome string, d time.Duration) {
	m.AnalysesTotal.WithLabelValues(outcome).Inc()
	m.AnalysisDuration.Observe(d.Seconds())
}

// IncDuplicate records a deduplicated submission.
func (m *Metrics) IncDuplicate() {
	m.DuplicatesTotal.Inc()
}

// IncCorrelation records one produced correlation record.
func (m *Metrics) IncCorrelation(strategy string) {
	m.CorrelationsTotal.WithLabelValues(strategy).Inc()
}

// ObserveMaintenanceSweep records one completed maintenance sweep.
func (m *Metrics) ObserveMaintenanceSweep(d time.Duration) {
	m.MaintenanceSweepsTotal.Inc()
	m.MaintenanceSweepDuration.Observe(d.Seconds())
}

// SetGroupGauges updates the group census gauges.
func (m *Metrics) SetGroupGauges(active, stable, resolved, archived, mapped int) {
	m.GroupsByStatus.WithLabelValues("active").Set(float64(active))
	m.GroupsByStatus.WithLabelValues("stable").Set(float64(stable))
	m.GroupsByStatus.WithLabelValues("resolved").Set(float64(resolved))
	m.GroupsByStatus.WithLabelValues("archived").Set(float64(archived))
	m.MappedIncidents.Set(float64(mapped))
}
