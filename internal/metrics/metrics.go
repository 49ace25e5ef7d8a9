package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for production monitoring of the scoring pipeline and the edge
// sync loop. Create once per process with New and share.
type Metrics struct {
	// IngestTotal counts verdicts by the method that produced them.
	IngestTotal *prometheus.CounterVec
	// IngestDuration tracks end-to-end ingest latency.
	IngestDuration prometheus.Histogram
	// AnomalyScore is the distribution of final verdict scores.
	AnomalyScore prometheus.Histogram
	// TrainingsTotal counts training passes by outcome.
	TrainingsTotal *prometheus.CounterVec
	// AlertsTotal counts raised alerts by severity.
	AlertsTotal *prometheus.CounterVec
	// SyncBatchesTotal counts edge sync cycles by outcome.
	SyncBatchesTotal *prometheus.CounterVec
	// SyncPendingRows gauges unsynced rows waiting at the edge.
	SyncPendingRows prometheus.Gauge
	// MachinesTracked gauges how many machines have live state.
	MachinesTracked prometheus.Gauge
}

// New registers the metric set on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IngestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pdm_ingest_total",
				Help: "Total readings ingested, labeled by verdict method",
			},
			[]string{"method"},
		),
		IngestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pdm_ingest_duration_seconds",
				Help:    "Ingest pipeline latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 100µs to ~0.4s
			},
		),
		AnomalyScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pdm_anomaly_score",
				Help:    "Distribution of final verdict anomaly scores",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
		),
		TrainingsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pdm_trainings_total",
				Help: "Total model training passes by outcome",
			},
			[]string{"outcome"}, // trained/failed
		),
		AlertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pdm_alerts_total",
				Help: "Total alerts raised by severity",
			},
			[]string{"severity"},
		),
		SyncBatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pdm_sync_batches_total",
				Help: "Edge sync cycles by outcome",
			},
			[]string{"outcome"}, // success/failure/offline
		),
		SyncPendingRows: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pdm_sync_pending_rows",
				Help: "Unsynced edge rows waiting for upload",
			},
		),
		MachinesTracked: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pdm_machines_tracked",
				Help: "Machines with live pipeline state",
			},
		),
	}
}
