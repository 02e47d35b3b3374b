package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sync run outcomes.
const (
	SyncOutcomeCompleted = "completed"
	SyncOutcomeSkipped   = "skipped"
	SyncOutcomeFailed    = "failed"
)

// SyncMetrics instruments the synchronization engine.
type SyncMetrics struct {
	runs           *prometheus.CounterVec
	transfers      *prometheus.CounterVec
	conflicts      prometheus.Counter
	fileErrors     prometheus.Counter
	duration       prometheus.Histogram
	replicaVersion prometheus.Gauge
}

// NewSyncMetrics creates the sync collectors, nil when metrics are
// disabled.
func NewSyncMetrics() *SyncMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &SyncMetrics{
		runs: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "teivault_sync_runs_total",
				Help: "Total sync runs by outcome (completed, skipped, failed)",
			},
			[]string{"outcome"},
		),
		transfers: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "teivault_sync_transfers_total",
				Help: "Files transferred during sync by direction (upload, download)",
			},
			[]string{"direction"},
		),
		conflicts: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "teivault_sync_conflicts_total",
				Help: "Conflicts resolved during sync",
			},
		),
		fileErrors: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "teivault_sync_file_errors_total",
				Help: "Per-file transfer errors that did not abort a sync",
			},
		),
		duration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "teivault_sync_duration_seconds",
				Help:    "Wall time of non-skipped sync runs",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
		),
		replicaVersion: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "teivault_sync_replica_version",
				Help: "Replica version after the most recent sync",
			},
		),
	}
}

// ObserveRun records one sync attempt.
func (m *SyncMetrics) ObserveRun(outcome string, uploads, downloads, conflicts, fileErrors, version int, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	if outcome == SyncOutcomeSkipped {
		return
	}
	m.transfers.WithLabelValues("upload").Add(float64(uploads))
	m.transfers.WithLabelValues("download").Add(float64(downloads))
	m.conflicts.Add(float64(conflicts))
	m.fileErrors.Add(float64(fileErrors))
	m.duration.Observe(d.Seconds())
	if version > 0 {
		m.replicaVersion.Set(float64(version))
	}
}
