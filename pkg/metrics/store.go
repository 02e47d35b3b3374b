package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StoreMetrics instruments the catalog and blob store.
type StoreMetrics struct {
	filesByType    *prometheus.GaugeVec
	storeBytes     prometheus.Gauge
	gcRuns         prometheus.Counter
	reclaimedBlobs prometheus.Counter
	reclaimedBytes prometheus.Counter
}

// NewStoreMetrics creates the store collectors, nil when metrics are
// disabled.
func NewStoreMetrics() *StoreMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &StoreMetrics{
		filesByType: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "teivault_catalog_files",
				Help: "Live catalog entries by file type",
			},
			[]string{"file_type"},
		),
		storeBytes: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "teivault_store_bytes",
				Help: "Total size of live catalog entries in bytes",
			},
		),
		gcRuns: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "teivault_gc_runs_total",
				Help: "Garbage collection runs",
			},
		),
		reclaimedBlobs: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "teivault_gc_reclaimed_blobs_total",
				Help: "Blobs removed by garbage collection",
			},
		),
		reclaimedBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "teivault_gc_reclaimed_bytes_total",
				Help: "Bytes reclaimed by garbage collection",
			},
		),
	}
}

// SetFileCount records the live entry count for a file type.
func (m *StoreMetrics) SetFileCount(fileType string, count int64) {
	if m == nil {
		return
	}
	m.filesByType.WithLabelValues(fileType).Set(float64(count))
}

// SetStoreBytes records the total live content size.
func (m *StoreMetrics) SetStoreBytes(bytes int64) {
	if m == nil {
		return
	}
	m.storeBytes.Set(float64(bytes))
}

// ObserveGC records one garbage collection run.
func (m *StoreMetrics) ObserveGC(blobs int, bytes int64) {
	if m == nil {
		return
	}
	m.gcRuns.Inc()
	m.reclaimedBlobs.Add(float64(blobs))
	m.reclaimedBytes.Add(float64(bytes))
}
