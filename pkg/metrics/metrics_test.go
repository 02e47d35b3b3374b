package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledCollectorsAreNoOps(t *testing.T) {
	resetRegistry()

	assert.False(t, IsEnabled())
	assert.Nil(t, NewAPIMetrics())
	assert.Nil(t, NewSyncMetrics())
	assert.Nil(t, NewStoreMetrics())

	// Nil receivers must not panic.
	var api *APIMetrics
	api.ObserveRequest(http.MethodGet, "/files", 200, time.Millisecond)
	api.RequestStarted()()
	var sm *SyncMetrics
	sm.ObserveRun(SyncOutcomeCompleted, 1, 1, 0, 0, 2, time.Second)
	var st *StoreMetrics
	st.ObserveGC(3, 1024)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIMetrics(t *testing.T) {
	resetRegistry()
	InitRegistry()

	m := NewAPIMetrics()
	require.NotNil(t, m)

	done := m.RequestStarted()
	m.ObserveRequest(http.MethodGet, "/files/{stable_id}", 200, 5*time.Millisecond)
	m.ObserveRequest(http.MethodGet, "/files/{stable_id}", 404, time.Millisecond)
	done()

	count := testutil.CollectAndCount(GetRegistry(), "teivault_http_requests_total")
	assert.Equal(t, 2, count, "one series per status code")
	assert.Equal(t, float64(0), testutil.ToFloat64(m.inFlight))
}

func TestSyncMetricsSkippedRunRecordsNoTransfers(t *testing.T) {
	resetRegistry()
	InitRegistry()

	m := NewSyncMetrics()
	require.NotNil(t, m)

	m.ObserveRun(SyncOutcomeSkipped, 0, 0, 0, 0, 4, time.Millisecond)
	m.ObserveRun(SyncOutcomeCompleted, 2, 1, 1, 0, 5, time.Second)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.runs.WithLabelValues(SyncOutcomeSkipped)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.transfers.WithLabelValues("upload")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.transfers.WithLabelValues("download")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.conflicts))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.replicaVersion))
}

func TestMetricsEndpoint(t *testing.T) {
	resetRegistry()
	InitRegistry()

	m := NewStoreMetrics()
	require.NotNil(t, m)
	m.SetFileCount("tei", 12)
	m.SetStoreBytes(1 << 20)
	m.ObserveGC(2, 4096)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "teivault_catalog_files")
	assert.Contains(t, body, "teivault_gc_reclaimed_bytes_total")
	assert.Contains(t, body, "go_goroutines")
}
