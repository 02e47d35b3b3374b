package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/teivault/teivault/pkg/catalog"
	"github.com/teivault/teivault/pkg/gc"
	"github.com/teivault/teivault/pkg/metrics"
)

// GCHandler triggers garbage collection.
type GCHandler struct {
	collector      *gc.Collector
	schemaCacheDir string
	tmpDir         string
	metrics        *metrics.StoreMetrics
}

// NewGCHandler creates a GC handler. Metrics may be nil.
func NewGCHandler(c *gc.Collector, schemaCacheDir, tmpDir string, m *metrics.StoreMetrics) *GCHandler {
	return &GCHandler{collector: c, schemaCacheDir: schemaCacheDir, tmpDir: tmpDir, metrics: m}
}

// gcRequest is the POST /gc payload. CutoffHours selects soft-deleted
// rows older than that many hours; API callers are never admins, so
// the collector clamps cutoffs younger than 24 hours.
type gcRequest struct {
	CutoffHours int      `json:"cutoff_hours"`
	Statuses    []string `json:"statuses,omitempty"`
	DryRun      bool     `json:"dry_run"`
}

// Trigger handles POST /gc.
func (h *GCHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req gcRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error()))
			return
		}
	}
	if req.CutoffHours <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse("cutoff_hours must be positive"))
		return
	}

	statuses := make([]catalog.SyncStatus, 0, len(req.Statuses))
	for _, s := range req.Statuses {
		statuses = append(statuses, catalog.SyncStatus(s))
	}

	stats, err := h.collector.Run(r.Context(), gc.Options{
		Cutoff:         time.Now().Add(-time.Duration(req.CutoffHours) * time.Hour),
		Statuses:       statuses,
		DryRun:         req.DryRun,
		SchemaCacheDir: h.schemaCacheDir,
		TmpDir:         h.tmpDir,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if !req.DryRun {
		h.metrics.ObserveGC(stats.OrphanBlobsDeleted, stats.OrphanBytesFreed)
	}
	writeJSON(w, http.StatusOK, okResponse(stats))
}
