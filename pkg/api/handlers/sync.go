package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/teivault/teivault/internal/logger"
	"github.com/teivault/teivault/pkg/metrics"
	"github.com/teivault/teivault/pkg/sync"
)

// backgroundSyncTimeout bounds detached sync runs started over the
// API.
const backgroundSyncTimeout = 30 * time.Minute

// SyncHandler triggers synchronization runs.
type SyncHandler struct {
	engine  *sync.Engine
	metrics *metrics.SyncMetrics
}

// NewSyncHandler creates a sync handler. A nil engine means no remote
// is configured. Metrics may be nil.
func NewSyncHandler(e *sync.Engine, m *metrics.SyncMetrics) *SyncHandler {
	return &SyncHandler{engine: e, metrics: m}
}

// syncRequest is the POST /sync payload.
type syncRequest struct {
	Force bool `json:"force"`

	// Wait makes the call synchronous and returns the summary
	// instead of a progress token.
	Wait bool `json:"wait"`
}

// Trigger handles POST /sync. The default is asynchronous: the run is
// started in the background and a progress token is returned for
// GET /progress/{token}.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("no remote replica configured"))
		return
	}

	var req syncRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body: "+err.Error()))
			return
		}
	}

	token := uuid.NewString()
	opts := sync.Options{Force: req.Force, ProgressToken: token}

	if req.Wait {
		summary, err := h.run(r.Context(), opts)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, okResponse(summary))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundSyncTimeout)
		defer cancel()
		if _, err := h.run(ctx, opts); err != nil {
			logger.Error("background sync failed", logger.Err(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, okResponse(map[string]interface{}{
		"token": token,
	}))
}

func (h *SyncHandler) run(ctx context.Context, opts sync.Options) (*sync.Summary, error) {
	start := time.Now()
	summary, err := h.engine.Perform(ctx, opts)
	if err != nil {
		h.metrics.ObserveRun(metrics.SyncOutcomeFailed, 0, 0, 0, 0, 0, time.Since(start))
		return nil, err
	}

	outcome := metrics.SyncOutcomeCompleted
	if summary.Skipped {
		outcome = metrics.SyncOutcomeSkipped
	}
	h.metrics.ObserveRun(outcome, summary.Uploads, summary.Downloads,
		summary.Conflicts, summary.Errors, summary.NewVersion, time.Since(start))
	return summary, nil
}
