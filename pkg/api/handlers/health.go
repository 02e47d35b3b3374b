package handlers

import (
	"net/http"
	"time"

	"github.com/teivault/teivault/pkg/vault"
)

// HealthHandler serves the liveness and readiness probes plus the
// aggregate stats endpoint.
type HealthHandler struct {
	vault     *vault.Vault
	startTime time.Time
}

// NewHealthHandler creates a health handler. A nil vault makes the
// readiness probe report unhealthy while liveness still succeeds.
func NewHealthHandler(v *vault.Vault) *HealthHandler {
	return &HealthHandler{vault: v, startTime: time.Now()}
}

// Liveness handles GET /health. Succeeds whenever the process serves
// HTTP.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)
	writeJSON(w, http.StatusOK, healthyResponse(map[string]interface{}{
		"service":    "teivault",
		"started_at": h.startTime.UTC().Format(time.RFC3339),
		"uptime":     uptime.Round(time.Second).String(),
		"uptime_sec": int64(uptime.Seconds()),
	}))
}

// Readiness handles GET /health/ready. Probes the catalog and lock
// databases through a stats query.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.vault == nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("vault not initialized"))
		return
	}

	s, err := h.vault.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, healthyResponse(map[string]interface{}{
		"entries":      s.Entries,
		"active_locks": s.ActiveLocks,
	}))
}

// Stats handles GET /stats with the full aggregate counters.
func (h *HealthHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.vault == nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("vault not initialized"))
		return
	}

	s, err := h.vault.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(s))
}
