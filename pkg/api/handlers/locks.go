package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teivault/teivault/pkg/locks"
)

// LocksHandler serves the editing lock endpoints. Locks are keyed by
// stable ID so they survive content edits.
type LocksHandler struct {
	locks *locks.Manager
}

// NewLocksHandler creates a locks handler.
func NewLocksHandler(m *locks.Manager) *LocksHandler {
	return &LocksHandler{locks: m}
}

// Acquire handles POST /files/{stableID}/lock. Acquiring a lock the
// session already holds refreshes it.
func (h *LocksHandler) Acquire(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)
	if session == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("session is required"))
		return
	}

	stableID := chi.URLParam(r, "stableID")
	acquired, err := h.locks.Acquire(r.Context(), stableID, session)
	if err != nil {
		writeError(w, err)
		return
	}
	if !acquired {
		status, err := h.locks.Check(r.Context(), stableID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusConflict, errorResponse("file is locked by "+status.LockedBy))
		return
	}
	writeJSON(w, http.StatusOK, okResponse(map[string]interface{}{
		"acquired": true,
		"file_id":  stableID,
	}))
}

// Release handles DELETE /files/{stableID}/lock.
func (h *LocksHandler) Release(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)
	if session == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("session is required"))
		return
	}

	if err := h.locks.Release(r.Context(), chi.URLParam(r, "stableID"), session); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(nil))
}

// Check handles GET /files/{stableID}/lock, a non-mutating probe.
func (h *LocksHandler) Check(w http.ResponseWriter, r *http.Request) {
	status, err := h.locks.Check(r.Context(), chi.URLParam(r, "stableID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(status))
}

// Active handles GET /locks?session=, listing a session's live locks.
func (h *LocksHandler) Active(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r)
	if session == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("session is required"))
		return
	}

	active, err := h.locks.ActiveLocks(r.Context(), session)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse(map[string]interface{}{
		"count": len(active),
		"locks": active,
	}))
}
