package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teivault/teivault/pkg/progress"
)

// ProgressHandler streams progress events over Server-Sent Events.
type ProgressHandler struct {
	bus *progress.Bus
}

// NewProgressHandler creates a progress handler.
func NewProgressHandler(bus *progress.Bus) *ProgressHandler {
	return &ProgressHandler{bus: bus}
}

// Stream handles GET /progress/{token}. Events are emitted as SSE
// until the operation publishes its terminal "done" event or the
// client disconnects.
func (h *ProgressHandler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse("streaming unsupported"))
		return
	}

	token := chi.URLParam(r, "token")
	events, cancel := h.bus.Subscribe(token)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
			if ev.Stage == "done" {
				return
			}
		}
	}
}
