// Package handlers implements the REST endpoint handlers.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/teivault/teivault/pkg/catalog"
)

// Response is the standard API envelope.
type Response struct {
	Status    string      `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"status":"error","error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

func okResponse(data interface{}) Response {
	return Response{Status: "ok", Timestamp: time.Now().UTC(), Data: data}
}

func errorResponse(errMsg string) Response {
	return Response{Status: "error", Timestamp: time.Now().UTC(), Error: errMsg}
}

func healthyResponse(data interface{}) Response {
	return Response{Status: "healthy", Timestamp: time.Now().UTC(), Data: data}
}

func unhealthyResponse(errMsg string) Response {
	return Response{Status: "unhealthy", Timestamp: time.Now().UTC(), Error: errMsg}
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, catalog.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, catalog.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, catalog.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, catalog.ErrLockFailed):
		status = http.StatusLocked
	case errors.Is(err, catalog.ErrRemoteUnavailable):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, errorResponse(err.Error()))
}

// sessionFrom extracts the caller's editing session from the
// X-Session header, falling back to the session query parameter.
func sessionFrom(r *http.Request) string {
	if s := r.Header.Get("X-Session"); s != "" {
		return s
	}
	return r.URL.Query().Get("session")
}
