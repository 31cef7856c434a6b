// Package health provides liveness and readiness probe HTTP handlers for the
// client: the process is live while it runs, and ready while its connection
// is open.
package health

import (
	"encoding/json"
	"net/http"

	"github.com/dskow/mqlink/internal/engine"
)

// Pre-serialized liveness response avoids json.Encoder allocation.
var livenessBody = []byte(`{"status":"ok"}` + "\n")

// StatusProvider exposes the connection status snapshot.
type StatusProvider interface {
	Status() engine.Status
}

// Handler provides /health and /ready endpoints.
type Handler struct {
	conn StatusProvider
}

// New creates a health check Handler backed by the given connection.
func New(conn StatusProvider) *Handler {
	return &Handler{conn: conn}
}

// RegisterRoutes adds health check routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody)
}

// readiness reports 200 only while the connection is open. Connecting and
// retry-wait states return 503 so orchestrators route around a client that is
// between peers.
func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	st := h.conn.Status()

	httpStatus := http.StatusServiceUnavailable
	statusStr := "not ready"
	if st.State == "open" {
		httpStatus = http.StatusOK
		statusStr = "ready"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status":     statusStr,
		"connection": st,
	})
	body = append(body, '\n')

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	w.Write(body)
}
