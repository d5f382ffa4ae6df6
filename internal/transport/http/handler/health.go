package handler

import (
	"net/http"

	"github.com/portal-sync/internal/application/connection"
)

// ConnectionStatus reports the push connection state.
type ConnectionStatus interface {
	Status() connection.Status
}

// HealthHandler handles health and connection endpoints.
type HealthHandler struct {
	conn ConnectionStatus
}

func NewHealthHandler(conn ConnectionStatus) *HealthHandler { return &HealthHandler{conn: conn} }

func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, MessageEnvelope{Message: "ok"})
}

// Connection reports whether pushed events are currently flowing. The UI
// shows a reconnecting hint when it is false.
func (h *HealthHandler) Connection(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.conn.Status())
}
