package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/portal-sync/internal/pkg/log"
)

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// writeJSONError writes a JSON error body and logs the rejection on the
// request logger. The request id set by the logging middleware is echoed.
func writeJSONError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	l := log.Ctx(r.Context())
	l.Debug().Int(log.FieldStatus, status).Str("reason", msg).Msg("request rejected")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg, RequestID: w.Header().Get("X-Request-ID")})
}
