package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/portal-sync/internal/domain"
)

// APIError is a non-2xx response. It unwraps to the domain sentinel that
// matches its status code.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
}

func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusNotFound:
		return domain.ErrNotFound
	case e.Status == http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case e.Status == http.StatusForbidden:
		return domain.ErrForbidden
	case e.Status == http.StatusConflict:
		return domain.ErrConflict
	case e.Status == http.StatusTooManyRequests, e.Status >= 500:
		return domain.ErrUnavailable
	default:
		return domain.ErrBadRequest
	}
}

func newAPIError(method, path string, status int, body []byte) *APIError {
	var env struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(body, &env)
	msg := env.Message
	if msg == "" {
		msg = env.Error
	}
	return &APIError{Method: method, Path: path, Status: status, Message: msg}
}
