package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/portal-sync/internal/application/notification"
	"github.com/portal-sync/internal/domain"
	"github.com/portal-sync/internal/pkg/log"
)

// MessageEnvelope is the generic response wrapper.
type MessageEnvelope struct {
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
}

// NotificationsEnvelope wraps the notification feed.
type NotificationsEnvelope struct {
	Notifications []domain.Notification `json:"notifications"`
	UnreadCount   int                   `json:"unread_count"`
	Loading       bool                  `json:"loading"`
	Error         string                `json:"error,omitempty"`
}

// RoomsEnvelope wraps the room list.
type RoomsEnvelope struct {
	Data  []domain.ChatRoom `json:"data"`
	Error string            `json:"error,omitempty"`
}

// MessagesEnvelope wraps the message list of one room.
type MessagesEnvelope struct {
	Data []domain.ChatMessage `json:"data"`
}

// DataEnvelope wraps a single resource.
type DataEnvelope[T any] struct {
	Data T `json:"data"`
}

func notificationsEnvelope(s notification.Snapshot) NotificationsEnvelope {
	env := NotificationsEnvelope{
		Notifications: s.Notifications,
		UnreadCount:   s.UnreadCount,
		Loading:       s.Loading,
	}
	if env.Notifications == nil {
		env.Notifications = []domain.Notification{}
	}
	if s.Err != nil {
		env.Error = s.Err.Error()
	}
	return env
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, MessageEnvelope{Error: msg, ErrorCode: status})
}

// httpError maps a domain error onto a status code.
func httpError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrBadRequest):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrUnavailable), errors.Is(err, domain.ErrTransport), errors.Is(err, domain.ErrDisposed):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		l := log.Ctx(r.Context())
		l.Error().Err(err).Msg("request failed")
	}
	writeError(w, status, err.Error())
}
