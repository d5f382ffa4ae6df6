package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/portal-sync/internal/application/notification"
	"github.com/portal-sync/internal/domain"
)

// NotificationStore is the notification store surface the handlers use.
type NotificationStore interface {
	Snapshot() notification.Snapshot
	Initialize(ctx context.Context) error
	MarkAsRead(ctx context.Context, id domain.ID) error
	MarkAllAsRead(ctx context.Context) error
	DeleteNotification(ctx context.Context, id domain.ID) error
}

// NotificationHandler handles notification endpoints.
type NotificationHandler struct {
	store NotificationStore
}

func NewNotificationHandler(store NotificationStore) *NotificationHandler {
	return &NotificationHandler{store: store}
}

func (h *NotificationHandler) List(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, notificationsEnvelope(h.store.Snapshot()))
}

// Refresh re-fetches the REST snapshot. A failed fetch still answers with
// the reset feed so the caller sees the error next to the empty state.
func (h *NotificationHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Initialize(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, notificationsEnvelope(h.store.Snapshot()))
		return
	}
	writeJSON(w, http.StatusOK, notificationsEnvelope(h.store.Snapshot()))
}

func (h *NotificationHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	if err := h.store.MarkAsRead(r.Context(), domain.ID(chi.URLParam(r, "id"))); err != nil {
		httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notificationsEnvelope(h.store.Snapshot()))
}

func (h *NotificationHandler) MarkAllAsRead(w http.ResponseWriter, r *http.Request) {
	if err := h.store.MarkAllAsRead(r.Context()); err != nil {
		httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notificationsEnvelope(h.store.Snapshot()))
}

func (h *NotificationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteNotification(r.Context(), domain.ID(chi.URLParam(r, "id"))); err != nil {
		httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notificationsEnvelope(h.store.Snapshot()))
}
