package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/portal-sync/internal/domain"
)

type notificationListResponse struct {
	Notifications struct {
		Data []domain.Notification `json:"data"`
	} `json:"notifications"`
	UnreadCount int `json:"unread_count"`
}

type unreadCountResponse struct {
	UnreadCount int `json:"unread_count"`
}

// ListNotifications fetches the notification snapshot.
func (c *Client) ListNotifications(ctx context.Context) (*domain.NotificationPage, error) {
	var out notificationListResponse
	err := c.do(ctx, request{method: http.MethodGet, path: "/notifications", idempotent: true, result: &out})
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return &domain.NotificationPage{Notifications: out.Notifications.Data, UnreadCount: out.UnreadCount}, nil
}

// MarkNotificationRead marks one notification read and returns the server's unread count.
func (c *Client) MarkNotificationRead(ctx context.Context, id domain.ID) (int, error) {
	var out unreadCountResponse
	path := "/notifications/" + url.PathEscape(id.String()) + "/read"
	if err := c.do(ctx, request{method: http.MethodPost, path: path, idempotent: true, result: &out}); err != nil {
		return 0, fmt.Errorf("mark notification %s read: %w", id, err)
	}
	return out.UnreadCount, nil
}

// MarkAllNotificationsRead marks every notification read and returns the server's unread count.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) (int, error) {
	var out unreadCountResponse
	if err := c.do(ctx, request{method: http.MethodPost, path: "/notifications/read-all", idempotent: true, result: &out}); err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return out.UnreadCount, nil
}

// DeleteNotification deletes one notification and returns the server's unread count.
func (c *Client) DeleteNotification(ctx context.Context, id domain.ID) (int, error) {
	var out unreadCountResponse
	path := "/notifications/" + url.PathEscape(id.String())
	if err := c.do(ctx, request{method: http.MethodDelete, path: path, idempotent: true, result: &out}); err != nil {
		return 0, fmt.Errorf("delete notification %s: %w", id, err)
	}
	return out.UnreadCount, nil
}
