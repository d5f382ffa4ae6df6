package domain

import (
	"encoding/json"
	"time"
)

// Notification is one entry of the user's notification feed. ReadAt == nil
// means unread. Data is decoded according to Type.
type Notification struct {
	ID        ID               `json:"id"`
	Type      string           `json:"type"`
	Data      NotificationData `json:"data"`
	CreatedAt time.Time        `json:"created_at"`
	ReadAt    *time.Time       `json:"read_at"`
	State     SyncState        `json:"sync_state"`
}

// IsUnread reports whether the notification has not been read yet.
func (n Notification) IsUnread() bool { return n.ReadAt == nil }

// Message returns the display text carried by the payload, if any.
func (n Notification) Message() string {
	if n.Data == nil {
		return ""
	}
	return n.Data.Text()
}

// UnmarshalJSON decodes the record and turns the raw data bag into the
// variant registered for its type.
func (n *Notification) UnmarshalJSON(b []byte) error {
	type alias Notification
	var raw struct {
		alias
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*n = Notification(raw.alias)
	n.Data = DecodeNotificationData(n.Type, raw.Data)
	return nil
}

// NotificationPage is the REST snapshot of the feed. UnreadCount is the
// server's count and may include records outside Notifications.
type NotificationPage struct {
	Notifications []Notification
	UnreadCount   int
}

// NotificationEvent is the payload of notification.created, notification.read
// and notification.deleted push events. UnreadCount is nil when the event does
// not carry a server count.
type NotificationEvent struct {
	Notification Notification `json:"notification"`
	UnreadCount  *int         `json:"unread_count"`
}
