package domain

import (
	"encoding/json"
	"sync"
)

// Notification types emitted by the portal backend.
const (
	NotificationTaskAssigned      = "task.assigned"
	NotificationTaskStatusChanged = "task.status_changed"
	NotificationTaskCommented     = "task.commented"
	NotificationLeadAssigned      = "lead.assigned"
	NotificationDailyReminder     = "daily.reminder"
	NotificationUserRegistered    = "user.registered"
)

// NotificationData is the typed payload of a notification. Every variant can
// render a display message, so types added on the server stay displayable
// through UnknownNotification.
type NotificationData interface {
	Kind() string
	Text() string
}

// TaskNotification covers task assignment, status and comment events.
type TaskNotification struct {
	Type      string `json:"-"`
	Message   string `json:"message"`
	TaskID    ID     `json:"task_id"`
	TaskTitle string `json:"task_title,omitempty"`
	Status    string `json:"status,omitempty"`
	ActorName string `json:"actor_name,omitempty"`
	URL       string `json:"url,omitempty"`
}

func (d TaskNotification) Kind() string { return d.Type }
func (d TaskNotification) Text() string { return d.Message }

// LeadNotification announces a lead assignment.
type LeadNotification struct {
	Message  string `json:"message"`
	LeadID   ID     `json:"lead_id"`
	LeadName string `json:"lead_name,omitempty"`
	URL      string `json:"url,omitempty"`
}

func (d LeadNotification) Kind() string { return NotificationLeadAssigned }
func (d LeadNotification) Text() string { return d.Message }

// DailyNotification reminds the user to submit a daily report.
type DailyNotification struct {
	Message string `json:"message"`
	Date    string `json:"date,omitempty"`
	URL     string `json:"url,omitempty"`
}

func (d DailyNotification) Kind() string { return NotificationDailyReminder }
func (d DailyNotification) Text() string { return d.Message }

// RegistrationNotification tells administrators about a new account.
type RegistrationNotification struct {
	Message  string `json:"message"`
	UserID   ID     `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	Email    string `json:"email,omitempty"`
}

func (d RegistrationNotification) Kind() string { return NotificationUserRegistered }
func (d RegistrationNotification) Text() string { return d.Message }

// UnknownNotification keeps the raw payload of a type this client does not
// know, or of a known type whose payload failed to decode.
type UnknownNotification struct {
	Type    string
	Raw     json.RawMessage
	Message string
}

func (d UnknownNotification) Kind() string { return d.Type }
func (d UnknownNotification) Text() string { return d.Message }

// MarshalJSON writes the payload back exactly as received.
func (d UnknownNotification) MarshalJSON() ([]byte, error) {
	if len(d.Raw) == 0 {
		return []byte("null"), nil
	}
	return d.Raw, nil
}

// DataDecoder turns the raw data bag of one notification type into a variant.
type DataDecoder func(typ string, raw json.RawMessage) (NotificationData, error)

var (
	decodersMu sync.RWMutex
	decoders   = map[string]DataDecoder{
		NotificationTaskAssigned:      decodeTask,
		NotificationTaskStatusChanged: decodeTask,
		NotificationTaskCommented:     decodeTask,
		NotificationLeadAssigned:      decodeInto[LeadNotification],
		NotificationDailyReminder:     decodeInto[DailyNotification],
		NotificationUserRegistered:    decodeInto[RegistrationNotification],
	}
)

// RegisterNotificationType installs a decoder for typ, replacing any existing one.
func RegisterNotificationType(typ string, dec DataDecoder) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	decoders[typ] = dec
}

// DecodeNotificationData never fails: unknown types and malformed payloads
// fall back to UnknownNotification.
func DecodeNotificationData(typ string, raw json.RawMessage) NotificationData {
	decodersMu.RLock()
	dec, ok := decoders[typ]
	decodersMu.RUnlock()
	if ok && len(raw) > 0 && string(raw) != "null" {
		if d, err := dec(typ, raw); err == nil {
			return d
		}
	}
	return unknown(typ, raw)
}

func decodeTask(typ string, raw json.RawMessage) (NotificationData, error) {
	var d TaskNotification
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	d.Type = typ
	return d, nil
}

func decodeInto[T NotificationData](_ string, raw json.RawMessage) (NotificationData, error) {
	var d T
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return d, nil
}

func unknown(typ string, raw json.RawMessage) UnknownNotification {
	u := UnknownNotification{Type: typ, Raw: raw}
	var peek struct {
		Message string `json:"message"`
		Title   string `json:"title"`
	}
	if json.Unmarshal(raw, &peek) == nil {
		u.Message = peek.Message
		if u.Message == "" {
			u.Message = peek.Title
		}
	}
	return u
}
