package domain

import "time"

type RoomType string

const (
	RoomPrivate RoomType = "private"
	RoomGroup   RoomType = "group"
)

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// Participant is the display identity of a chat member.
type Participant struct {
	ID     ID     `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// ChatRoom is the room-summary projection shown in the room list.
// LastMessage only ever moves forward in time.
type ChatRoom struct {
	ID               ID           `json:"id"`
	Type             RoomType     `json:"type"`
	Name             string       `json:"name,omitempty"`
	OtherParticipant *Participant `json:"other_participant,omitempty"`
	LastMessage      *ChatMessage `json:"last_message"`
	UnreadCount      int          `json:"unread_count"`
}

// DisplayName returns the group name or, for private rooms, the other member.
func (r ChatRoom) DisplayName() string {
	if r.Type == RoomPrivate && r.OtherParticipant != nil {
		return r.OtherParticipant.Name
	}
	return r.Name
}

// ChatMessage is one message of a room. While unconfirmed its ID is a temp id
// and ClientMessageID carries the same value to the server.
type ChatMessage struct {
	ID              ID          `json:"id"`
	ClientMessageID string      `json:"client_message_id,omitempty"`
	ChatRoomID      ID          `json:"chat_room_id"`
	User            Participant `json:"user"`
	Type            MessageType `json:"type"`
	Message         string      `json:"message,omitempty"`
	FilePath        string      `json:"file_path,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	IsRead          bool        `json:"is_read"`
	ReadAt          *time.Time  `json:"read_at,omitempty"`
	State           SyncState   `json:"sync_state"`
}

// IsTemp reports whether the message is an unconfirmed optimistic entry.
func (m ChatMessage) IsTemp() bool { return m.ID.IsTemp() }

// SameMessage reports whether a and b represent the same logical message,
// either by server id or by an echoed correlation id.
func SameMessage(a, b ChatMessage) bool {
	if a.ID != "" && a.ID == b.ID {
		return true
	}
	return a.ClientMessageID != "" && a.ClientMessageID == b.ClientMessageID
}

// MessageNewer orders messages by creation time.
func MessageNewer(a, b ChatMessage) bool { return a.CreatedAt.After(b.CreatedAt) }

// CreateRoomRequest is the body of the create-room command.
type CreateRoomRequest struct {
	Type           RoomType `json:"type" validate:"required,oneof=private group"`
	Name           string   `json:"name,omitempty" validate:"required_if=Type group,max=255"`
	ParticipantIDs []ID     `json:"participant_ids" validate:"required,min=1"`
}

// SendMessageRequest is the body of the send-message command.
type SendMessageRequest struct {
	Type            MessageType `json:"type" validate:"required,oneof=text image file"`
	Message         string      `json:"message,omitempty" validate:"required_if=Type text,max=5000"`
	FilePath        string      `json:"file_path,omitempty" validate:"required_unless=Type text"`
	ClientMessageID string      `json:"client_message_id,omitempty"`
}

// RoomUpdatedEvent is the payload of chat.room.updated push events.
type RoomUpdatedEvent struct {
	Room ChatRoom `json:"room"`
}

// ChannelAuth is the signature returned by the broadcasting auth endpoint for
// private and presence topics.
type ChannelAuth struct {
	Auth        string `json:"auth"`
	ChannelData string `json:"channel_data,omitempty"`
}
