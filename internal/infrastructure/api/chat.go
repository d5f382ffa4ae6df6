package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/portal-sync/internal/domain"
)

type dataEnvelope[T any] struct {
	Data T `json:"data"`
}

func roomPath(roomID domain.ID) string {
	return "/chat/rooms/" + url.PathEscape(roomID.String())
}

// ListRooms fetches the room-summary list.
func (c *Client) ListRooms(ctx context.Context) ([]domain.ChatRoom, error) {
	var out dataEnvelope[[]domain.ChatRoom]
	if err := c.do(ctx, request{method: http.MethodGet, path: "/chat/rooms", idempotent: true, result: &out}); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return out.Data, nil
}

// CreateRoom creates a private or group room.
func (c *Client) CreateRoom(ctx context.Context, req domain.CreateRoomRequest) (*domain.ChatRoom, error) {
	var out dataEnvelope[domain.ChatRoom]
	if err := c.do(ctx, request{method: http.MethodPost, path: "/chat/rooms", body: req, result: &out}); err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	return &out.Data, nil
}

// ListMessages fetches the messages of one room, oldest first.
func (c *Client) ListMessages(ctx context.Context, roomID domain.ID) ([]domain.ChatMessage, error) {
	var out dataEnvelope[[]domain.ChatMessage]
	if err := c.do(ctx, request{method: http.MethodGet, path: roomPath(roomID) + "/messages", idempotent: true, result: &out}); err != nil {
		return nil, fmt.Errorf("list messages of room %s: %w", roomID, err)
	}
	return out.Data, nil
}

// SendMessage posts a message. It is never retried: a retry after a lost
// response could create the message twice.
func (c *Client) SendMessage(ctx context.Context, roomID domain.ID, req domain.SendMessageRequest) (*domain.ChatMessage, error) {
	var out dataEnvelope[domain.ChatMessage]
	if err := c.do(ctx, request{method: http.MethodPost, path: roomPath(roomID) + "/messages", body: req, result: &out}); err != nil {
		return nil, fmt.Errorf("send message to room %s: %w", roomID, err)
	}
	return &out.Data, nil
}

// MarkMessagesRead marks the given messages of a room read.
func (c *Client) MarkMessagesRead(ctx context.Context, roomID domain.ID, ids []domain.ID) error {
	body := struct {
		MessageIDs []domain.ID `json:"message_ids"`
	}{MessageIDs: ids}
	if err := c.do(ctx, request{method: http.MethodPost, path: roomPath(roomID) + "/messages/read", body: body, idempotent: true}); err != nil {
		return fmt.Errorf("mark messages of room %s read: %w", roomID, err)
	}
	return nil
}

// BroadcastAuth signs a private or presence topic subscription for socketID.
func (c *Client) BroadcastAuth(ctx context.Context, socketID, topic string) (*domain.ChannelAuth, error) {
	form := url.Values{"socket_id": {socketID}, "channel_name": {topic}}
	var out domain.ChannelAuth
	if err := c.do(ctx, request{method: http.MethodPost, path: "/broadcasting/auth", form: form.Encode(), idempotent: true, result: &out}); err != nil {
		return nil, fmt.Errorf("authorize topic %s: %w", topic, err)
	}
	return &out, nil
}
