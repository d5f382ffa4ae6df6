package live

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/portal-sync/internal/application/channel"
	"github.com/portal-sync/internal/application/chat"
	"github.com/portal-sync/internal/application/notification"
	"github.com/portal-sync/internal/config"
	"github.com/portal-sync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type nopTransport struct{}

func (nopTransport) Join(context.Context, string) error  { return nil }
func (nopTransport) Leave(context.Context, string) error { return nil }

type mockAPI struct{ mock.Mock }

func (m *mockAPI) ListNotifications(ctx context.Context) (*domain.NotificationPage, error) {
	args := m.Called(ctx)
	p, _ := args.Get(0).(*domain.NotificationPage)
	return p, args.Error(1)
}
func (m *mockAPI) MarkNotificationRead(ctx context.Context, id domain.ID) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}
func (m *mockAPI) MarkAllNotificationsRead(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}
func (m *mockAPI) DeleteNotification(ctx context.Context, id domain.ID) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}
func (m *mockAPI) ListRooms(ctx context.Context) ([]domain.ChatRoom, error) {
	args := m.Called(ctx)
	r, _ := args.Get(0).([]domain.ChatRoom)
	return r, args.Error(1)
}
func (m *mockAPI) CreateRoom(ctx context.Context, req domain.CreateRoomRequest) (*domain.ChatRoom, error) {
	args := m.Called(ctx, req)
	r, _ := args.Get(0).(*domain.ChatRoom)
	return r, args.Error(1)
}
func (m *mockAPI) ListMessages(ctx context.Context, roomID domain.ID) ([]domain.ChatMessage, error) {
	args := m.Called(ctx, roomID)
	r, _ := args.Get(0).([]domain.ChatMessage)
	return r, args.Error(1)
}
func (m *mockAPI) SendMessage(ctx context.Context, roomID domain.ID, req domain.SendMessageRequest) (*domain.ChatMessage, error) {
	args := m.Called(ctx, roomID, req)
	r, _ := args.Get(0).(*domain.ChatMessage)
	return r, args.Error(1)
}
func (m *mockAPI) MarkMessagesRead(ctx context.Context, roomID domain.ID, ids []domain.ID) error {
	return m.Called(ctx, roomID, ids).Error(0)
}

type forwarded struct {
	userID domain.ID
	id     domain.ID
}

type chanForwarder chan forwarded

func (c chanForwarder) Forward(_ context.Context, userID domain.ID, n domain.Notification) error {
	c <- forwarded{userID, n.ID}
	return nil
}

// --- helpers ---

var topics = config.Topics{Notifications: "private-notifications.%s", Room: "presence-chat.room.%s"}

type fixture struct {
	api     *mockAPI
	manager *channel.Manager
	notes   *notification.Store
	chat    *chat.Store
	session *Session
}

func started(t *testing.T, setup ...func(*Session)) *fixture {
	t.Helper()
	api := &mockAPI{}
	api.On("ListNotifications", mock.Anything).Return(&domain.NotificationPage{UnreadCount: 0}, nil).Once()
	api.On("ListRooms", mock.Anything).Return([]domain.ChatRoom{{ID: "42", Type: domain.RoomGroup, Name: "Ops"}}, nil).Once()

	f := &fixture{api: api, manager: channel.NewManager(nopTransport{}, time.Second)}
	f.notes = notification.NewStore(api)
	f.chat = chat.NewStore(api, nil, domain.Participant{ID: "7", Name: "Me"})
	f.session = New(f.manager, f.notes, f.chat, topics, "7")
	for _, fn := range setup {
		fn(f.session)
	}
	require.NoError(t, f.session.Start(context.Background()))
	return f
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// --- tests ---

func TestStart_RoutesNotificationEvents(t *testing.T) {
	f := started(t)
	topic := f.session.NotificationTopic()
	assert.Equal(t, "private-notifications.7", topic)

	payload := json.RawMessage(`{"notification":{"id":11,"type":"task.assigned","data":{"message":"New task","task_id":5},"created_at":"2026-03-01T09:00:00Z","read_at":null},"unread_count":4}`)
	f.manager.Dispatch(topic, domain.EventNotificationCreated, payload)
	f.manager.Dispatch(topic, domain.EventNotificationCreated, payload)

	snap := f.notes.Snapshot()
	require.Len(t, snap.Notifications, 1)
	assert.Equal(t, domain.ID("11"), snap.Notifications[0].ID)
	assert.Equal(t, "New task", snap.Notifications[0].Message())
	assert.Equal(t, 4, snap.UnreadCount)

	f.manager.Dispatch(topic, domain.EventNotificationDeleted, json.RawMessage(`{"notification":{"id":99}}`))
	assert.Len(t, f.notes.Snapshot().Notifications, 1)
}

func TestStart_DropsMalformedPayloads(t *testing.T) {
	f := started(t)
	topic := f.session.NotificationTopic()

	assert.NotPanics(t, func() {
		f.manager.Dispatch(topic, domain.EventNotificationCreated, json.RawMessage(`not json`))
		f.manager.Dispatch(topic, domain.EventNotificationRead, json.RawMessage(`{}`))
		f.manager.Dispatch(topic, domain.EventChatRoomUpdated, json.RawMessage(`[]`))
	})
	assert.Empty(t, f.notes.Snapshot().Notifications)
}

func TestStart_RoutesRoomUpdates(t *testing.T) {
	f := started(t)
	last := domain.ChatMessage{ID: "900", ChatRoomID: "42", Message: "hi", CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	f.manager.Dispatch(f.session.NotificationTopic(), domain.EventChatRoomUpdated,
		raw(t, domain.RoomUpdatedEvent{Room: domain.ChatRoom{ID: "42", Type: domain.RoomGroup, Name: "Ops", LastMessage: &last, UnreadCount: 2}}))

	room, ok := f.chat.Room("42")
	require.True(t, ok)
	assert.Equal(t, 2, room.UnreadCount)
	assert.Equal(t, domain.ID("900"), room.LastMessage.ID)
}

func TestOpenRoom_DeliversMessagesUntilClosed(t *testing.T) {
	f := started(t)
	f.api.On("ListMessages", mock.Anything, domain.ID("42")).Return([]domain.ChatMessage{}, nil)
	f.api.On("MarkMessagesRead", mock.Anything, domain.ID("42"), mock.Anything).Return(nil)

	require.NoError(t, f.session.OpenRoom(context.Background(), "42"))
	require.NoError(t, f.session.OpenRoom(context.Background(), "42"))
	topic := f.session.RoomTopic("42")
	assert.Equal(t, 1, f.manager.HandlerCount(topic))
	assert.Equal(t, []domain.ID{"42"}, f.session.OpenRooms())

	f.manager.Dispatch(topic, domain.EventNewChatMessage,
		json.RawMessage(`{"id":501,"user":{"id":7,"name":"Me"},"type":"text","message":"Hello","created_at":"2026-03-01T09:00:00Z"}`))
	f.manager.Dispatch(topic, domain.EventNewChatMessage,
		json.RawMessage(`{"message":{"id":502,"chat_room_id":42,"user":{"id":7,"name":"Me"},"type":"text","message":"Again","created_at":"2026-03-01T09:01:00Z"}}`))

	list := f.chat.Messages("42")
	require.Len(t, list, 2)
	assert.Equal(t, domain.ID("42"), list[0].ChatRoomID)

	f.session.CloseRoom("42")
	f.session.CloseRoom("42")
	f.manager.Dispatch(topic, domain.EventNewChatMessage,
		json.RawMessage(`{"id":503,"chat_room_id":42,"user":{"id":7},"type":"text","message":"late","created_at":"2026-03-01T09:02:00Z"}`))

	assert.Len(t, f.chat.Messages("42"), 2)
	assert.Empty(t, f.session.OpenRooms())
	assert.Empty(t, f.chat.ActiveRoom())
}

func TestClose_ReleasesEverything(t *testing.T) {
	f := started(t)
	f.api.On("ListMessages", mock.Anything, domain.ID("42")).Return([]domain.ChatMessage{}, nil)
	require.NoError(t, f.session.OpenRoom(context.Background(), "42"))

	f.session.Close()
	f.session.Close()

	assert.Empty(t, f.manager.Topics())
	assert.ErrorIs(t, f.session.OpenRoom(context.Background(), "42"), domain.ErrDisposed)
	assert.ErrorIs(t, f.notes.MarkAllAsRead(context.Background()), domain.ErrDisposed)
}

func TestForwarder_RelaysOnlyFreshNotifications(t *testing.T) {
	out := make(chanForwarder, 4)
	f := started(t, func(s *Session) { s.SetForwarder(out, time.Second) })
	topic := f.session.NotificationTopic()
	payload := json.RawMessage(`{"notification":{"id":"n1","type":"daily.reminder","data":{"message":"Report due"},"created_at":"2026-03-01T09:00:00Z"}}`)

	f.manager.Dispatch(topic, domain.EventNotificationCreated, payload)
	f.manager.Dispatch(topic, domain.EventNotificationCreated, payload)

	select {
	case got := <-out:
		assert.Equal(t, forwarded{"7", "n1"}, got)
	case <-time.After(time.Second):
		t.Fatal("notification not forwarded")
	}
	select {
	case got := <-out:
		t.Fatalf("duplicate forwarded: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}
