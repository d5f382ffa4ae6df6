package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/portal-sync/internal/application/connection"
	"github.com/portal-sync/internal/application/notification"
	"github.com/portal-sync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockNotifications struct{ mock.Mock }

func (m *mockNotifications) Snapshot() notification.Snapshot {
	return m.Called().Get(0).(notification.Snapshot)
}
func (m *mockNotifications) Initialize(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
func (m *mockNotifications) MarkAsRead(ctx context.Context, id domain.ID) error {
	return m.Called(ctx, id).Error(0)
}
func (m *mockNotifications) MarkAllAsRead(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
func (m *mockNotifications) DeleteNotification(ctx context.Context, id domain.ID) error {
	return m.Called(ctx, id).Error(0)
}

type mockChat struct{ mock.Mock }

func (m *mockChat) Rooms() []domain.ChatRoom {
	return m.Called().Get(0).([]domain.ChatRoom)
}
func (m *mockChat) Err() error { return m.Called().Error(0) }
func (m *mockChat) LoadRooms(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
func (m *mockChat) CreateRoom(ctx context.Context, req domain.CreateRoomRequest) (*domain.ChatRoom, error) {
	args := m.Called(ctx, req)
	if r, _ := args.Get(0).(*domain.ChatRoom); r != nil {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockChat) Messages(roomID domain.ID) []domain.ChatMessage {
	return m.Called(roomID).Get(0).([]domain.ChatMessage)
}
func (m *mockChat) SendMessage(ctx context.Context, roomID domain.ID, text string) (*domain.ChatMessage, error) {
	args := m.Called(ctx, roomID, text)
	if msg, _ := args.Get(0).(*domain.ChatMessage); msg != nil {
		return msg, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockChat) SendAttachment(ctx context.Context, roomID domain.ID, filename string, body io.Reader, contentType string) (*domain.ChatMessage, error) {
	args := m.Called(ctx, roomID, filename, contentType)
	if msg, _ := args.Get(0).(*domain.ChatMessage); msg != nil {
		return msg, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *mockChat) MarkMessagesAsRead(ctx context.Context, roomID domain.ID, ids []domain.ID) error {
	return m.Called(ctx, roomID, ids).Error(0)
}

type mockSession struct{ mock.Mock }

func (m *mockSession) OpenRoom(ctx context.Context, roomID domain.ID) error {
	return m.Called(ctx, roomID).Error(0)
}
func (m *mockSession) CloseRoom(roomID domain.ID) { m.Called(roomID) }

type fixedStatus connection.Status

func (s fixedStatus) Status() connection.Status { return connection.Status(s) }

// --- helpers ---

// withChiID injects a chi URL param "id" into the request context.
func withChiID(r *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func jsonReq(t *testing.T, method, target string, v any) *http.Request {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	r := httptest.NewRequest(method, target, bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

// --- health ---

func TestConnection_ReportsStatus(t *testing.T) {
	since := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := NewHealthHandler(fixedStatus{Connected: false, LastError: "eof", Since: since})

	rr := httptest.NewRecorder()
	h.Connection(rr, httptest.NewRequest(http.MethodGet, "/v1/connection", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	var got connection.Status
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.False(t, got.Connected)
	assert.Equal(t, "eof", got.LastError)
}

// --- notifications ---

func TestNotifications_List(t *testing.T) {
	store := &mockNotifications{}
	store.On("Snapshot").Return(notification.Snapshot{UnreadCount: 3})
	h := NewNotificationHandler(store)

	rr := httptest.NewRecorder()
	h.List(rr, httptest.NewRequest(http.MethodGet, "/v1/notifications", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	var env NotificationsEnvelope
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&env))
	assert.Equal(t, 3, env.UnreadCount)
	assert.NotNil(t, env.Notifications)
}

func TestNotifications_MarkAsRead_MapsErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{nil, http.StatusOK},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrUnavailable, http.StatusServiceUnavailable},
		{domain.ErrForbidden, http.StatusForbidden},
	}
	for _, tc := range cases {
		store := &mockNotifications{}
		store.On("MarkAsRead", mock.Anything, domain.ID("n1")).Return(tc.err).Once()
		store.On("Snapshot").Return(notification.Snapshot{}).Maybe()
		h := NewNotificationHandler(store)

		rr := httptest.NewRecorder()
		h.MarkAsRead(rr, withChiID(httptest.NewRequest(http.MethodPost, "/v1/notifications/n1/read", nil), "n1"))

		assert.Equal(t, tc.code, rr.Code, "err=%v", tc.err)
		store.AssertExpectations(t)
	}
}

func TestNotifications_Refresh_FailureStillAnswersWithFeed(t *testing.T) {
	store := &mockNotifications{}
	store.On("Initialize", mock.Anything).Return(domain.ErrUnavailable)
	store.On("Snapshot").Return(notification.Snapshot{Err: domain.ErrUnavailable})
	h := NewNotificationHandler(store)

	rr := httptest.NewRecorder()
	h.Refresh(rr, httptest.NewRequest(http.MethodPost, "/v1/notifications/refresh", nil))

	assert.Equal(t, http.StatusBadGateway, rr.Code)
	var env NotificationsEnvelope
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&env))
	assert.Equal(t, domain.ErrUnavailable.Error(), env.Error)
	assert.Empty(t, env.Notifications)
}

// --- rooms ---

func TestRooms_Send_Text(t *testing.T) {
	chat := &mockChat{}
	chat.On("SendMessage", mock.Anything, domain.ID("42"), "Hello").
		Return(&domain.ChatMessage{ID: "501", ChatRoomID: "42", Message: "Hello"}, nil)
	h := NewRoomHandler(chat, &mockSession{})

	rr := httptest.NewRecorder()
	h.Send(rr, withChiID(jsonReq(t, http.MethodPost, "/v1/rooms/42/messages", map[string]string{"message": "Hello"}), "42"))

	assert.Equal(t, http.StatusCreated, rr.Code)
	var env DataEnvelope[domain.ChatMessage]
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&env))
	assert.Equal(t, domain.ID("501"), env.Data.ID)
}

func TestRooms_Send_ValidationError(t *testing.T) {
	chat := &mockChat{}
	chat.On("SendMessage", mock.Anything, domain.ID("42"), "").Return(nil, domain.ErrBadRequest)
	h := NewRoomHandler(chat, &mockSession{})

	rr := httptest.NewRecorder()
	h.Send(rr, withChiID(jsonReq(t, http.MethodPost, "/v1/rooms/42/messages", map[string]string{}), "42"))

	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestRooms_Send_Attachment(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "report.pdf")
	require.NoError(t, err)
	_, _ = part.Write([]byte("%PDF-1.4"))
	require.NoError(t, mw.Close())

	chat := &mockChat{}
	chat.On("SendAttachment", mock.Anything, domain.ID("42"), "report.pdf", "application/pdf").
		Return(&domain.ChatMessage{ID: "600", Type: domain.MessageFile, FilePath: "chat/42/report.pdf"}, nil)
	h := NewRoomHandler(chat, &mockSession{})

	r := httptest.NewRequest(http.MethodPost, "/v1/rooms/42/messages", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	h.Send(rr, withChiID(r, "42"))

	assert.Equal(t, http.StatusCreated, rr.Code)
	chat.AssertExpectations(t)
}

func TestRooms_OpenAndClose(t *testing.T) {
	chat := &mockChat{}
	chat.On("Messages", domain.ID("42")).Return([]domain.ChatMessage{{ID: "1"}})
	session := &mockSession{}
	session.On("OpenRoom", mock.Anything, domain.ID("42")).Return(nil)
	session.On("CloseRoom", domain.ID("42")).Return()
	h := NewRoomHandler(chat, session)

	rr := httptest.NewRecorder()
	h.Open(rr, withChiID(httptest.NewRequest(http.MethodPost, "/v1/rooms/42/open", nil), "42"))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.Close(rr, withChiID(httptest.NewRequest(http.MethodPost, "/v1/rooms/42/close", nil), "42"))
	assert.Equal(t, http.StatusOK, rr.Code)
	session.AssertExpectations(t)
}

func TestRooms_MarkRead(t *testing.T) {
	chat := &mockChat{}
	chat.On("MarkMessagesAsRead", mock.Anything, domain.ID("42"), []domain.ID{"12", "13"}).Return(nil)
	chat.On("Messages", domain.ID("42")).Return([]domain.ChatMessage{})
	h := NewRoomHandler(chat, &mockSession{})

	rr := httptest.NewRecorder()
	h.MarkRead(rr, withChiID(httptest.NewRequest(http.MethodPost, "/v1/rooms/42/messages/read",
		bytes.NewBufferString(`{"message_ids":[12,"13"]}`)), "42"))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.MarkRead(rr, withChiID(httptest.NewRequest(http.MethodPost, "/v1/rooms/42/messages/read",
		bytes.NewBufferString(`{"message_ids":[]}`)), "42"))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestRooms_Create_InvalidBody(t *testing.T) {
	h := NewRoomHandler(&mockChat{}, &mockSession{})
	rr := httptest.NewRecorder()
	h.Create(rr, httptest.NewRequest(http.MethodPost, "/v1/rooms", bytes.NewBufferString("not-json")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRooms_List_CarriesSnapshotError(t *testing.T) {
	chat := &mockChat{}
	chat.On("Rooms").Return([]domain.ChatRoom{})
	chat.On("Err").Return(domain.ErrUnavailable)
	h := NewRoomHandler(chat, &mockSession{})

	rr := httptest.NewRecorder()
	h.List(rr, httptest.NewRequest(http.MethodGet, "/v1/rooms", nil))

	var env RoomsEnvelope
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&env))
	assert.Equal(t, domain.ErrUnavailable.Error(), env.Error)
}
