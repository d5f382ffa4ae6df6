package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/portal-sync/internal/domain"
	s3infra "github.com/portal-sync/internal/infrastructure/s3"
)

const maxUploadBytes = 32 << 20

// ChatStore is the chat store surface the handlers use.
type ChatStore interface {
	Rooms() []domain.ChatRoom
	Err() error
	LoadRooms(ctx context.Context) error
	CreateRoom(ctx context.Context, req domain.CreateRoomRequest) (*domain.ChatRoom, error)
	Messages(roomID domain.ID) []domain.ChatMessage
	SendMessage(ctx context.Context, roomID domain.ID, text string) (*domain.ChatMessage, error)
	SendAttachment(ctx context.Context, roomID domain.ID, filename string, body io.Reader, contentType string) (*domain.ChatMessage, error)
	MarkMessagesAsRead(ctx context.Context, roomID domain.ID, ids []domain.ID) error
}

// RoomSession opens and closes room subscriptions.
type RoomSession interface {
	OpenRoom(ctx context.Context, roomID domain.ID) error
	CloseRoom(roomID domain.ID)
}

// RoomHandler handles chat room endpoints.
type RoomHandler struct {
	chat    ChatStore
	session RoomSession
}

func NewRoomHandler(chat ChatStore, session RoomSession) *RoomHandler {
	return &RoomHandler{chat: chat, session: session}
}

func (h *RoomHandler) List(w http.ResponseWriter, _ *http.Request) {
	env := RoomsEnvelope{Data: h.chat.Rooms()}
	if err := h.chat.Err(); err != nil {
		env.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, env)
}

func (h *RoomHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.LoadRooms(r.Context()); err != nil {
		httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RoomsEnvelope{Data: h.chat.Rooms()})
}

func (h *RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	room, err := h.chat.CreateRoom(r.Context(), req)
	if err != nil {
		httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, DataEnvelope[*domain.ChatRoom]{Data: room})
}

func (h *RoomHandler) Messages(w http.ResponseWriter, r *http.Request) {
	list := h.chat.Messages(roomID(r))
	writeJSON(w, http.StatusOK, MessagesEnvelope{Data: list})
}

// Open subscribes the room and marks it active.
func (h *RoomHandler) Open(w http.ResponseWriter, r *http.Request) {
	id := roomID(r)
	if err := h.session.OpenRoom(r.Context(), id); err != nil {
		httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MessagesEnvelope{Data: h.chat.Messages(id)})
}

func (h *RoomHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.session.CloseRoom(roomID(r))
	writeJSON(w, http.StatusOK, MessageEnvelope{Message: "room closed"})
}

// Send posts a text message from a JSON body, or an attachment from a
// multipart "file" field.
func (h *RoomHandler) Send(w http.ResponseWriter, r *http.Request) {
	id := roomID(r)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		h.sendAttachment(w, r, id)
		return
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	msg, err := h.chat.SendMessage(r.Context(), id, body.Message)
	if err != nil {
		httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, DataEnvelope[*domain.ChatMessage]{Data: msg})
}

func (h *RoomHandler) sendAttachment(w http.ResponseWriter, r *http.Request, id domain.ID) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	f, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer f.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = s3infra.DetectContentType(header.Filename)
	}
	msg, err := h.chat.SendAttachment(r.Context(), id, header.Filename, f, contentType)
	if err != nil {
		httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, DataEnvelope[*domain.ChatMessage]{Data: msg})
}

func (h *RoomHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MessageIDs []domain.ID `json:"message_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body.MessageIDs) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "message_ids is required")
		return
	}
	id := roomID(r)
	if err := h.chat.MarkMessagesAsRead(r.Context(), id, body.MessageIDs); err != nil {
		httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MessagesEnvelope{Data: h.chat.Messages(id)})
}

func roomID(r *http.Request) domain.ID {
	return domain.ID(chi.URLParam(r, "id"))
}
