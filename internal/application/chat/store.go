// Package chat keeps per-room message lists and the room-summary list
// consistent across REST snapshots, push events and optimistic sends.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/portal-sync/internal/domain"
	"github.com/portal-sync/internal/pkg/id"
	"github.com/portal-sync/internal/pkg/log"
	"github.com/portal-sync/internal/pkg/merge"
	"github.com/portal-sync/internal/pkg/observe"
	"github.com/portal-sync/internal/pkg/validate"
	"github.com/rs/zerolog"
)

// API is the REST surface the store needs.
type API interface {
	ListRooms(ctx context.Context) ([]domain.ChatRoom, error)
	CreateRoom(ctx context.Context, req domain.CreateRoomRequest) (*domain.ChatRoom, error)
	ListMessages(ctx context.Context, roomID domain.ID) ([]domain.ChatMessage, error)
	SendMessage(ctx context.Context, roomID domain.ID, req domain.SendMessageRequest) (*domain.ChatMessage, error)
	MarkMessagesRead(ctx context.Context, roomID domain.ID, ids []domain.ID) error
}

// Uploader stores attachment bodies and returns the key messages refer to.
type Uploader interface {
	Upload(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// Change names what moved. RoomID is empty for room-list changes.
type Change struct {
	RoomID domain.ID
}

var (
	messageRules = merge.Rules[domain.ChatMessage]{Same: domain.SameMessage}
	roomRules    = merge.Rules[domain.ChatRoom]{
		Same:  func(a, b domain.ChatRoom) bool { return a.ID == b.ID },
		Newer: func(a, b domain.ChatRoom) bool { return true },
	}
)

// readOp is the undo record of one message being marked read. Several
// calls may cover the same message; prev is restored only once all of them
// have failed.
type readOp struct {
	prev    domain.ChatMessage
	tokens  map[uint64]bool
	lowered int
}

// roomLoad collects messages merged into a room while its snapshot is in
// flight.
type roomLoad struct {
	inflight int
	arrived  []domain.ChatMessage
}

// Store owns the chat state of the current user. Message lists are oldest
// first; the room list is projected newest-activity first by Rooms.
type Store struct {
	api      API
	uploader Uploader
	me       domain.Participant
	log      zerolog.Logger
	now      func() time.Time

	// readTimeout bounds the mark-as-read call made for messages delivered
	// into the active room.
	readTimeout time.Duration

	mu       sync.Mutex
	rooms    []domain.ChatRoom
	messages map[domain.ID][]domain.ChatMessage
	active   domain.ID
	err      error
	disposed bool
	token    uint64
	reading  map[domain.ID]*readOp
	loads    map[domain.ID]*roomLoad

	watchers observe.Set[Change]
}

// NewStore creates a chat store acting as me. uploader may be nil, in which
// case attachments are rejected.
func NewStore(api API, uploader Uploader, me domain.Participant) *Store {
	return &Store{
		api:         api,
		uploader:    uploader,
		me:          me,
		log:         log.Component("chat"),
		now:         time.Now,
		readTimeout: 15 * time.Second,
		messages:    make(map[domain.ID][]domain.ChatMessage),
		reading:     make(map[domain.ID]*readOp),
		loads:       make(map[domain.ID]*roomLoad),
	}
}

// Me returns the identity messages are sent as.
func (s *Store) Me() domain.Participant { return s.me }

// LoadRooms replaces the room list with the REST snapshot. A newer
// last_message already held locally is kept. On failure the list is emptied
// and the error kept.
func (s *Store) LoadRooms(ctx context.Context) error {
	if err := s.alive(); err != nil {
		return err
	}
	rooms, err := s.api.ListRooms(ctx)

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return domain.ErrDisposed
	}
	if err != nil {
		s.rooms = nil
		s.err = err
		s.mu.Unlock()
		s.log.Error().Err(err).Msg("room list failed")
		s.notify("")
		return fmt.Errorf("load rooms: %w", err)
	}
	next := make([]domain.ChatRoom, 0, len(rooms))
	for _, r := range rooms {
		if i := s.roomIndex(r.ID); i >= 0 {
			r.LastMessage = merge.Newest(s.rooms[i].LastMessage, r.LastMessage, domain.MessageNewer)
		}
		next, _ = merge.Upsert(next, r, merge.Append, roomRules)
	}
	s.rooms = next
	s.err = nil
	s.mu.Unlock()

	s.log.Info().Int("count", len(next)).Msg("rooms loaded")
	s.notify("")
	return nil
}

// CreateRoom validates req, creates the room and adds it to the list.
func (s *Store) CreateRoom(ctx context.Context, req domain.CreateRoomRequest) (*domain.ChatRoom, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	if err := validate.Struct(req); err != nil {
		return nil, err
	}
	room, err := s.api.CreateRoom(ctx, req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, domain.ErrDisposed
	}
	s.rooms, _ = merge.Upsert(s.rooms, *room, merge.Prepend, roomRules)
	s.mu.Unlock()

	s.log.Info().Str(log.FieldRoomID, room.ID.String()).Str("type", string(room.Type)).Msg("room created")
	s.notify("")
	return room, nil
}

// OnRoomUpdated merges a room-summary update. last_message never moves back
// in time, and the unread count of an update older than the stored summary
// is ignored.
func (s *Store) OnRoomUpdated(room domain.ChatRoom) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	if i := s.roomIndex(room.ID); i >= 0 {
		cur := s.rooms[i]
		stale := cur.LastMessage != nil && room.LastMessage != nil && domain.MessageNewer(*cur.LastMessage, *room.LastMessage)
		if room.LastMessage == nil && cur.LastMessage != nil {
			stale = true
		}
		room.LastMessage = merge.Newest(cur.LastMessage, room.LastMessage, domain.MessageNewer)
		if stale {
			room.UnreadCount = cur.UnreadCount
		}
		s.rooms[i] = room
	} else {
		s.rooms = append(s.rooms, room)
	}
	s.mu.Unlock()

	s.log.Debug().Str(log.FieldRoomID, room.ID.String()).Msg("room updated")
	s.notify("")
}

// LoadRoom replaces the message list of roomID with the REST snapshot.
// Messages merged into the room while the request was in flight, and sends
// still waiting for their response, are kept on top of it. On failure the
// list is emptied and the error kept.
func (s *Store) LoadRoom(ctx context.Context, roomID domain.ID) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return domain.ErrDisposed
	}
	ld := s.loads[roomID]
	if ld == nil {
		ld = &roomLoad{}
		s.loads[roomID] = ld
	}
	ld.inflight++
	s.mu.Unlock()

	msgs, err := s.api.ListMessages(ctx, roomID)

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return domain.ErrDisposed
	}
	ld.inflight--
	if ld.inflight == 0 {
		delete(s.loads, roomID)
	}
	if err != nil {
		s.messages[roomID] = nil
		s.err = err
		s.mu.Unlock()
		s.log.Error().Err(err).Str(log.FieldRoomID, roomID.String()).Msg("room messages failed")
		s.notify(roomID)
		return fmt.Errorf("load room %s: %w", roomID, err)
	}
	list := make([]domain.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		m.State = domain.SyncConfirmed
		list, _ = merge.Upsert(list, m, merge.Append, messageRules)
	}
	for _, m := range ld.arrived {
		list, _ = merge.Upsert(list, m, merge.Append, messageRules)
	}
	for _, m := range s.messages[roomID] {
		if m.IsTemp() {
			list, _ = merge.Upsert(list, m, merge.Append, messageRules)
		}
	}
	s.messages[roomID] = list
	s.err = nil
	if n := len(list); n > 0 {
		s.projectLast(roomID, list[n-1])
	}
	s.mu.Unlock()

	s.notify(roomID)
	return nil
}

// SendMessage appends an optimistic text message and sends it. The
// optimistic entry carries a temp id, echoed to the server as
// client_message_id so the authoritative copy can be matched whichever of
// the REST response or the push echo arrives first.
func (s *Store) SendMessage(ctx context.Context, roomID domain.ID, text string) (*domain.ChatMessage, error) {
	tempID := id.NewTemp()
	req := domain.SendMessageRequest{
		Type:            domain.MessageText,
		Message:         text,
		ClientMessageID: tempID.String(),
	}
	if err := validate.Struct(req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, domain.ErrDisposed
	}
	temp := domain.ChatMessage{
		ID:              tempID,
		ClientMessageID: tempID.String(),
		ChatRoomID:      roomID,
		User:            s.me,
		Type:            domain.MessageText,
		Message:         text,
		CreatedAt:       s.now(),
		IsRead:          true,
		State:           domain.SyncPending,
	}
	s.messages[roomID] = append(s.messages[roomID], temp)
	s.mu.Unlock()
	s.notify(roomID)

	msg, err := s.api.SendMessage(ctx, roomID, req)

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, domain.ErrDisposed
	}
	if err != nil {
		s.messages[roomID], _ = merge.RemoveFunc(s.messages[roomID], func(m domain.ChatMessage) bool { return m.ID == tempID })
		s.mu.Unlock()
		s.log.Warn().Err(err).Str(log.FieldRoomID, roomID.String()).Msg("send failed, optimistic message removed")
		s.notify(roomID)
		return nil, fmt.Errorf("send message: %w", err)
	}
	s.messages[roomID], _ = merge.RemoveFunc(s.messages[roomID], domain.ChatMessage.IsTemp)
	s.confirm(roomID, *msg)
	s.mu.Unlock()

	s.log.Debug().Str(log.FieldRoomID, roomID.String()).Str(log.FieldMessageID, msg.ID.String()).Msg("message sent")
	s.notify(roomID)
	return msg, nil
}

// SendAttachment uploads body and sends it as an image or file message. No
// optimistic entry is shown; the uploaded object is removed if the send
// fails.
func (s *Store) SendAttachment(ctx context.Context, roomID domain.ID, filename string, body io.Reader, contentType string) (*domain.ChatMessage, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	if s.uploader == nil {
		return nil, fmt.Errorf("attachments are not configured: %w", domain.ErrUnavailable)
	}
	key := fmt.Sprintf("chat/%s/%s-%s", roomID, id.New(), path.Base(filename))
	key, err := s.uploader.Upload(ctx, key, body, contentType)
	if err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}

	kind := domain.MessageFile
	if strings.HasPrefix(contentType, "image/") {
		kind = domain.MessageImage
	}
	req := domain.SendMessageRequest{Type: kind, FilePath: key, ClientMessageID: id.New()}
	msg, err := s.api.SendMessage(ctx, roomID, req)
	if err != nil {
		if derr := s.uploader.Delete(context.WithoutCancel(ctx), key); derr != nil {
			s.log.Warn().Err(derr).Str("key", key).Msg("orphaned attachment")
		}
		return nil, fmt.Errorf("send attachment: %w", err)
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, domain.ErrDisposed
	}
	s.confirm(roomID, *msg)
	s.mu.Unlock()
	s.notify(roomID)
	return msg, nil
}

// OnMessageReceived merges a new.chat.message push event. Optimistic entries
// of the room are dropped first; the message is appended only if the room
// does not already hold it. Messages from other users count as unread and
// are marked read right away when their room is open.
func (s *Store) OnMessageReceived(msg domain.ChatMessage) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	roomID := msg.ChatRoomID
	msg.State = domain.SyncConfirmed
	list, _ := merge.RemoveFunc(s.messages[roomID], domain.ChatMessage.IsTemp)
	list, res := merge.Upsert(list, msg, merge.Append, messageRules)
	s.messages[roomID] = list
	s.arrive(roomID, msg)

	foreign := msg.User.ID != s.me.ID
	autoRead := false
	if res == merge.Inserted && foreign {
		if i := s.roomIndex(roomID); i >= 0 {
			s.rooms[i].UnreadCount++
		}
		autoRead = s.active == roomID && !msg.IsRead
	}
	s.projectLast(roomID, msg)
	s.mu.Unlock()

	s.log.Debug().Str(log.FieldRoomID, roomID.String()).Str(log.FieldMessageID, msg.ID.String()).Bool("new", res == merge.Inserted).Msg("message received")
	s.notify(roomID)
	s.notify("")

	if autoRead {
		go s.readOnDelivery(roomID, msg.ID)
	}
}

// MarkMessagesAsRead flips the given messages to read and confirms with the
// server. The room's unread count drops by the number of messages actually
// flipped. On failure the flip is undone, except for messages another call
// has already confirmed or is still confirming.
func (s *Store) MarkMessagesAsRead(ctx context.Context, roomID domain.ID, ids []domain.ID) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return domain.ErrDisposed
	}
	want := make(map[domain.ID]bool, len(ids))
	send := make([]domain.ID, 0, len(ids))
	for _, mid := range ids {
		if mid.IsTemp() || want[mid] {
			continue
		}
		want[mid] = true
		send = append(send, mid)
	}
	if len(send) == 0 {
		s.mu.Unlock()
		return nil
	}

	s.token++
	token := s.token
	now := s.now()
	var tracked []domain.ID
	list := s.messages[roomID]
	for i := range list {
		m := &list[i]
		if !want[m.ID] {
			continue
		}
		op := s.reading[m.ID]
		if op == nil {
			if m.IsRead {
				continue
			}
			op = &readOp{prev: *m, tokens: make(map[uint64]bool)}
			if m.User.ID != s.me.ID {
				op.lowered = s.lowerUnread(roomID, 1)
			}
			s.reading[m.ID] = op
			m.IsRead = true
			m.ReadAt = &now
			m.State = domain.SyncPending
		}
		op.tokens[token] = true
		tracked = append(tracked, m.ID)
	}
	s.mu.Unlock()
	s.notify(roomID)

	err := s.api.MarkMessagesRead(ctx, roomID, send)

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return domain.ErrDisposed
	}
	list = s.messages[roomID]
	restored, raised := 0, 0
	for _, mid := range tracked {
		op := s.reading[mid]
		if op == nil {
			continue
		}
		i := merge.Index(list, func(m domain.ChatMessage) bool { return m.ID == mid })
		if err == nil {
			// The server has it read; other calls still covering the
			// message no longer own an undo.
			delete(s.reading, mid)
			if i >= 0 {
				list[i].State = domain.SyncConfirmed
			}
			continue
		}
		if !op.tokens[token] {
			continue
		}
		delete(op.tokens, token)
		if len(op.tokens) > 0 {
			continue
		}
		delete(s.reading, mid)
		if i >= 0 {
			list[i] = op.prev
			list[i].State = domain.SyncRolledBack
		}
		raised += op.lowered
		restored++
	}
	if raised > 0 {
		if i := s.roomIndex(roomID); i >= 0 {
			s.rooms[i].UnreadCount += raised
		}
	}
	s.mu.Unlock()
	s.notify(roomID)
	s.notify("")

	if err != nil {
		s.log.Warn().Err(err).Str(log.FieldRoomID, roomID.String()).Int("restored", restored).Msg("mark read failed, rolled back")
		return fmt.Errorf("mark messages read: %w", err)
	}
	return nil
}

// EnterRoom makes roomID the active room, loads it, and marks every unread
// message from other users read.
func (s *Store) EnterRoom(ctx context.Context, roomID domain.ID) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return domain.ErrDisposed
	}
	s.active = roomID
	s.mu.Unlock()

	if err := s.LoadRoom(ctx, roomID); err != nil {
		return err
	}

	s.mu.Lock()
	var unread []domain.ID
	for _, m := range s.messages[roomID] {
		if !m.IsRead && !m.IsTemp() && m.User.ID != s.me.ID {
			unread = append(unread, m.ID)
		}
	}
	s.mu.Unlock()

	if len(unread) == 0 {
		return nil
	}
	return s.MarkMessagesAsRead(ctx, roomID, unread)
}

// LeaveRoom clears the active room if it is roomID.
func (s *Store) LeaveRoom(roomID domain.ID) {
	s.mu.Lock()
	if s.active == roomID {
		s.active = ""
	}
	s.mu.Unlock()
}

// ActiveRoom returns the room currently open, or "".
func (s *Store) ActiveRoom() domain.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Rooms returns the room list, most recent activity first.
func (s *Store) Rooms() []domain.ChatRoom {
	s.mu.Lock()
	out := make([]domain.ChatRoom, len(s.rooms))
	copy(out, s.rooms)
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastMessage, out[j].LastMessage
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return domain.MessageNewer(*a, *b)
		}
	})
	return out
}

// Room returns one room summary.
func (s *Store) Room(roomID domain.ID) (domain.ChatRoom, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.roomIndex(roomID); i >= 0 {
		return s.rooms[i], true
	}
	return domain.ChatRoom{}, false
}

// Messages returns a copy of the message list of roomID, oldest first.
func (s *Store) Messages(roomID domain.ID) []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ChatMessage, len(s.messages[roomID]))
	copy(out, s.messages[roomID])
	return out
}

// Err returns the last snapshot error, if any.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Watch registers fn for state changes and returns its cancel func.
func (s *Store) Watch(fn func(Change)) func() {
	return s.watchers.Add(fn)
}

// Dispose detaches the store. Push events become no-ops and commands fail
// with domain.ErrDisposed.
func (s *Store) Dispose() {
	s.mu.Lock()
	s.disposed = true
	s.active = ""
	s.mu.Unlock()
	s.watchers.Clear()
}

func (s *Store) alive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return domain.ErrDisposed
	}
	return nil
}

// confirm merges an authoritative copy of one of our own sends.
func (s *Store) confirm(roomID domain.ID, msg domain.ChatMessage) {
	msg.State = domain.SyncConfirmed
	s.messages[roomID], _ = merge.Upsert(s.messages[roomID], msg, merge.Append, messageRules)
	s.arrive(roomID, msg)
	s.projectLast(roomID, msg)
}

// arrive remembers msg for a snapshot of roomID that is still in flight.
func (s *Store) arrive(roomID domain.ID, msg domain.ChatMessage) {
	if ld := s.loads[roomID]; ld != nil {
		ld.arrived = append(ld.arrived, msg)
	}
}

// projectLast moves the room's last_message forward to msg if msg is newer.
func (s *Store) projectLast(roomID domain.ID, msg domain.ChatMessage) {
	i := s.roomIndex(roomID)
	if i < 0 || msg.IsTemp() {
		return
	}
	m := msg
	s.rooms[i].LastMessage = merge.Newest(s.rooms[i].LastMessage, &m, domain.MessageNewer)
}

func (s *Store) lowerUnread(roomID domain.ID, n int) int {
	i := s.roomIndex(roomID)
	if i < 0 {
		return 0
	}
	d := min(n, s.rooms[i].UnreadCount)
	s.rooms[i].UnreadCount -= d
	return d
}

func (s *Store) readOnDelivery(roomID, msgID domain.ID) {
	ctx, cancel := context.WithTimeout(context.Background(), s.readTimeout)
	defer cancel()
	if err := s.MarkMessagesAsRead(ctx, roomID, []domain.ID{msgID}); err != nil && !errors.Is(err, domain.ErrDisposed) {
		s.log.Warn().Err(err).Str(log.FieldMessageID, msgID.String()).Msg("read on delivery failed")
	}
}

func (s *Store) roomIndex(roomID domain.ID) int {
	return merge.Index(s.rooms, func(r domain.ChatRoom) bool { return r.ID == roomID })
}

func (s *Store) notify(roomID domain.ID) {
	s.watchers.Notify(Change{RoomID: roomID})
}
