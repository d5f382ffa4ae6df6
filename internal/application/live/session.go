// Package live ties push topics to the notification and chat stores for one
// signed-in user: what a screen subscribes on mount and releases on unmount.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/portal-sync/internal/application/channel"
	"github.com/portal-sync/internal/application/chat"
	"github.com/portal-sync/internal/application/notification"
	"github.com/portal-sync/internal/config"
	"github.com/portal-sync/internal/domain"
	"github.com/portal-sync/internal/pkg/log"
	"github.com/rs/zerolog"
)

// Subscriber is the part of channel.Manager the session drives.
type Subscriber interface {
	Subscribe(topic, eventName string, handler channel.Handler) channel.Disposer
	UnsubscribeAll(topic string)
}

// Forwarder relays notifications that arrive by push to an outside channel.
type Forwarder interface {
	Forward(ctx context.Context, userID domain.ID, n domain.Notification) error
}

// Session owns the subscriptions of one user. Start must be called once
// before rooms are opened.
type Session struct {
	subs   Subscriber
	notes  *notification.Store
	chat   *chat.Store
	topics config.Topics
	userID domain.ID
	log    zerolog.Logger

	forwarder      Forwarder
	forwardTimeout time.Duration

	mu      sync.Mutex
	started bool
	closed  bool
	rooms   map[domain.ID]string
}

func New(subs Subscriber, notes *notification.Store, chatStore *chat.Store, topics config.Topics, userID domain.ID) *Session {
	return &Session{
		subs:   subs,
		notes:  notes,
		chat:   chatStore,
		topics: topics,
		userID: userID,
		log:    log.Component("live").With().Str(log.FieldUserID, userID.String()).Logger(),
		rooms:  make(map[domain.ID]string),
	}
}

// NotificationTopic is the private per-user topic.
func (s *Session) NotificationTopic() string {
	return fmt.Sprintf(s.topics.Notifications, s.userID)
}

// RoomTopic is the per-room topic of roomID.
func (s *Session) RoomTopic(roomID domain.ID) string {
	return fmt.Sprintf(s.topics.Room, roomID)
}

// Start subscribes the user topic, then bootstraps both stores from REST.
// Events delivered while a snapshot request is in flight are recorded by the
// store and replayed onto the snapshot when it lands. Snapshot failures are
// returned but leave the session running.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrDisposed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	topic := s.NotificationTopic()
	s.subs.Subscribe(topic, domain.EventNotificationCreated, s.notificationHandler(topic, s.onCreated))
	s.subs.Subscribe(topic, domain.EventNotificationRead, s.notificationHandler(topic, s.notes.OnRead))
	s.subs.Subscribe(topic, domain.EventNotificationDeleted, s.notificationHandler(topic, s.notes.OnDeleted))
	s.subs.Subscribe(topic, domain.EventChatRoomUpdated, func(payload json.RawMessage) {
		var ev domain.RoomUpdatedEvent
		if err := json.Unmarshal(payload, &ev); err != nil || ev.Room.ID == "" {
			s.dropped(topic, domain.EventChatRoomUpdated, err)
			return
		}
		s.chat.OnRoomUpdated(ev.Room)
	})
	s.log.Info().Str(log.FieldTopic, topic).Msg("session started")

	return errors.Join(s.notes.Initialize(ctx), s.chat.LoadRooms(ctx))
}

// OpenRoom subscribes the room topic and enters the room. Opening a room
// that is already open only reloads it.
func (s *Session) OpenRoom(ctx context.Context, roomID domain.ID) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrDisposed
	}
	topic, open := s.rooms[roomID]
	if !open {
		topic = s.RoomTopic(roomID)
		s.rooms[roomID] = topic
	}
	s.mu.Unlock()

	if !open {
		s.subs.Subscribe(topic, domain.EventNewChatMessage, func(payload json.RawMessage) {
			msg, err := decodeMessage(payload)
			if err != nil {
				s.dropped(topic, domain.EventNewChatMessage, err)
				return
			}
			if msg.ChatRoomID == "" {
				msg.ChatRoomID = roomID
			}
			s.chat.OnMessageReceived(msg)
		})
		s.log.Debug().Str(log.FieldRoomID, roomID.String()).Msg("room opened")
	}
	return s.chat.EnterRoom(ctx, roomID)
}

// CloseRoom releases the room topic. No handler of the room runs after it
// returns.
func (s *Session) CloseRoom(roomID domain.ID) {
	s.mu.Lock()
	topic, open := s.rooms[roomID]
	delete(s.rooms, roomID)
	s.mu.Unlock()
	if !open {
		return
	}
	s.subs.UnsubscribeAll(topic)
	s.chat.LeaveRoom(roomID)
	s.log.Debug().Str(log.FieldRoomID, roomID.String()).Msg("room closed")
}

// OpenRooms lists the rooms with a live subscription.
func (s *Session) OpenRooms() []domain.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ID, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close releases every topic and disposes both stores. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	rooms := s.rooms
	s.rooms = make(map[domain.ID]string)
	s.mu.Unlock()

	for roomID, topic := range rooms {
		s.subs.UnsubscribeAll(topic)
		s.chat.LeaveRoom(roomID)
	}
	s.subs.UnsubscribeAll(s.NotificationTopic())
	s.notes.Dispose()
	s.chat.Dispose()
	s.log.Info().Msg("session closed")
}

// SetForwarder relays every notification that first appears through a push
// event. It must be called before Start.
func (s *Session) SetForwarder(f Forwarder, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s.forwarder, s.forwardTimeout = f, timeout
}

func (s *Session) onCreated(ev domain.NotificationEvent) {
	fresh := !s.notes.Contains(ev.Notification.ID)
	s.notes.OnCreated(ev)
	if !fresh || s.forwarder == nil {
		return
	}
	go func(n domain.Notification) {
		ctx, cancel := context.WithTimeout(context.Background(), s.forwardTimeout)
		defer cancel()
		if err := s.forwarder.Forward(ctx, s.userID, n); err != nil {
			s.log.Warn().Err(err).Str(log.FieldNotificationID, n.ID.String()).Msg("forward notification failed")
		}
	}(ev.Notification)
}

func (s *Session) notificationHandler(topic string, apply func(domain.NotificationEvent)) channel.Handler {
	return func(payload json.RawMessage) {
		var ev domain.NotificationEvent
		if err := json.Unmarshal(payload, &ev); err != nil || ev.Notification.ID == "" {
			s.dropped(topic, "notification", err)
			return
		}
		apply(ev)
	}
}

func (s *Session) dropped(topic, event string, err error) {
	if err == nil {
		err = errors.New("missing id")
	}
	s.log.Warn().Err(err).Str(log.FieldTopic, topic).Str(log.FieldEvent, event).Msg("malformed payload dropped")
}

// decodeMessage accepts the bare message or one wrapped as {"message": {...}}.
func decodeMessage(payload json.RawMessage) (domain.ChatMessage, error) {
	var msg domain.ChatMessage
	if err := json.Unmarshal(payload, &msg); err == nil && msg.ID != "" {
		return msg, nil
	}
	var wrapped struct {
		Message domain.ChatMessage `json:"message"`
	}
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return domain.ChatMessage{}, err
	}
	if wrapped.Message.ID == "" {
		return domain.ChatMessage{}, errors.New("message without id")
	}
	return wrapped.Message, nil
}
