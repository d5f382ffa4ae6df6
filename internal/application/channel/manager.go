// Package channel multiplexes event handlers over the topics of one shared
// push transport.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/portal-sync/internal/pkg/log"
	"github.com/rs/zerolog"
)

// Handler receives the payload of one event.
type Handler func(payload json.RawMessage)

// Disposer removes the subscription it was returned for. Calling it more
// than once is a no-op.
type Disposer func()

// Transport is the topic-level surface of a push connection.
type Transport interface {
	Join(ctx context.Context, topic string) error
	Leave(ctx context.Context, topic string) error
}

type binding struct {
	event   string
	handler Handler
}

// Manager owns every (topic, event) -> handler binding. A topic is joined on
// the transport while it has at least one handler and the transport is
// connected; joins requested while disconnected are completed on the next
// connect.
type Manager struct {
	transport Transport
	timeout   time.Duration
	log       zerolog.Logger

	// opMu serializes transport calls so join/leave of one topic never
	// interleave. It is never held together with mu while calling handlers.
	opMu sync.Mutex

	mu        sync.Mutex
	topics    map[string]map[uint64]binding
	joined    map[string]bool
	connected bool
	nextID    uint64
}

// NewManager creates a manager over transport. timeout bounds each join or
// leave call.
func NewManager(transport Transport, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Manager{
		transport: transport,
		timeout:   timeout,
		log:       log.Component("channel"),
		topics:    make(map[string]map[uint64]binding),
		joined:    make(map[string]bool),
	}
}

// Subscribe registers handler for eventName on topic and returns its
// disposer. The first handler on a topic joins it, or queues the join until
// the transport connects.
func (m *Manager) Subscribe(topic, eventName string, handler Handler) Disposer {
	m.mu.Lock()
	bindings, ok := m.topics[topic]
	if !ok {
		bindings = make(map[uint64]binding)
		m.topics[topic] = bindings
	}
	m.nextID++
	id := m.nextID
	bindings[id] = binding{event: eventName, handler: handler}
	m.mu.Unlock()

	m.log.Debug().Str(log.FieldTopic, topic).Str(log.FieldEvent, eventName).Msg("subscribed")
	m.reconcile(topic)

	var once sync.Once
	return func() {
		once.Do(func() { m.remove(topic, id) })
	}
}

// UnsubscribeAll removes every handler of topic and leaves it. Handlers are
// detached before UnsubscribeAll returns; unknown topics are a no-op.
func (m *Manager) UnsubscribeAll(topic string) {
	m.mu.Lock()
	_, known := m.topics[topic]
	delete(m.topics, topic)
	m.mu.Unlock()
	if !known {
		return
	}
	m.log.Debug().Str(log.FieldTopic, topic).Msg("unsubscribed all")
	m.reconcile(topic)
}

// Close releases every topic.
func (m *Manager) Close() {
	for _, topic := range m.Topics() {
		m.UnsubscribeAll(topic)
	}
}

// Topics returns the topics that currently have handlers, sorted.
func (m *Manager) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.topics))
	for topic := range m.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// HandlerCount returns the number of handlers registered on topic.
func (m *Manager) HandlerCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics[topic])
}

// Dispatch delivers an inbound event to the handlers bound to it, in
// subscription order. Events for unknown topics or events are dropped.
// A panicking handler is logged and does not affect the others.
func (m *Manager) Dispatch(topic, eventName string, payload json.RawMessage) {
	m.mu.Lock()
	bindings := m.topics[topic]
	ids := make([]uint64, 0, len(bindings))
	for id, b := range bindings {
		if b.event == eventName {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, bindings[id].handler)
	}
	m.mu.Unlock()

	for _, h := range handlers {
		m.invoke(topic, eventName, h, payload)
	}
}

func (m *Manager) invoke(topic, eventName string, h Handler, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Str(log.FieldTopic, topic).Str(log.FieldEvent, eventName).Interface("panic", r).Msg("handler panicked")
		}
	}()
	h(payload)
}

// OnConnect completes every queued join. Joins run on their own goroutine so
// the transport's read loop is never blocked.
func (m *Manager) OnConnect() {
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	go m.reconcileAll()
}

// OnDisconnect forgets every join: a new transport session starts with no
// subscriptions, so every live topic is re-joined on reconnect.
func (m *Manager) OnDisconnect() {
	m.mu.Lock()
	m.connected = false
	m.joined = make(map[string]bool)
	m.mu.Unlock()
}

// OnError is part of the transport signal set; errors do not change joins.
func (m *Manager) OnError(error) {}

func (m *Manager) remove(topic string, id uint64) {
	m.mu.Lock()
	if bindings, ok := m.topics[topic]; ok {
		delete(bindings, id)
		if len(bindings) == 0 {
			delete(m.topics, topic)
		}
	}
	m.mu.Unlock()
	m.reconcile(topic)
}

func (m *Manager) reconcileAll() {
	m.mu.Lock()
	topics := make([]string, 0, len(m.topics)+len(m.joined))
	for topic := range m.topics {
		topics = append(topics, topic)
	}
	for topic := range m.joined {
		if _, ok := m.topics[topic]; !ok {
			topics = append(topics, topic)
		}
	}
	m.mu.Unlock()
	sort.Strings(topics)
	for _, topic := range topics {
		m.reconcile(topic)
	}
}

// reconcile brings the transport state of topic in line with its handlers.
func (m *Manager) reconcile(topic string) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	want := len(m.topics[topic]) > 0
	joined := m.joined[topic]
	connected := m.connected
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	switch {
	case want && !joined && connected:
		if err := m.transport.Join(ctx, topic); err != nil {
			// Stays queued; the next connect retries it.
			m.log.Warn().Err(err).Str(log.FieldTopic, topic).Msg("join failed")
			return
		}
		m.setJoined(topic, true)
		m.log.Info().Str(log.FieldTopic, topic).Msg("joined")
	case !want && joined:
		m.setJoined(topic, false)
		if err := m.transport.Leave(ctx, topic); err != nil {
			m.log.Warn().Err(err).Str(log.FieldTopic, topic).Msg("leave failed")
			return
		}
		m.log.Info().Str(log.FieldTopic, topic).Msg("left")
	}
}

func (m *Manager) setJoined(topic string, joined bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if joined {
		m.joined[topic] = true
	} else {
		delete(m.joined, topic)
	}
}

// String describes the manager state for logs.
func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("channel.Manager{topics:%d joined:%d connected:%t}", len(m.topics), len(m.joined), m.connected)
}
