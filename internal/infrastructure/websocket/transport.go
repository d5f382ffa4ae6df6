// Package websocket implements the push transport over a Pusher-protocol
// websocket (Laravel Reverb, Soketi, Pusher Channels).
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/portal-sync/internal/domain"
	"github.com/portal-sync/internal/pkg/log"
	"github.com/rs/zerolog"
)

const (
	eventConnectionEstablished = "pusher:connection_established"
	eventSubscribe             = "pusher:subscribe"
	eventUnsubscribe           = "pusher:unsubscribe"
	eventPing                  = "pusher:ping"
	eventPong                  = "pusher:pong"
	eventError                 = "pusher:error"
	eventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
)

// Authorizer signs subscriptions to private- and presence- topics.
type Authorizer interface {
	BroadcastAuth(ctx context.Context, socketID, topic string) (*domain.ChannelAuth, error)
}

// Signals receives connection-level transitions.
type Signals interface {
	OnConnect()
	OnDisconnect()
	OnError(err error)
}

// EventFunc receives every application event delivered on a joined topic.
type EventFunc func(topic, event string, payload json.RawMessage)

// Options configures a Transport.
type Options struct {
	URL          string
	Header       http.Header
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	ReconnectMax time.Duration
	Authorizer   Authorizer
	Signals      Signals
	OnEvent      EventFunc
	Dialer       *websocket.Dialer
}

// Transport is one shared websocket connection. Run owns the connection
// lifecycle; Join and Leave may be called from any goroutine.
type Transport struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	socketID string

	writeMu sync.Mutex
}

type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// New creates a transport. Nothing is dialed until Run is called.
func New(opts Options) *Transport {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 2 * opts.PingInterval
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	return &Transport{opts: opts, log: log.Component("websocket")}
}

// Run keeps a connection open until ctx is cancelled, redialing with
// exponential backoff after every failure.
func (t *Transport) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = t.opts.ReconnectMax
	b.MaxElapsedTime = 0

	for {
		established, err := t.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			t.signalError(err)
		}
		if established {
			b.Reset()
		}
		wait := b.NextBackOff()
		t.log.Info().Dur("wait", wait).Msg("reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// session runs one connection until it fails and reports whether the
// protocol handshake completed.
func (t *Transport) session(ctx context.Context) (established bool, err error) {
	conn, _, err := t.opts.Dialer.DialContext(ctx, t.opts.URL, t.opts.Header)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", t.opts.URL, err)
	}
	done := make(chan struct{})
	defer func() {
		close(done)
		conn.Close()
		if established {
			t.clear(conn)
			if t.opts.Signals != nil {
				t.opts.Signals.OnDisconnect()
			}
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return established, nil
			}
			return established, fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.log.Debug().Err(err).Msg("dropping undecodable frame")
			continue
		}

		switch f.Event {
		case eventConnectionEstablished:
			var hello struct {
				SocketID        string `json:"socket_id"`
				ActivityTimeout int    `json:"activity_timeout"`
			}
			if err := json.Unmarshal(payload(f.Data), &hello); err != nil {
				return established, fmt.Errorf("decode handshake: %w", err)
			}
			t.set(conn, hello.SocketID)
			established = true
			go t.keepalive(conn, done)
			t.log.Info().Str(log.FieldSocketID, hello.SocketID).Msg("connection established")
			if t.opts.Signals != nil {
				t.opts.Signals.OnConnect()
			}
		case eventPing:
			if err := t.write(conn, outFrame{Event: eventPong, Data: struct{}{}}); err != nil {
				return established, err
			}
		case eventPong:
		case eventError:
			var pe struct {
				Message string `json:"message"`
				Code    int    `json:"code"`
			}
			_ = json.Unmarshal(payload(f.Data), &pe)
			t.signalError(fmt.Errorf("server error %d: %s", pe.Code, pe.Message))
		case eventSubscriptionSucceeded:
			t.log.Debug().Str(log.FieldTopic, f.Channel).Msg("subscribed")
		default:
			if strings.HasPrefix(f.Event, "pusher:") || strings.HasPrefix(f.Event, "pusher_internal:") || f.Channel == "" {
				continue
			}
			if t.opts.OnEvent != nil {
				t.opts.OnEvent(f.Channel, f.Event, payload(f.Data))
			}
		}
	}
}

func (t *Transport) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := t.write(conn, outFrame{Event: eventPing, Data: struct{}{}}); err != nil {
				t.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// Join subscribes the current connection to topic. Private and presence
// topics are signed through the Authorizer first.
func (t *Transport) Join(ctx context.Context, topic string) error {
	conn, socketID := t.current()
	if conn == nil {
		return fmt.Errorf("join %s: %w", topic, domain.ErrTransport)
	}
	data := map[string]string{"channel": topic}
	if needsAuth(topic) {
		if t.opts.Authorizer == nil {
			return fmt.Errorf("join %s: no authorizer for protected topic: %w", topic, domain.ErrUnauthorized)
		}
		auth, err := t.opts.Authorizer.BroadcastAuth(ctx, socketID, topic)
		if err != nil {
			return fmt.Errorf("join %s: %w", topic, err)
		}
		data["auth"] = auth.Auth
		if auth.ChannelData != "" {
			data["channel_data"] = auth.ChannelData
		}
	}
	return t.write(conn, outFrame{Event: eventSubscribe, Data: data})
}

// Leave unsubscribes topic. Without a live connection there is nothing to
// leave, so it returns nil.
func (t *Transport) Leave(_ context.Context, topic string) error {
	conn, _ := t.current()
	if conn == nil {
		return nil
	}
	return t.write(conn, outFrame{Event: eventUnsubscribe, Data: map[string]string{"channel": topic}})
}

func (t *Transport) write(conn *websocket.Conn, v outFrame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.opts.WriteWait))
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write %s: %w", v.Event, err)
	}
	return nil
}

func (t *Transport) current() (*websocket.Conn, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn, t.socketID
}

func (t *Transport) set(conn *websocket.Conn, socketID string) {
	t.mu.Lock()
	t.conn, t.socketID = conn, socketID
	t.mu.Unlock()
}

func (t *Transport) clear(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn, t.socketID = nil, ""
	}
	t.mu.Unlock()
}

func (t *Transport) signalError(err error) {
	t.log.Warn().Err(err).Msg("transport error")
	if t.opts.Signals != nil {
		t.opts.Signals.OnError(err)
	}
}

func needsAuth(topic string) bool {
	return strings.HasPrefix(topic, "private-") || strings.HasPrefix(topic, "presence-")
}

// payload unwraps the protocol's JSON-encoded-string data field.
func payload(raw json.RawMessage) json.RawMessage {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return json.RawMessage(s)
		}
	}
	return raw
}
