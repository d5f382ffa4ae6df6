// Package redisbus implements the push transport over the Redis channels the
// Laravel redis broadcaster publishes to. It suits consumers running inside
// the backend network.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/portal-sync/internal/pkg/log"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Signals receives connection-level transitions.
type Signals interface {
	OnConnect()
	OnDisconnect()
	OnError(err error)
}

// EventFunc receives every event published on a joined topic.
type EventFunc func(topic, event string, payload json.RawMessage)

// Config holds Redis connection settings.
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string // prepended to every topic, e.g. "laravel_database_"
}

// Transport multiplexes every joined topic over one Redis subscription.
type Transport struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	prefix  string
	onEvent EventFunc
	signals Signals
	log     zerolog.Logger

	mu     sync.Mutex
	topics map[string]struct{}
}

// broadcast is the frame written by the Laravel redis broadcaster.
type broadcast struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	Socket *string         `json:"socket"`
}

// NewClient creates the Redis client used by the transport.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// New creates a transport on client. The subscription exists immediately, so
// Join works before Run starts.
func New(client *redis.Client, prefix string, onEvent EventFunc, signals Signals) *Transport {
	return &Transport{
		client:  client,
		pubsub:  client.Subscribe(context.Background()),
		prefix:  prefix,
		onEvent: onEvent,
		signals: signals,
		log:     log.Component("redisbus"),
		topics:  make(map[string]struct{}),
	}
}

// Run delivers published events until ctx is cancelled. go-redis reconnects
// the subscription on its own; Run only reports the transitions.
func (t *Transport) Run(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		t.signalError(fmt.Errorf("ping redis: %w", err))
		return err
	}
	if t.signals != nil {
		t.signals.OnConnect()
		defer t.signals.OnDisconnect()
	}

	ch := t.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			t.deliver(msg)
		}
	}
}

func (t *Transport) deliver(msg *redis.Message) {
	var b broadcast
	if err := json.Unmarshal([]byte(msg.Payload), &b); err != nil {
		t.log.Debug().Err(err).Str(log.FieldTopic, msg.Channel).Msg("dropping undecodable broadcast")
		return
	}
	if b.Event == "" || t.onEvent == nil {
		return
	}
	t.onEvent(strings.TrimPrefix(msg.Channel, t.prefix), b.Event, b.Data)
}

// Join subscribes to topic.
func (t *Transport) Join(ctx context.Context, topic string) error {
	if err := t.pubsub.Subscribe(ctx, t.prefix+topic); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	t.mu.Lock()
	t.topics[topic] = struct{}{}
	t.mu.Unlock()
	return nil
}

// Leave unsubscribes from topic.
func (t *Transport) Leave(ctx context.Context, topic string) error {
	t.mu.Lock()
	delete(t.topics, topic)
	t.mu.Unlock()
	if err := t.pubsub.Unsubscribe(ctx, t.prefix+topic); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Topics returns the currently joined topics.
func (t *Transport) Topics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.topics))
	for topic := range t.topics {
		out = append(out, topic)
	}
	return out
}

// Close releases the subscription and the client.
func (t *Transport) Close() error {
	if err := t.pubsub.Close(); err != nil {
		return err
	}
	return t.client.Close()
}

func (t *Transport) signalError(err error) {
	t.log.Warn().Err(err).Msg("transport error")
	if t.signals != nil {
		t.signals.OnError(err)
	}
}
