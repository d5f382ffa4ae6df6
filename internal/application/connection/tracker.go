// Package connection tracks whether the push transport is live.
package connection

import (
	"sync"
	"time"

	"github.com/portal-sync/internal/pkg/log"
	"github.com/portal-sync/internal/pkg/observe"
	"github.com/rs/zerolog"
)

// Status is a point-in-time view of the connection.
type Status struct {
	Connected bool      `json:"connected"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

// Tracker mirrors transport lifecycle signals into a boolean. It starts
// disconnected. Watchers are told only about actual transitions.
type Tracker struct {
	mu        sync.RWMutex
	connected bool
	lastErr   string
	since     time.Time
	now       func() time.Time

	watchers observe.Set[bool]
	log      zerolog.Logger
}

func NewTracker() *Tracker {
	return &Tracker{
		now:   time.Now,
		since: time.Now(),
		log:   log.Component("connection"),
	}
}

func (t *Tracker) OnConnect() {
	t.set(true, "")
}

func (t *Tracker) OnDisconnect() {
	t.set(false, "")
}

// OnError marks the connection down and records err.
func (t *Tracker) OnError(err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	t.log.Warn().Err(err).Msg("transport error")
	t.set(false, msg)
}

func (t *Tracker) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *Tracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Status{Connected: t.connected, LastError: t.lastErr, Since: t.since}
}

// Watch registers fn for connection changes and returns its cancel func.
func (t *Tracker) Watch(fn func(connected bool)) func() {
	return t.watchers.Add(fn)
}

func (t *Tracker) set(connected bool, errMsg string) {
	t.mu.Lock()
	if errMsg != "" {
		t.lastErr = errMsg
	} else if connected {
		t.lastErr = ""
	}
	changed := t.connected != connected
	if changed {
		t.connected = connected
		t.since = t.now()
	}
	t.mu.Unlock()

	if !changed {
		return
	}
	t.log.Info().Bool("connected", connected).Msg("connection changed")
	t.watchers.Notify(connected)
}
