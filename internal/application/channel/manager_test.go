package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

// fakeTransport records join/leave calls. joinErrs are returned by the
// first Join calls in order.
type fakeTransport struct {
	mu       sync.Mutex
	calls    []string
	joinErrs []error
}

func (f *fakeTransport) Join(ctx context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "join:"+topic)
	if len(f.joinErrs) > 0 {
		err := f.joinErrs[0]
		f.joinErrs = f.joinErrs[1:]
		return err
	}
	return nil
}

func (f *fakeTransport) Leave(ctx context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "leave:"+topic)
	return nil
}

func (f *fakeTransport) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func connectedManager(t *testing.T, tr *fakeTransport) *Manager {
	t.Helper()
	m := NewManager(tr, time.Second)
	m.connected = true
	return m
}

// --- tests ---

func TestSubscribe_JoinsTopicOnceWhenConnected(t *testing.T) {
	tr := &fakeTransport{}
	m := connectedManager(t, tr)

	m.Subscribe("private-notifications.7", "notification.created", func(json.RawMessage) {})
	m.Subscribe("private-notifications.7", "notification.read", func(json.RawMessage) {})

	assert.Equal(t, 1, tr.count("join:private-notifications.7"))
	assert.Equal(t, 2, m.HandlerCount("private-notifications.7"))
}

func TestSubscribe_QueuesJoinUntilConnect(t *testing.T) {
	tr := &fakeTransport{}
	m := NewManager(tr, time.Second)

	m.Subscribe("presence-chat.room.3", "new.chat.message", func(json.RawMessage) {})
	assert.Equal(t, 0, tr.count("join:presence-chat.room.3"))

	m.OnConnect()
	assert.Eventually(t, func() bool {
		return tr.count("join:presence-chat.room.3") == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDisposer_LeavesWhenLastHandlerRemoved(t *testing.T) {
	tr := &fakeTransport{}
	m := connectedManager(t, tr)

	d1 := m.Subscribe("t", "a", func(json.RawMessage) {})
	d2 := m.Subscribe("t", "b", func(json.RawMessage) {})

	d1()
	assert.Equal(t, 0, tr.count("leave:t"))

	d2()
	d2()
	assert.Equal(t, 1, tr.count("leave:t"))
	assert.Empty(t, m.Topics())
}

func TestDispatch_RoutesByEventInSubscriptionOrder(t *testing.T) {
	m := connectedManager(t, &fakeTransport{})

	var got []string
	m.Subscribe("t", "a", func(p json.RawMessage) { got = append(got, "first:"+string(p)) })
	m.Subscribe("t", "b", func(p json.RawMessage) { got = append(got, "other:"+string(p)) })
	m.Subscribe("t", "a", func(p json.RawMessage) { got = append(got, "second:"+string(p)) })

	m.Dispatch("t", "a", json.RawMessage(`1`))
	m.Dispatch("unknown", "a", json.RawMessage(`2`))

	assert.Equal(t, []string{"first:1", "second:1"}, got)
}

func TestDispatch_RecoversHandlerPanic(t *testing.T) {
	m := connectedManager(t, &fakeTransport{})

	called := false
	m.Subscribe("t", "a", func(json.RawMessage) { panic("boom") })
	m.Subscribe("t", "a", func(json.RawMessage) { called = true })

	require.NotPanics(t, func() { m.Dispatch("t", "a", nil) })
	assert.True(t, called)
}

func TestUnsubscribeAll_DetachesHandlersAndIsIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	m := connectedManager(t, tr)

	called := false
	d := m.Subscribe("t", "a", func(json.RawMessage) { called = true })

	m.UnsubscribeAll("t")
	m.UnsubscribeAll("t")
	d()
	m.Dispatch("t", "a", nil)

	assert.False(t, called)
	assert.Equal(t, 1, tr.count("leave:t"))
}

func TestOnDisconnect_RejoinsLiveTopicsOnReconnect(t *testing.T) {
	tr := &fakeTransport{}
	m := connectedManager(t, tr)

	m.Subscribe("t", "a", func(json.RawMessage) {})
	require.Equal(t, 1, tr.count("join:t"))

	m.OnDisconnect()
	m.OnConnect()

	assert.Eventually(t, func() bool {
		return tr.count("join:t") == 2
	}, time.Second, 10*time.Millisecond)
}

func TestJoinFailure_RetriedOnNextConnect(t *testing.T) {
	tr := &fakeTransport{joinErrs: []error{errors.New("refused")}}
	m := connectedManager(t, tr)

	m.Subscribe("t", "a", func(json.RawMessage) {})
	require.Equal(t, 1, tr.count("join:t"))

	m.OnConnect()
	assert.Eventually(t, func() bool {
		return tr.count("join:t") == 2
	}, time.Second, 10*time.Millisecond)
}

func TestSubscribe_ConcurrentSafe(t *testing.T) {
	m := connectedManager(t, &fakeTransport{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := m.Subscribe("t", "a", func(json.RawMessage) {})
			m.Dispatch("t", "a", nil)
			d()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, m.HandlerCount("t"))
}
