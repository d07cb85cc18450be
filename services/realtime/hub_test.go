package realtimesvc

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/trezcool/masomo-notifier/core/notification"
	testutil "github.com/trezcool/masomo-notifier/tests"
)

type presenceLog struct {
	mu     sync.Mutex
	deltas []int
}

func (p *presenceLog) record(_, delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deltas = append(p.deltas, delta)
}

func (p *presenceLog) all() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.deltas...)
}

func TestHub_registry(t *testing.T) {
	hub := NewHub(nil)
	presence := new(presenceLog)
	hub.OnPresence(presence.record)

	first, second := new(testutil.Handle), new(testutil.Handle)

	hub.Register(42, first)
	hub.Register(42, second) // replace, no presence change
	hub.Register(7, first)

	h, ok := hub.Lookup(42)
	require.True(t, ok)
	assert.Same(t, second, h)
	assert.Equal(t, []int{7, 42}, hub.Users())
	assert.Equal(t, 2, hub.Len())

	assert.False(t, hub.Release(42, first), "stale handle must not evict the current one")
	assert.True(t, hub.Release(42, second))
	_, ok = hub.Lookup(42)
	assert.False(t, ok)

	hub.Unregister(7)
	hub.Unregister(7)
	assert.Zero(t, hub.Len())

	assert.Equal(t, []int{1, 1, -1, -1}, presence.all())
}

func TestClient_Emit(t *testing.T) {
	t.Run("gone", func(t *testing.T) {
		c := &Client{send: make(chan []byte, 1), done: make(chan struct{})}
		c.close()
		assert.Equal(t, ErrClientGone, c.Emit(notification.EventNewNotification, nil))
	})

	t.Run("buffer full", func(t *testing.T) {
		c := &Client{send: make(chan []byte), done: make(chan struct{})}
		assert.Equal(t, ErrSendBufferFull, c.Emit(notification.EventNewNotification, nil))
	})

	t.Run("queued", func(t *testing.T) {
		c := &Client{send: make(chan []byte, 1), done: make(chan struct{})}
		require.NoError(t, c.Emit(notification.EventNewNotification, map[string]int{"id": 1}))
		assert.JSONEq(t, `{"event":"new notification","data":{"id":1}}`, string(<-c.send))
	})
}

func dial(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.ServeWS(w, r)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHub_ServeWS(t *testing.T) {
	hub := NewHub(nil)
	conn := dial(t, hub)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": "register", "data": map[string]int{"user_id": 42}}))
	msg := readEnvelope(t, conn)
	assert.Equal(t, EventRegistered, msg["event"])

	h, ok := hub.Lookup(42)
	require.True(t, ok)
	require.NoError(t, h.Emit(notification.EventNewNotification, map[string]string{"title": "Upcoming Class: Mathematics"}))

	msg = readEnvelope(t, conn)
	assert.Equal(t, notification.EventNewNotification, msg["event"])
	assert.Equal(t, map[string]interface{}{"title": "Upcoming Class: Mathematics"}, msg["data"])

	require.NoError(t, conn.WriteJSON(map[string]string{"event": "dance"}))
	msg = readEnvelope(t, conn)
	assert.Equal(t, EventError, msg["event"])

	require.NoError(t, conn.WriteJSON(map[string]string{"event": "unregister"}))
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": "register", "data": map[string]int{"user_id": 42}}))
	readEnvelope(t, conn)
	require.Equal(t, 1, hub.Len())

	_ = conn.Close()
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_ServeWS_invalidRegister(t *testing.T) {
	hub := NewHub(nil)
	conn := dial(t, hub)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": "register", "data": map[string]int{"user_id": 0}}))
	msg := readEnvelope(t, conn)
	assert.Equal(t, EventError, msg["event"])
	assert.Zero(t, hub.Len())
}

func TestHub_ServeWS_rateLimited(t *testing.T) {
	hub := NewHub(nil, WithRateLimit(rate.Limit(0), 0))
	conn := dial(t, hub)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"event": "register", "data": map[string]int{"user_id": 42}}))
	msg := readEnvelope(t, conn)
	assert.Equal(t, EventError, msg["event"])
	assert.Equal(t, map[string]interface{}{"message": "rate limited"}, msg["data"])
	assert.Zero(t, hub.Len())
}
