package realtimesvc

import (
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/trezcool/masomo-notifier/core"
	"github.com/trezcool/masomo-notifier/core/notification"
)

// Hub is the process-local connection registry.
// A user has at most one live handle; registering again replaces it.
type Hub struct {
	mu         sync.RWMutex
	conns      map[int]notification.Handle
	onPresence func(userID, delta int)

	upgrader websocket.Upgrader
	limit    rate.Limit
	burst    int
	sendSize int
	logger   core.Logger
}

var _ notification.Registry = (*Hub)(nil)

type HubOption func(*Hub)

// WithCheckOrigin overrides the websocket origin check (same-origin by default).
func WithCheckOrigin(fn func(r *http.Request) bool) HubOption {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

// WithRateLimit throttles inbound client messages.
func WithRateLimit(limit rate.Limit, burst int) HubOption {
	return func(h *Hub) {
		h.limit = limit
		h.burst = burst
	}
}

func WithSendBuffer(size int) HubOption {
	return func(h *Hub) { h.sendSize = size }
}

// NewHub returns an empty hub; a nil logger discards output.
func NewHub(logger core.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = core.NopLogger{}
	}
	hub := &Hub{
		conns: make(map[int]notification.Handle),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		limit:    rate.Limit(5),
		burst:    10,
		sendSize: 16,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(hub)
	}
	return hub
}

// OnPresence sets a hook called with +1 when a user gains a live handle and -1 when it loses it.
// Replacing a user's handle does not fire the hook.
func (h *Hub) OnPresence(fn func(userID, delta int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onPresence = fn
}

func (h *Hub) Register(userID int, handle notification.Handle) {
	h.mu.Lock()
	_, had := h.conns[userID]
	h.conns[userID] = handle
	hook := h.onPresence
	h.mu.Unlock()

	if !had && hook != nil {
		hook(userID, 1)
	}
}

func (h *Hub) Unregister(userID int) {
	h.mu.Lock()
	_, had := h.conns[userID]
	delete(h.conns, userID)
	hook := h.onPresence
	h.mu.Unlock()

	if had && hook != nil {
		hook(userID, -1)
	}
}

// Release unregisters userID only if its entry is still handle.
// A stale connection closing must not evict the user's newer connection.
func (h *Hub) Release(userID int, handle notification.Handle) bool {
	h.mu.Lock()
	cur, ok := h.conns[userID]
	released := ok && cur == handle
	if released {
		delete(h.conns, userID)
	}
	hook := h.onPresence
	h.mu.Unlock()

	if released && hook != nil {
		hook(userID, -1)
	}
	return released
}

func (h *Hub) Lookup(userID int) (notification.Handle, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handle, ok := h.conns[userID]
	return handle, ok
}

// Len returns the number of users with a live handle.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) Users() []int {
	h.mu.RLock()
	users := make([]int, 0, len(h.conns))
	for id := range h.conns {
		users = append(users, id)
	}
	h.mu.RUnlock()

	sort.Ints(users)
	return users
}

// ServeWS upgrades the request and serves the connection until it closes.
// The client becomes reachable once it sends a "register" event.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return errors.Wrap(err, "upgrading connection")
	}

	c := newClient(h, conn)
	h.logger.Debug("realtime: client connected", map[string]interface{}{"client": c.id, "remote": r.RemoteAddr})

	go c.writePump()
	c.readPump()
	return nil
}
