package realtimesvc

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/trezcool/masomo-notifier/core/notification"
)

const (
	EventRegister   = "register"
	EventUnregister = "unregister"
	EventRegistered = "registered"
	EventError      = "error"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var (
	ErrClientGone     = errors.New("client connection closed")
	ErrSendBufferFull = errors.New("client send buffer full")
)

// Envelope is the wire format of every message, in both directions.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type registerData struct {
	UserID int `json:"user_id"`
}

// Client is one websocket connection.
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter

	mu     sync.Mutex
	userID int
}

var _ notification.Handle = (*Client)(nil)

func newClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:      uuid.NewString(),
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, hub.sendSize),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(hub.limit, hub.burst),
	}
}

func (c *Client) ID() string { return c.id }

// UserID returns the registered user, 0 if none.
func (c *Client) UserID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Emit queues an event without blocking.
func (c *Client) Emit(event string, payload interface{}) error {
	select {
	case <-c.done:
		return ErrClientGone
	default:
	}

	msg, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		return errors.Wrap(err, "encoding event")
	}

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return ErrClientGone
	default:
		return ErrSendBufferFull
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	defer func() {
		c.close()
		if uid := c.UserID(); uid != 0 {
			c.hub.Release(uid, c)
		}
		_ = c.conn.Close()
		c.hub.logger.Debug("realtime: client disconnected", map[string]interface{}{"client": c.id})
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("realtime: read failed", err, map[string]interface{}{"client": c.id})
			}
			return
		}
		if !c.limiter.Allow() {
			_ = c.Emit(EventError, map[string]string{"message": "rate limited"})
			continue
		}
		c.handle(raw)
	}
}

func (c *Client) handle(raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		_ = c.Emit(EventError, map[string]string{"message": "invalid message"})
		return
	}

	switch msg.Event {
	case EventRegister:
		var data registerData
		if err := json.Unmarshal(msg.Data, &data); err != nil || data.UserID <= 0 {
			_ = c.Emit(EventError, map[string]string{"message": "user_id must be a positive integer"})
			return
		}
		c.mu.Lock()
		prev := c.userID
		c.userID = data.UserID
		c.mu.Unlock()

		if prev != 0 && prev != data.UserID {
			c.hub.Release(prev, c)
		}
		c.hub.Register(data.UserID, c)
		_ = c.Emit(EventRegistered, data)

	case EventUnregister:
		c.mu.Lock()
		prev := c.userID
		c.userID = 0
		c.mu.Unlock()

		if prev != 0 {
			c.hub.Release(prev, c)
		}

	default:
		_ = c.Emit(EventError, map[string]string{"message": "unknown event " + msg.Event})
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			return
		}
	}
}
