package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event names fixed by the portal wire protocol.
const (
	EventNotification = "notification"
	EventUnreadCount  = "unread_count"
	EventMarkAllRead  = "mark_all_read"
)

// Event is a single frame on the live channel.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Conn is a live duplex connection. The events channel preserves server
// order and is closed when the connection dies.
type Conn interface {
	Events() <-chan Event
	Emit(Event) error
	Close() error
}

// Dialer opens a connection authenticated with a connection-time token.
// There is no per-message re-authentication.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// WebSocketDialer dials the portal WebSocket endpoint with the token as a
// query parameter.
type WebSocketDialer struct {
	URL string
}

func (d *WebSocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse socket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("dial socket: %w", err)
	}
	c := &wsConn{ws: ws, events: make(chan Event, 64)}
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	ws        *websocket.Conn
	events    chan Event
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) readLoop() {
	defer close(c.events)
	for {
		var ev Event
		if err := c.ws.ReadJSON(&ev); err != nil {
			return
		}
		c.events <- ev
	}
}

func (c *wsConn) Events() <-chan Event { return c.events }

func (c *wsConn) Emit(ev Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(ev)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
