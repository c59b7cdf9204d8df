package web

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neboloop/foreman/internal/channels"
	"github.com/neboloop/foreman/internal/crashlog"
	"github.com/neboloop/foreman/internal/logging"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 32768

	sendBuffer = 64
)

var (
	errSendBufferFull = errors.New("client send buffer full")
	errClientClosed   = errors.New("client connection closed")
)

// client is one owner websocket. Frames from a connection are handled one at
// a time, so an owner's messages keep their arrival order.
type client struct {
	adapter *Adapter
	conn    *websocket.Conn
	owner   string
	send    chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newClient(a *Adapter, conn *websocket.Conn, owner string) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		adapter: a,
		conn:    conn,
		owner:   owner,
		send:    make(chan []byte, sendBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.adapter.unregister(c)
		c.conn.Close()
		logging.Infof("[web] WebSocket closed for %s", c.owner)
	})
}

// enqueue queues f without blocking.
func (c *client) enqueue(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return errClientClosed
	}
	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return errClientClosed
	default:
		return errSendBufferFull
	}
}

func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warnf("[web] WebSocket read error for %s: %v", c.owner, err)
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *client) handleFrame(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			crashlog.LogPanic("web", r, map[string]string{"owner": c.owner})
			c.enqueue(Frame{Type: FrameError, Text: "internal error"})
		}
	}()

	var in Frame
	if err := json.Unmarshal(data, &in); err != nil {
		c.enqueue(Frame{Type: FrameError, Text: "invalid frame: " + err.Error()})
		return
	}
	if in.Type != "" && in.Type != FrameMessage {
		c.enqueue(Frame{Type: FrameError, ID: in.ID, Text: "unsupported frame type " + in.Type})
		return
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		c.enqueue(Frame{Type: FrameError, ID: in.ID, Text: "text is required"})
		return
	}
	if !c.adapter.admit(c.owner) {
		c.enqueue(Frame{Type: FrameError, ID: in.ID, Text: "too many messages, slow down"})
		return
	}
	handler := c.adapter.currentHandler()
	if handler == nil {
		c.enqueue(Frame{Type: FrameError, ID: in.ID, Text: "not ready"})
		return
	}

	out := handler(context.Background(), channels.InboundMessage{
		ChannelType: ChannelID,
		Owner:       c.owner,
		Text:        text,
		Timestamp:   time.Now(),
	})
	if err := c.enqueue(Frame{Type: FrameReply, ID: in.ID, Owner: c.owner, Text: out.Text, Timestamp: time.Now()}); err != nil {
		logging.Warnf("[web] Reply to %s dropped: %v", c.owner, err)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}
