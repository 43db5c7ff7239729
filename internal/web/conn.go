package web

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	appLog "wkserver/internal/log"
	"wkserver/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendQueueSize  = 64
)

var (
	ErrSendQueueFull = errors.New("web: send queue full")
	ErrConnClosed    = errors.New("web: connection closed")
)

// wsConn is one client connection. Writes go through the send queue so
// that only writePump touches the socket for writing.
type wsConn struct {
	id     string
	remote string
	ws     *websocket.Conn
	hub    *Hub

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, hub *Hub, remote string) *wsConn {
	return &wsConn{
		id:     uuid.NewString(),
		remote: remote,
		ws:     ws,
		hub:    hub,
		send:   make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

// Send queues p for this connection. It never blocks; a client that does
// not keep up gets ErrSendQueueFull.
func (c *wsConn) Send(p protocol.Packet) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *wsConn) Broadcast(p protocol.Packet) error {
	return c.hub.Broadcast(p)
}

func (c *wsConn) enqueue(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.closed:
		return ErrConnClosed
	default:
		return ErrSendQueueFull
	}
}

// close asks writePump to say goodbye and release the socket.
func (c *wsConn) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				appLog.Debug("web: write failed", "conn", c.id, "err", err)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				appLog.Debug("web: ping failed", "conn", c.id, "err", err)
				c.close()
				return
			}
		case <-c.closed:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

// readPump feeds inbound messages to d until the client goes away or the
// connection is closed from our side.
func (c *wsConn) readPump(d *protocol.Dispatcher) {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				appLog.Warn("web: connection lost", "conn", c.id, "remote", c.remote, "err", err)
			}
			return
		}
		d.OnInboundPacket(data)
	}
}
