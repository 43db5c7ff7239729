package web

import (
	"encoding/json"
	"sync"

	appLog "wkserver/internal/log"
	"wkserver/internal/metrics"
	"wkserver/internal/protocol"
)

// Hub is the set of open client connections.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*wsConn
	closed bool
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*wsConn)}
}

// add registers c. It reports false once CloseAll has been called.
func (h *Hub) add(c *wsConn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.id] = c
	metrics.Connections.Set(float64(len(h.conns)))
	return true
}

func (h *Hub) remove(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.id)
	metrics.Connections.Set(float64(len(h.conns)))
}

// Len reports the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast queues p on every open connection. A connection whose queue
// is full or that is closing misses the packet; that is logged, not
// returned, so one slow client cannot fail the sender's call.
func (h *Hub) Broadcast(p protocol.Packet) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.enqueue(data); err != nil {
			appLog.Warn("web: broadcast dropped for connection", "conn", c.id, "err", err)
		}
	}
	return nil
}

// CloseAll closes every open connection and refuses new ones.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	h.closed = true
	targets := make([]*wsConn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	appLog.Info("web: disconnecting clients", "count", len(targets))
	for _, c := range targets {
		c.close()
	}
}
