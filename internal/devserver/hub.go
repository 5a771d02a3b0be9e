package devserver

import (
	"sync"

	"github.com/gorilla/websocket"

	"chatlink/internal/domain"
)

// client wraps a websocket connection with a write lock so broadcasts from
// handler goroutines and the read loop never interleave frames.
type client struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *client) writeFrame(frame domain.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteJSON(frame)
}

// hub tracks active websocket connections keyed by user id and broadcasts
// frames to them.
type hub struct {
	mu    sync.RWMutex
	conns map[string]map[*client]struct{}
}

func newHub() *hub {
	return &hub{
		conns: make(map[string]map[*client]struct{}),
	}
}

func (h *hub) register(userID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conns[userID] == nil {
		h.conns[userID] = make(map[*client]struct{})
	}
	h.conns[userID][c] = struct{}{}
}

func (h *hub) unregister(userID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.conns[userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.conns, userID)
		}
	}
}

// broadcast sends the frame to every connection, optionally skipping one
// user (the originator). Write failures close the connection; removal is
// best-effort and happens on the next register/unregister.
func (h *hub) broadcast(frame domain.Frame, skipUserID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for uid, conns := range h.conns {
		if uid == skipUserID {
			continue
		}
		for c := range conns {
			if err := c.writeFrame(frame); err != nil {
				c.conn.Close()
			}
		}
	}
}

// sendTo delivers a frame to one user's connections only.
func (h *hub) sendTo(userID string, frame domain.Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.conns[userID] {
		if err := c.writeFrame(frame); err != nil {
			c.conn.Close()
		}
	}
}
