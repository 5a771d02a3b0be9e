package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatlink/internal/domain"
	"chatlink/internal/logx"
	"chatlink/internal/metrics"
)

const sendQueueSize = 64

// WebsocketDialer dials gorilla websocket connections with bearer auth.
type WebsocketDialer struct {
	dialer *websocket.Dialer
}

func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{dialer: websocket.DefaultDialer}
}

func (d *WebsocketDialer) Dial(ctx context.Context, rawURL, token string) (Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := d.dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial %s: %w", rawURL, domain.ErrAuth)
		}
		return nil, fmt.Errorf("dial %s: %v: %w", rawURL, err, domain.ErrTransport)
	}

	c := &wsConn{
		ws:     ws,
		sendCh: make(chan domain.Frame, sendQueueSize),
		frames: make(chan domain.Frame, sendQueueSize),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

// wsConn wraps a websocket with one writer goroutine fed by a buffered
// channel and one reader goroutine decoding JSON frames.
type wsConn struct {
	ws     *websocket.Conn
	sendCh chan domain.Frame
	frames chan domain.Frame
	done   chan struct{}

	mu           sync.Mutex
	closedByUser bool
	err          error
	sendClosed   bool
}

func (c *wsConn) Send(frame domain.Frame) error {
	c.mu.Lock()
	if c.sendClosed {
		c.mu.Unlock()
		return domain.ErrNotConnected
	}
	c.mu.Unlock()

	select {
	case c.sendCh <- frame:
		return nil
	case <-c.done:
		return domain.ErrNotConnected
	}
}

func (c *wsConn) Frames() <-chan domain.Frame { return c.frames }
func (c *wsConn) Done() <-chan struct{}       { return c.done }

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closedByUser {
		return nil
	}
	return c.err
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closedByUser {
		c.mu.Unlock()
		return nil
	}
	c.closedByUser = true
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline())
	return c.ws.Close()
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case frame := <-c.sendCh:
			if err := c.ws.WriteJSON(frame); err != nil {
				c.fail(fmt.Errorf("write frame: %v: %w", err, domain.ErrTransport))
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) readLoop() {
	log := logx.For("transport")
	defer close(c.frames)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("read frame: %v: %w", err, domain.ErrTransport))
			c.mu.Lock()
			c.sendClosed = true
			c.mu.Unlock()
			close(c.done)
			return
		}
		var frame domain.Frame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
			// Malformed frames are dropped, never fatal.
			log.Warn("dropping malformed frame", "error", err)
			metrics.FramesDropped.Inc()
			continue
		}
		c.frames <- frame
	}
}

func deadline() time.Time {
	return time.Now().Add(time.Second)
}

func (c *wsConn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}
