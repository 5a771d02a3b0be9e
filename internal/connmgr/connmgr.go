// Package connmgr wraps the transport with a reconnect state machine,
// heartbeat and backoff policy, and dispatches inbound frames to typed
// handlers.
package connmgr

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chatlink/internal/domain"
	"chatlink/internal/logx"
	"chatlink/internal/metrics"
	"chatlink/internal/transport"
)

// State of the managed connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Handler consumes inbound frames of one registered type.
type Handler func(frame domain.Frame)

// Options tune the manager. Zero values fall back to the defaults below.
type Options struct {
	URL                  string
	Token                string
	HeartbeatInterval    time.Duration
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	MaxReconnectAttempts int
}

const (
	defaultHeartbeat   = 30 * time.Second
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 16 * time.Second
	defaultMaxAttempts = 5
)

// Backoff returns the delay before reconnect attempt n (1-based):
// base doubled per attempt, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Manager owns one connection and its lifecycle:
// disconnected -> connecting -> connected -> reconnecting -> disconnected.
// The terminal disconnected state is reached on explicit Close, on auth
// failure, on network-down notification, or when the reconnect attempt
// ceiling is exceeded; Rearm re-enables automatic retries.
type Manager struct {
	dialer transport.Dialer
	opts   Options
	log    *slog.Logger

	mu           sync.Mutex
	state        State
	conn         transport.Conn
	handlers     map[string][]handlerEntry
	stateSubs    map[int]chan State
	nextSubID    int
	nextHandler  int
	attempts     int
	netAvailable bool
	reconnecting bool
	closed       bool
	lastErr      error

	stopCh chan struct{}
}

type handlerEntry struct {
	id int
	fn Handler
}

func NewManager(dialer transport.Dialer, opts Options) *Manager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = defaultMaxAttempts
	}
	return &Manager{
		dialer:       dialer,
		opts:         opts,
		log:          logx.For("connmgr"),
		handlers:     make(map[string][]handlerEntry),
		stateSubs:    make(map[int]chan State),
		netAvailable: true,
		stopCh:       make(chan struct{}),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError reports the most recent connection failure, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// SubscribeState returns a channel receiving every state transition and an
// unsubscribe function. The channel is buffered; slow consumers miss
// intermediate transitions rather than blocking the manager.
func (m *Manager) SubscribeState() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSubID
	m.nextSubID++
	ch := make(chan State, 16)
	m.stateSubs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.stateSubs, id)
	}
}

// On registers a handler for one frame type and returns its unsubscribe
// function.
func (m *Manager) On(frameType string, h Handler) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextHandler
	m.nextHandler++
	m.handlers[frameType] = append(m.handlers[frameType], handlerEntry{id: id, fn: h})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		entries := m.handlers[frameType]
		for i, e := range entries {
			if e.id == id {
				m.handlers[frameType] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}
}

// Connect opens the connection. On failure while the network is reported
// available, automatic reconnection with backoff is scheduled and the dial
// error is returned.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ErrClosed
	}
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	if !m.netAvailable {
		m.mu.Unlock()
		return domain.ErrNetworkUnavailable
	}
	m.mu.Unlock()

	if err := m.dialOnce(ctx); err != nil {
		m.scheduleReconnect(err)
		return err
	}
	return nil
}

// Send delivers a frame over the live connection. It fails fast with
// ErrNotConnected when the manager is in any other state; callers queue
// through the offline queue instead.
func (m *Manager) Send(frame domain.Frame) error {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return domain.ErrNotConnected
	}
	conn := m.conn
	m.mu.Unlock()
	return conn.Send(frame)
}

// SetNetworkAvailable feeds external connectivity notifications. Going down
// proactively disconnects without waiting for a socket error; coming back up
// re-arms retries and reconnects.
func (m *Manager) SetNetworkAvailable(available bool) {
	m.mu.Lock()
	if m.closed || m.netAvailable == available {
		m.mu.Unlock()
		return
	}
	m.netAvailable = available
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if !available {
		if conn != nil {
			_ = conn.Close()
		}
		m.setState(StateDisconnected)
		return
	}
	m.Rearm()
}

// Rearm resets the retry budget and kicks off a connect attempt if currently
// disconnected. Called on external triggers such as connectivity restored or
// app foregrounded.
func (m *Manager) Rearm() {
	m.mu.Lock()
	if m.closed || !m.netAvailable {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	go func() {
		if err := m.dialOnce(context.Background()); err != nil {
			m.scheduleReconnect(err)
		}
	}()
}

// Close terminates the connection and the manager. The state machine is
// terminal after Close.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	close(m.stopCh)
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	m.setState(StateDisconnected)
	return nil
}

func (m *Manager) dialOnce(ctx context.Context) error {
	m.setState(StateConnecting)
	conn, err := m.dialer.Dial(ctx, m.opts.URL, m.opts.Token)
	if err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close()
		return domain.ErrClosed
	}
	m.conn = conn
	m.attempts = 0
	m.lastErr = nil
	m.mu.Unlock()

	m.setState(StateConnected)
	go m.readPump(conn)
	go m.heartbeatLoop(conn)
	return nil
}

func (m *Manager) readPump(conn transport.Conn) {
	for frame := range conn.Frames() {
		m.dispatch(frame)
	}
	<-conn.Done()

	m.mu.Lock()
	if m.conn != conn {
		// a newer connection took over, or teardown already ran
		m.mu.Unlock()
		return
	}
	m.conn = nil
	closed := m.closed
	netUp := m.netAvailable
	m.mu.Unlock()

	err := conn.Err()
	if closed || err == nil || !netUp {
		m.setState(StateDisconnected)
		return
	}
	m.log.Warn("connection lost", "error", err)
	m.scheduleReconnect(err)
}

func (m *Manager) heartbeatLoop(conn transport.Conn) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.Send(domain.HeartbeatFrame()); err != nil {
				return
			}
		case <-conn.Done():
			return
		case <-m.stopCh:
			return
		}
	}
}

// scheduleReconnect starts the backoff retry loop unless one is already
// running, the failure is an auth rejection, or retries are exhausted.
func (m *Manager) scheduleReconnect(cause error) {
	if errors.Is(cause, domain.ErrAuth) {
		// retrying with the same token cannot succeed; surface to the UI
		m.setState(StateDisconnected)
		return
	}

	m.mu.Lock()
	if m.closed || m.reconnecting || !m.netAvailable {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()

	go m.reconnectLoop()
}

func (m *Manager) reconnectLoop() {
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	for {
		m.mu.Lock()
		if m.closed || !m.netAvailable {
			m.mu.Unlock()
			m.setState(StateDisconnected)
			return
		}
		m.attempts++
		attempt := m.attempts
		if attempt > m.opts.MaxReconnectAttempts {
			m.mu.Unlock()
			m.log.Warn("reconnect attempts exhausted", "attempts", attempt-1)
			m.setState(StateDisconnected)
			return
		}
		m.mu.Unlock()

		delay := Backoff(m.opts.BackoffBase, m.opts.BackoffMax, attempt)
		m.setState(StateReconnecting)
		m.log.Info("scheduling reconnect", "attempt", attempt, "delay", delay)
		metrics.ReconnectAttempts.Inc()

		select {
		case <-time.After(delay):
		case <-m.stopCh:
			return
		}

		m.mu.Lock()
		if m.closed || !m.netAvailable {
			m.mu.Unlock()
			m.setState(StateDisconnected)
			return
		}
		m.mu.Unlock()

		err := m.dialOnce(context.Background())
		if err == nil {
			return
		}
		if errors.Is(err, domain.ErrAuth) {
			m.setState(StateDisconnected)
			return
		}
		m.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

func (m *Manager) dispatch(frame domain.Frame) {
	m.mu.Lock()
	entries := append([]handlerEntry(nil), m.handlers[frame.Type]...)
	m.mu.Unlock()

	if len(entries) == 0 {
		switch frame.Type {
		case domain.FrameHeartbeat, domain.FrameConnectionAck:
			// expected server chatter, nothing to do
		default:
			m.log.Debug("ignoring frame with no handler", "type", frame.Type)
		}
		return
	}
	for _, e := range entries {
		e.fn(frame)
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = s
	subs := make([]chan State, 0, len(m.stateSubs))
	for _, ch := range m.stateSubs {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	metrics.ConnectionState.Set(float64(s))
	m.log.Debug("state transition", "from", prev.String(), "to", s.String())
	for _, ch := range subs {
		select {
		case ch <- s:
		default:
		}
	}
}
