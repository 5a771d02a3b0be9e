package connmgr_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatlink/internal/connmgr"
	"chatlink/internal/domain"
	"chatlink/internal/transport"
)

// fakeConn is a scriptable transport.Conn.
type fakeConn struct {
	mu     sync.Mutex
	frames chan domain.Frame
	done   chan struct{}
	err    error
	sent   []domain.Frame
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan domain.Frame, 16),
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) Send(f domain.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrNotConnected
	}
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeConn) Frames() <-chan domain.Frame { return c.frames }
func (c *fakeConn) Done() <-chan struct{}       { return c.done }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.frames)
		close(c.done)
	}
	return nil
}

// failWith simulates an abnormal close with the given transport error.
func (c *fakeConn) failWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.err = err
		close(c.frames)
		close(c.done)
	}
}

func (c *fakeConn) push(f domain.Frame) {
	c.frames <- f
}

// fakeDialer replays a script of dial outcomes.
type fakeDialer struct {
	mu     sync.Mutex
	script []error // error per dial; nil means success
	conns  []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL, token string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.conns)
	if n < len(d.script) && d.script[n] != nil {
		d.conns = append(d.conns, nil)
		return nil, d.script[n]
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.conns) - 1; i >= 0; i-- {
		if d.conns[i] != nil {
			return d.conns[i]
		}
	}
	return nil
}

func waitForState(t *testing.T, m *connmgr.Manager, want connmgr.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state %v never reached, still %v", want, m.State())
}

func newManager(d transport.Dialer) *connmgr.Manager {
	return connmgr.NewManager(d, connmgr.Options{
		URL:                  "ws://test/ws",
		Token:                "tok",
		HeartbeatInterval:    time.Hour, // keep heartbeats out of the way
		BackoffBase:          time.Millisecond,
		BackoffMax:           4 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})
}

func TestBackoffSchedule(t *testing.T) {
	base, max := time.Second, 16*time.Second
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, connmgr.Backoff(base, max, i+1), "attempt %d", i+1)
	}
	// capped beyond the doubling range
	assert.Equal(t, max, connmgr.Backoff(base, max, 6))
	assert.Equal(t, max, connmgr.Backoff(base, max, 50))
}

func TestSendFailsFastWhenDisconnected(t *testing.T) {
	m := newManager(&fakeDialer{})
	err := m.Send(domain.HeartbeatFrame())
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestConnectAndDispatch(t *testing.T) {
	d := &fakeDialer{}
	m := newManager(d)
	defer m.Close()

	got := make(chan domain.Frame, 1)
	unsubscribe := m.On(domain.FrameTypingIndicator, func(f domain.Frame) { got <- f })
	defer unsubscribe()

	require.NoError(t, m.Connect(context.Background()))
	waitForState(t, m, connmgr.StateConnected)

	frame, err := domain.NewFrame(domain.FrameTypingIndicator, domain.TypingEvent{
		ConversationID: "c1", UserID: "u2", IsTyping: true,
	})
	require.NoError(t, err)
	d.lastConn().push(frame)

	select {
	case f := <-got:
		assert.Equal(t, domain.FrameTypingIndicator, f.Type)
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}

	// unknown frame types must not crash the dispatcher
	d.lastConn().push(domain.Frame{Type: "totally_unknown"})
	assert.Equal(t, connmgr.StateConnected, m.State())
}

func TestReconnectExhaustsBudgetThenDisconnects(t *testing.T) {
	// first dial succeeds, every retry fails
	d := &fakeDialer{script: []error{nil, domain.ErrTransport, domain.ErrTransport, domain.ErrTransport}}
	m := newManager(d)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	waitForState(t, m, connmgr.StateConnected)

	d.lastConn().failWith(domain.ErrTransport)
	waitForState(t, m, connmgr.StateDisconnected)

	// 1 initial + 3 failed retries, attempt 4 never scheduled
	assert.Equal(t, 4, d.dials())

	// Rearm resets the budget and reconnects
	m.Rearm()
	waitForState(t, m, connmgr.StateConnected)
}

func TestNetworkDownProactivelyDisconnects(t *testing.T) {
	d := &fakeDialer{}
	m := newManager(d)
	defer m.Close()

	require.NoError(t, m.Connect(context.Background()))
	waitForState(t, m, connmgr.StateConnected)

	m.SetNetworkAvailable(false)
	waitForState(t, m, connmgr.StateDisconnected)
	assert.Equal(t, 1, d.dials(), "no reconnect while network is down")

	m.SetNetworkAvailable(true)
	waitForState(t, m, connmgr.StateConnected)
}

func TestClientCloseIsTerminal(t *testing.T) {
	d := &fakeDialer{}
	m := newManager(d)

	require.NoError(t, m.Connect(context.Background()))
	waitForState(t, m, connmgr.StateConnected)

	require.NoError(t, m.Close())
	waitForState(t, m, connmgr.StateDisconnected)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dials(), "close must not trigger reconnect")
	assert.ErrorIs(t, m.Connect(context.Background()), domain.ErrClosed)
}

func TestAuthFailureStopsRetry(t *testing.T) {
	d := &fakeDialer{script: []error{domain.ErrAuth}}
	m := newManager(d)
	defer m.Close()

	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuth)
	waitForState(t, m, connmgr.StateDisconnected)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dials())
	assert.ErrorIs(t, m.LastError(), domain.ErrAuth)
}

func TestStateSubscription(t *testing.T) {
	d := &fakeDialer{}
	m := newManager(d)
	defer m.Close()

	states, unsubscribe := m.SubscribeState()
	defer unsubscribe()

	require.NoError(t, m.Connect(context.Background()))

	seen := make([]connmgr.State, 0, 2)
	timeout := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case s := <-states:
			seen = append(seen, s)
		case <-timeout:
			t.Fatalf("only saw states %v", seen)
		}
	}
	assert.Equal(t, []connmgr.State{connmgr.StateConnecting, connmgr.StateConnected}, seen)
}
