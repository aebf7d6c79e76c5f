package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcarmo/rdp-session/internal/transport"
)

// fakeConn is a scripted engine connection.
type fakeConn struct {
	mu        sync.Mutex
	events    chan transport.Event
	closed    bool
	requested []transport.ChannelKind
	resizes   [][2]uint32

	handshakeErr   error
	handshakeBlock chan struct{} // when set, Handshake waits for it or ctx

	accept  map[transport.ChannelKind]bool // scripted outcome per kind
	silent  map[transport.ChannelKind]bool // never respond
	ackMu   sync.Mutex
	autoAck bool // acknowledge resizes immediately
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan transport.Event, 32),
		accept: make(map[transport.ChannelKind]bool),
		silent: make(map[transport.ChannelKind]bool),
	}
}

func (c *fakeConn) Handshake(ctx context.Context, _ transport.Credentials, _ transport.Params) (transport.HandshakeResult, error) {
	if c.handshakeBlock != nil {
		select {
		case <-c.handshakeBlock:
		case <-ctx.Done():
			return transport.HandshakeResult{}, ctx.Err()
		}
	}

	if c.handshakeErr != nil {
		return transport.HandshakeResult{}, c.handshakeErr
	}

	return transport.HandshakeResult{Protocol: "ssl"}, nil
}

func (c *fakeConn) RequestChannel(_ context.Context, kind transport.ChannelKind) error {
	c.mu.Lock()
	c.requested = append(c.requested, kind)
	silent := c.silent[kind]
	accepted := c.accept[kind]
	c.mu.Unlock()

	if !silent {
		c.events <- transport.ChannelResolved{Kind: kind, Accepted: accepted}
	}

	return nil
}

func (c *fakeConn) Resize(_ context.Context, width, height uint32) error {
	c.mu.Lock()
	c.resizes = append(c.resizes, [2]uint32{width, height})
	c.mu.Unlock()

	c.ackMu.Lock()
	auto := c.autoAck
	c.ackMu.Unlock()

	if auto {
		c.events <- transport.ResizeAck{Width: width, Height: height}
	}

	return nil
}

func (c *fakeConn) ack(width, height uint32) {
	c.events <- transport.ResizeAck{Width: width, Height: height}
}

func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.events <- transport.Closed{Err: err}
	close(c.events)
}

func (c *fakeConn) Events() <-chan transport.Event {
	return c.events
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.events <- transport.Closed{}
	close(c.events)
	return nil
}

func (c *fakeConn) requestedKinds() []transport.ChannelKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.ChannelKind, len(c.requested))
	copy(out, c.requested)
	return out
}

func (c *fakeConn) resizeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resizes)
}

type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	next    *fakeConn
	openErr error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{next: newFakeConn()}
}

func (d *fakeDialer) Open(_ context.Context, _ string, _ uint16) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.openErr != nil {
		return nil, d.openErr
	}

	conn := d.next
	d.conns = append(d.conns, conn)
	d.next = newFakeConn()
	return conn, nil
}

func testConfig(t *testing.T, opts ...func(*ConfigBuilder)) *Config {
	t.Helper()

	builder := NewConfigBuilder("rdp.example.com").
		Credentials("tester", "hunter2").
		NegotiationTimeout(200 * time.Millisecond).
		ResizeAckTimeout(200 * time.Millisecond)

	for _, opt := range opts {
		opt(builder)
	}

	cfg, err := builder.Build()
	require.NoError(t, err)
	return cfg
}

// waitFor reads events until match returns true or the timeout elapses.
func waitFor(t *testing.T, sub Subscription, match func(interface{}) bool) interface{} {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event, ok := <-sub:
			if !ok {
				t.Fatal("event stream closed while waiting")
			}
			if match(event) {
				return event
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
		}
	}
}

func waitForState(t *testing.T, sub Subscription, want State) {
	t.Helper()
	waitFor(t, sub, func(event interface{}) bool {
		change, ok := event.(StateChanged)
		return ok && change.New == want
	})
}

func TestSessionConnectReachesActive(t *testing.T) {
	dialer := newFakeDialer()
	sess := New(testConfig(t), dialer)
	defer sess.Close()

	sub := sess.Events()
	defer sess.Unsubscribe(sub)

	require.NoError(t, sess.Connect())

	connected := waitFor(t, sub, func(event interface{}) bool {
		_, ok := event.(Connected)
		return ok
	}).(Connected)

	assert.Empty(t, connected.Degraded)
	assert.True(t, sess.IsConnected())
	assert.Equal(t, StateActive, sess.State())
}

func TestSessionSecondConnectFailsInvalidState(t *testing.T) {
	dialer := newFakeDialer()
	dialer.next.handshakeBlock = make(chan struct{})
	block := dialer.next.handshakeBlock

	sess := New(testConfig(t), dialer)
	defer sess.Close()

	sub := sess.Events()
	defer sess.Unsubscribe(sub)

	require.NoError(t, sess.Connect())

	err := sess.Connect()
	require.ErrorIs(t, err, ErrInvalidState)

	// The first connect is unaffected and still reaches Active.
	close(block)
	waitForState(t, sub, StateActive)
	assert.True(t, sess.IsConnected())
}

func TestSessionChannelDegradation(t *testing.T) {
	dialer := newFakeDialer()
	conn := dialer.next
	conn.accept[transport.ChannelClipboard] = true
	conn.accept[transport.ChannelAudio] = false
	conn.accept[transport.ChannelDriveRedirection] = false

	cfg := testConfig(t, func(b *ConfigBuilder) {
		b.Clipboard(true).Sound(SoundRemote).DriveRedirection(true)
	})

	sess := New(cfg, dialer)
	defer sess.Close()

	sub := sess.Events()
	defer sess.Unsubscribe(sub)

	require.NoError(t, sess.Connect())

	connected := waitFor(t, sub, func(event interface{}) bool {
		_, ok := event.(Connected)
		return ok
	}).(Connected)

	states := make(map[transport.ChannelKind]NegotiatedState)
	for _, req := range connected.Channels {
		states[req.Kind] = req.State
	}

	assert.Equal(t, ChannelAccepted, states[transport.ChannelClipboard])
	assert.Equal(t, ChannelRejected, states[transport.ChannelAudio])
	assert.Equal(t, ChannelRejected, states[transport.ChannelDriveRedirection])
	assert.Len(t, connected.Degraded, 2)
	assert.True(t, sess.IsConnected())
}

func TestSessionSilentChannelTimesOutRejected(t *testing.T) {
	dialer := newFakeDialer()
	conn := dialer.next
	conn.accept[transport.ChannelClipboard] = true
	conn.silent[transport.ChannelAudio] = true

	cfg := testConfig(t, func(b *ConfigBuilder) {
		b.Clipboard(true).Sound(SoundRemote)
	})

	sess := New(cfg, dialer)
	defer sess.Close()

	sub := sess.Events()
	defer sess.Unsubscribe(sub)

	require.NoError(t, sess.Connect())

	connected := waitFor(t, sub, func(event interface{}) bool {
		_, ok := event.(Connected)
		return ok
	}).(Connected)

	states := make(map[transport.ChannelKind]NegotiatedState)
	for _, req := range connected.Channels {
		states[req.Kind] = req.State
	}

	assert.Equal(t, ChannelAccepted, states[transport.ChannelClipboard])
	assert.Equal(t, ChannelRejected, states[transport.ChannelAudio])
	assert.True(t, sess.IsConnected())
}

func TestSessionDisconnectWhileDisconnectedIsIdempotent(t *testing.T) {
	dialer := newFakeDialer()
	sess := New(testConfig(t), dialer)
	defer sess.Close()

	sub := sess.Events()
	defer sess.Unsubscribe(sub)

	require.NoError(t, sess.Disconnect())

	waitFor(t, sub, func(event interface{}) bool {
		_, ok := event.(Disconnected)
		return ok
	})

	// No transport was ever opened.
	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	assert.Empty(t, dialer.conns)
}

func TestSessionDisconnectCancelsPendingConnect(t *testing.T) {
	dialer := newFakeDialer()
	conn := dialer.next
	conn.handshakeBlock = make(chan struct{}) // never released

	sess := New(testConfig(t), dialer)
	defer sess.Close()

	sub := sess.Events()
	defer sess.Unsubscribe(sub)

	require.NoError(t, sess.Connect())
	require.NoError(t, sess.Disconnect())

	sawActive := false
	waitFor(t, sub, func(event interface{}) bool {
		if change, ok := event.(StateChanged); ok && change.New == StateActive {
			sawActive = true
		}
		_, ok := event.(Disconnected)
		return ok
	})

	assert.False(t, sawActive, "session must never reach Active")
	assert.Equal(t, StateDisconnected, sess.State())
	assert.Empty(t, conn.requestedKinds(), "no channel may be opened")
}

func TestSessionLiveResizeCommitsOnAck(t *testing.T) {
	dialer := newFakeDialer()
	conn := dialer.next

	cfg := testConfig(t, func(b *ConfigBuilder) {
		b.DisplayMode(DisplayFixed).Size(1024, 768)
	})

	sess := New(cfg, dialer)
	defer sess.Close()

	sub := sess.Events()
	defer sess.Unsubscribe(sub)

	require.NoError(t, sess.Connect())
	waitForState(t, sub, StateActive)

	require.NoError(t, sess.UpdateViewport(800, 600))

	// Exactly one resize request on the wire, and no commit before the ack.
	require.Eventually(t, func() bool {
		return conn.resizeCount() == 1
	}, time.Second, 5*time.Millisecond)

	quiet := time.After(50 * time.Millisecond)
drain:
	for {
		select {
		case event := <-sub:
			if _, ok := event.(ViewportApplied); ok {
				t.Fatal("geometry committed before acknowledgment")
			}
		case <-quiet:
			break drain
		}
	}

	conn.ack(800, 600)

	applied := waitFor(t, sub, func(event interface{}) bool {
		_, ok := event.(ViewportApplied)
		return ok
	}).(ViewportApplied)

	assert.Equal(t, 800, applied.Geometry.Width)
	assert.Equal(t, 600, applied.Geometry.Height)
	assert.Equal(t, 1, conn.resizeCount())
}

func TestSessionResizeAckTimeout(t *testing.T) {
	dialer := newFakeDialer()

	cfg := testConfig(t, func(b *ConfigBuilder) {
		b.DisplayMode(DisplayFixed).Size(1024, 768).ResizeAckTimeout(50 * time.Millisecond)
	})

	sess := New(cfg, dialer)
	defer sess.Close()

	sub := sess.Events()
	defer sess.Unsubscribe(sub)

	require.NoError(t, sess.Connect())
	waitForState(t, sub, StateActive)

	require.NoError(t, sess.UpdateViewport(800, 600))

	waitFor(t, sub, func(event interface{}) bool {
		_, ok := event.(ViewportFailed)
		return ok
	})

	// The session survives the failed resize.
	assert.True(t, sess.IsConnected())
}

func TestSessionUpdateViewportValidatesGeometry(t *testing.T) {
	dialer := newFakeDialer()
	sess := New(testConfig(t), dialer)
	defer sess.Close()

	tests := []struct {
		name   string
		width  int
		height int
	}{
		{"zero width", 0, 600},
		{"zero height", 800, 0},
		{"negative width", -1, 600},
		{"negative height", 800, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sess.UpdateViewport(tt.width, tt.height)
			assert.ErrorIs(t, err, ErrInvalidGeometry)
		})
	}
}

func TestSessionGeometryRecordedBeforeActive(t *testing.T) {
	dialer := newFakeDialer()
	conn := dialer.next
	conn.handshakeBlock = make(chan struct{})

	cfg := testConfig(t, func(b *ConfigBuilder) {
		b.DisplayMode(DisplayFixed).Size(1024, 768)
	})

	sess := New(cfg, dialer)
	defer sess.Close()

	sub := sess.Events()
	defer sess.Unsubscribe(sub)

	require.NoError(t, sess.Connect())
	require.NoError(t, sess.UpdateViewport(1920, 1080))

	close(conn.handshakeBlock)
	waitForState(t, sub, StateActive)

	// The recorded geometry became the initial size with no resize call.
	assert.Equal(t, 0, conn.resizeCount())
}

func TestSessionTransportFailureWhileActive(t *testing.T) {
	dialer := newFakeDialer()
	conn := dialer.next

	sess := New(testConfig(t), dialer)
	defer sess.Close()

	sub := sess.Events()
	defer sess.Unsubscribe(sub)

	require.NoError(t, sess.Connect())
	waitForState(t, sub, StateActive)

	conn.fail(assert.AnError)

	failed := waitFor(t, sub, func(event interface{}) bool {
		_, ok := event.(TransportFailed)
		return ok
	}).(TransportFailed)

	var transportErr *TransportError
	require.ErrorAs(t, failed.Err, &transportErr)
	assert.Equal(t, StateFailed, sess.State())
	assert.False(t, sess.IsConnected())

	// An explicit reconnect is allowed from Failed.
	require.NoError(t, sess.Connect())
	waitForState(t, sub, StateActive)
	assert.True(t, sess.IsConnected())
}

func TestSessionHandshakeFailure(t *testing.T) {
	dialer := newFakeDialer()
	dialer.next.handshakeErr = assert.AnError

	sess := New(testConfig(t), dialer)
	defer sess.Close()

	sub := sess.Events()
	defer sess.Unsubscribe(sub)

	require.NoError(t, sess.Connect())

	failed := waitFor(t, sub, func(event interface{}) bool {
		_, ok := event.(ConnectFailed)
		return ok
	}).(ConnectFailed)

	var transportErr *TransportError
	require.ErrorAs(t, failed.Err, &transportErr)
	assert.Equal(t, "handshake", transportErr.Op)
	assert.Equal(t, StateFailed, sess.State())
}

func TestSessionDisconnectFromActive(t *testing.T) {
	dialer := newFakeDialer()

	sess := New(testConfig(t), dialer)
	defer sess.Close()

	sub := sess.Events()
	defer sess.Unsubscribe(sub)

	require.NoError(t, sess.Connect())
	waitForState(t, sub, StateActive)

	require.NoError(t, sess.Disconnect())

	waitFor(t, sub, func(event interface{}) bool {
		_, ok := event.(Disconnected)
		return ok
	})

	assert.Equal(t, StateDisconnected, sess.State())
	assert.False(t, sess.IsConnected())
}

type recordingSurface struct {
	mu      sync.Mutex
	resized []Geometry
}

func (s *recordingSurface) Resized(g Geometry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resized = append(s.resized, g)
}

func TestSessionNotifiesSurfaceOnAck(t *testing.T) {
	dialer := newFakeDialer()
	conn := dialer.next
	conn.autoAck = true

	cfg := testConfig(t, func(b *ConfigBuilder) {
		b.DisplayMode(DisplayFixed).Size(1024, 768)
	})

	surface := &recordingSurface{}

	sess := New(cfg, dialer)
	defer sess.Close()
	sess.AttachSurface(surface)

	sub := sess.Events()
	defer sess.Unsubscribe(sub)

	require.NoError(t, sess.Connect())
	waitForState(t, sub, StateActive)

	require.NoError(t, sess.UpdateViewport(800, 600))

	waitFor(t, sub, func(event interface{}) bool {
		_, ok := event.(ViewportApplied)
		return ok
	})

	surface.mu.Lock()
	defer surface.mu.Unlock()
	require.Len(t, surface.resized, 1)
	assert.Equal(t, 800, surface.resized[0].Width)
	assert.Equal(t, 600, surface.resized[0].Height)
}

func TestSessionOperationsAfterClose(t *testing.T) {
	dialer := newFakeDialer()
	sess := New(testConfig(t), dialer)

	require.NoError(t, sess.Close())

	assert.ErrorIs(t, sess.Connect(), ErrSessionClosed)
	assert.ErrorIs(t, sess.Disconnect(), ErrSessionClosed)
	assert.ErrorIs(t, sess.UpdateViewport(800, 600), ErrSessionClosed)
}
