package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcarmo/rdp-session/internal/logging"
	"github.com/rcarmo/rdp-session/internal/transport"
)

// Surface is the rendering collaborator's resize hook. The session never owns
// the surface's lifetime; it only notifies it of acknowledged geometry.
type Surface interface {
	Resized(Geometry)
}

// Session drives one RDP connection through its lifecycle. Connect,
// Disconnect and UpdateViewport enqueue intent and return immediately;
// outcomes arrive on the event stream. All state transitions are applied on a
// single run loop goroutine, so no two transitions race.
type Session struct {
	cfg    *Config
	dialer transport.Dialer
	bus    *eventBus

	inbox chan interface{}
	state atomic.Uint32

	mu             sync.Mutex
	connectPending bool
	closed         bool

	surfaceMu sync.Mutex
	surface   Surface

	done chan struct{}
}

// commands enqueued by the facade
type (
	connectCmd    struct{}
	disconnectCmd struct{}
	viewportCmd   struct{ width, height int }
	closeCmd      struct{}
)

// internal notifications resumed by network events and timers
type (
	handshakeDone struct {
		gen    uint64
		conn   transport.Conn
		result transport.HandshakeResult
		err    error
	}
	transportNotice struct {
		gen   uint64
		event transport.Event
	}
	negotiationExpired struct{ gen uint64 }
	resizeExpired      struct {
		gen       uint64
		resizeGen uint64
	}
)

const inboxSize = 64

// New creates a session for a validated config. The session owns no transport
// until Connect and shares its transport with no other session.
func New(cfg *Config, dialer transport.Dialer) *Session {
	s := &Session{
		cfg:    cfg,
		dialer: dialer,
		bus:    newEventBus(),
		inbox:  make(chan interface{}, inboxSize),
		done:   make(chan struct{}),
	}
	s.state.Store(uint32(StateDisconnected))

	go s.run()

	return s
}

// IsConnected reports whether the session is Active. Non-blocking.
func (s *Session) IsConnected() bool {
	return s.State() == StateActive
}

// State returns the current lifecycle state. Non-blocking.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Events returns a new subscription to the session's event stream.
func (s *Session) Events() Subscription {
	return s.bus.subscribe()
}

// Unsubscribe releases an event subscription.
func (s *Session) Unsubscribe(sub Subscription) {
	s.bus.unsubscribe(sub)
}

// AttachSurface registers the rendering surface to notify on acknowledged
// geometry changes. Passing nil detaches.
func (s *Session) AttachSurface(surface Surface) {
	s.surfaceMu.Lock()
	s.surface = surface
	s.surfaceMu.Unlock()
}

// Connect starts the connection sequence. It fails with ErrInvalidState when
// the session is not Disconnected or Failed, leaving any in-flight operation
// unaffected. Completion arrives as a Connected or ConnectFailed event.
func (s *Session) Connect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}

	if s.connectPending || !s.State().canConnect() {
		state := s.State()
		s.mu.Unlock()
		return fmt.Errorf("%w: connect while %s", ErrInvalidState, state)
	}

	s.connectPending = true
	s.mu.Unlock()

	s.inbox <- connectCmd{}

	return nil
}

// Disconnect requests teardown. It is idempotent: from Disconnected or Failed
// it succeeds without touching the transport. Submitted while a connect is in
// flight, it cancels the handshake and the session lands in Disconnected
// without ever reaching Active.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	s.inbox <- disconnectCmd{}

	return nil
}

// UpdateViewport requests a geometry change. Dimension validation is
// synchronous; everything else is applied in submission order on the run
// loop. While the session is not Active the geometry is recorded and adopted
// as the initial size on activation.
func (s *Session) UpdateViewport(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, width, height)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	s.inbox <- viewportCmd{width: width, height: height}

	return nil
}

// Close disconnects if needed and shuts the session down. The event stream
// closes once teardown completes.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.inbox <- disconnectCmd{}
	s.inbox <- closeCmd{}

	<-s.done

	return nil
}

// run is the session's serialized execution context. It is the only writer of
// the session state.
type loopState struct {
	conn transport.Conn
	neg  *negotiator
	vp   *viewportController

	gen           uint64
	resizeGen     uint64
	connectCancel context.CancelFunc
	pendingStop   bool
	negTimer      *time.Timer
	resizeTimer   *time.Timer
}

func (s *Session) run() {
	defer close(s.done)

	ls := &loopState{vp: newViewportController(s.cfg)}

	for msg := range s.inbox {
		switch m := msg.(type) {
		case connectCmd:
			s.handleConnect(ls)
		case disconnectCmd:
			s.handleDisconnect(ls)
		case viewportCmd:
			s.handleViewport(ls, m)
		case handshakeDone:
			s.handleHandshakeDone(ls, m)
		case transportNotice:
			s.handleTransportNotice(ls, m)
		case negotiationExpired:
			if m.gen == ls.gen && s.State() == StateNegotiating {
				logging.Warn("session: negotiation timeout, degrading unresolved channels")
				s.activate(ls)
			}
		case resizeExpired:
			s.handleResizeExpired(ls, m)
		case closeCmd:
			if ls.conn != nil {
				_ = ls.conn.Close()
			}
			s.stopTimers(ls)
			s.bus.close()
			return
		}
	}
}

func (s *Session) setState(next State) {
	old := s.State()
	if old == next {
		return
	}

	s.state.Store(uint32(next))
	logging.Debug("session: %s -> %s", old, next)
	s.bus.publish(StateChanged{Old: old, New: next})

	if next == StateDisconnected || next == StateFailed {
		s.mu.Lock()
		s.connectPending = false
		s.mu.Unlock()
	}
}

func (s *Session) handleConnect(ls *loopState) {
	if !s.State().canConnect() {
		return
	}

	// A failed session re-enters the lifecycle through Disconnected.
	if s.State() == StateFailed {
		s.setState(StateDisconnected)
	}

	ls.gen++
	gen := ls.gen
	ls.pendingStop = false
	ls.neg = nil

	ctx, cancel := context.WithCancel(context.Background())
	ls.connectCancel = cancel

	s.setState(StateConnecting)
	logging.Info("session: connecting %s", s.cfg)

	cfg := s.cfg
	params := transport.Params{
		Width:  uint16(ls.vp.geometry.Width),  // #nosec G115
		Height: uint16(ls.vp.geometry.Height), // #nosec G115
	}

	go func() {
		conn, err := s.dialer.Open(ctx, cfg.Hostname(), cfg.Port())
		if err != nil {
			s.post(handshakeDone{gen: gen, err: err})
			return
		}

		creds := transport.Credentials{
			Username: cfg.Username(),
			Password: cfg.Password(),
		}

		result, err := conn.Handshake(ctx, creds, params)
		if err != nil {
			_ = conn.Close()
			s.post(handshakeDone{gen: gen, err: err})
			return
		}

		s.post(handshakeDone{gen: gen, conn: conn, result: result})
	}()
}

func (s *Session) handleHandshakeDone(ls *loopState, m handshakeDone) {
	if m.gen != ls.gen {
		// A stale handshake from a superseded connect; release its transport.
		if m.conn != nil {
			_ = m.conn.Close()
		}
		return
	}

	ls.connectCancel = nil

	if ls.pendingStop {
		// Disconnect arrived while the handshake was in flight.
		if m.conn != nil {
			_ = m.conn.Close()
		}
		ls.pendingStop = false
		s.setState(StateDisconnected)
		s.bus.publish(Disconnected{})
		return
	}

	if m.err != nil {
		s.setState(StateFailed)
		s.bus.publish(ConnectFailed{Err: &TransportError{Op: "handshake", Err: m.err}})
		return
	}

	ls.conn = m.conn
	logging.Info("session: handshake complete protocol=%s", m.result.Protocol)

	go s.pump(ls.gen, m.conn)

	s.setState(StateNegotiating)
	ls.neg = newNegotiator(s.cfg)

	kinds := ls.neg.pending()
	if len(kinds) == 0 {
		s.activate(ls)
		return
	}

	for _, kind := range kinds {
		if err := ls.conn.RequestChannel(context.Background(), kind); err != nil {
			s.failConnect(ls, &TransportError{Op: "channel request", Err: err})
			return
		}
	}

	gen := ls.gen
	ls.negTimer = time.AfterFunc(s.cfg.NegotiationTimeout(), func() {
		s.post(negotiationExpired{gen: gen})
	})
}

// pump forwards transport events into the run loop, preserving their order.
func (s *Session) pump(gen uint64, conn transport.Conn) {
	for event := range conn.Events() {
		s.post(transportNotice{gen: gen, event: event})
	}
}

func (s *Session) handleTransportNotice(ls *loopState, m transportNotice) {
	if m.gen != ls.gen {
		return
	}

	switch event := m.event.(type) {
	case transport.ChannelResolved:
		if s.State() != StateNegotiating || ls.neg == nil {
			return
		}
		logging.Debug("session: channel %s accepted=%t", event.Kind, event.Accepted)
		ls.neg.resolve(event.Kind, event.Accepted)
		if ls.neg.resolved() {
			s.activate(ls)
		}

	case transport.ResizeAck:
		if s.State() != StateActive {
			return
		}
		s.stopResizeTimer(ls)
		nextW, nextH, hasNext := ls.vp.commit(int(event.Width), int(event.Height))
		s.bus.publish(ViewportApplied{Geometry: ls.vp.geometry})
		s.notifySurface(ls.vp.geometry)
		if hasNext {
			s.issueResize(ls, nextW, nextH)
		}

	case transport.Closed:
		s.handleClosed(ls, event)
	}
}

func (s *Session) handleClosed(ls *loopState, event transport.Closed) {
	s.stopTimers(ls)
	ls.conn = nil

	switch s.State() {
	case StateDisconnecting:
		s.setState(StateDisconnected)
		s.bus.publish(Disconnected{})

	case StateNegotiating:
		err := event.Err
		if err == nil {
			err = errors.New("connection closed by server")
		}
		s.setState(StateFailed)
		s.bus.publish(ConnectFailed{Err: &TransportError{Op: "negotiation", Err: err}})

	case StateActive:
		err := event.Err
		if err == nil {
			err = errors.New("connection closed by server")
		}
		ls.vp.abortResize()
		s.setState(StateFailed)
		s.bus.publish(TransportFailed{Err: &TransportError{Op: "session", Err: err}})
	}
}

// activate finalizes negotiation and enters Active. Channel rejection is
// degradation, not failure: the session comes up with whatever the server
// granted.
func (s *Session) activate(ls *loopState) {
	s.stopNegTimer(ls)

	channels, degraded := ls.neg.finalize()

	for _, req := range degraded {
		logging.Warn("session: channel %s degraded", req.Kind)
	}

	s.setState(StateActive)
	s.bus.publish(Connected{Channels: channels, Degraded: degraded})
}

func (s *Session) failConnect(ls *loopState, err error) {
	s.stopTimers(ls)
	if ls.conn != nil {
		_ = ls.conn.Close()
		ls.conn = nil
	}
	s.setState(StateFailed)
	s.bus.publish(ConnectFailed{Err: err})
}

func (s *Session) handleDisconnect(ls *loopState) {
	switch s.State() {
	case StateDisconnected:
		// Idempotent; no transport call.
		s.bus.publish(Disconnected{})

	case StateFailed:
		s.setState(StateDisconnected)
		s.bus.publish(Disconnected{})

	case StateConnecting:
		ls.pendingStop = true
		if ls.connectCancel != nil {
			ls.connectCancel()
		}

	case StateNegotiating, StateActive:
		s.stopTimers(ls)
		s.setState(StateDisconnecting)
		if ls.conn != nil {
			_ = ls.conn.Close()
			// Closed arrives on the event stream and completes the teardown.
		} else {
			s.setState(StateDisconnected)
			s.bus.publish(Disconnected{})
		}

	case StateDisconnecting:
		// Teardown already in progress.
	}
}

func (s *Session) handleViewport(ls *loopState, m viewportCmd) {
	if s.State() != StateActive {
		ls.vp.record(m.width, m.height)
		return
	}

	switch ls.vp.decide(s.State(), m.width, m.height) {
	case resizeLive:
		s.issueResize(ls, m.width, m.height)
	case resizeNone:
		// Local presentation concern; nothing crosses the transport.
	}
}

func (s *Session) issueResize(ls *loopState, width, height int) {
	if !ls.vp.beginResize(width, height) {
		// One resize in flight at a time; the latest request is queued.
		return
	}

	err := ls.conn.Resize(context.Background(), uint32(width), uint32(height)) // #nosec G115
	if err != nil {
		ls.vp.abortResize()
		s.bus.publish(ViewportFailed{Err: &TransportError{Op: "resize", Err: err}})
		return
	}

	ls.resizeGen++
	gen := ls.gen
	resizeGen := ls.resizeGen
	ls.resizeTimer = time.AfterFunc(s.cfg.ResizeAckTimeout(), func() {
		s.post(resizeExpired{gen: gen, resizeGen: resizeGen})
	})
}

func (s *Session) handleResizeExpired(ls *loopState, m resizeExpired) {
	if m.gen != ls.gen || m.resizeGen != ls.resizeGen || s.State() != StateActive {
		return
	}

	width, height := ls.vp.inFlightW, ls.vp.inFlightH
	ls.vp.abortResize()
	s.bus.publish(ViewportFailed{
		Err: fmt.Errorf("resize %dx%d not acknowledged within %v", width, height, s.cfg.ResizeAckTimeout()),
	})
}

func (s *Session) notifySurface(geometry Geometry) {
	s.surfaceMu.Lock()
	surface := s.surface
	s.surfaceMu.Unlock()

	if surface != nil {
		surface.Resized(geometry)
	}
}

func (s *Session) post(msg interface{}) {
	select {
	case s.inbox <- msg:
	case <-s.done:
	}
}

func (s *Session) stopNegTimer(ls *loopState) {
	if ls.negTimer != nil {
		ls.negTimer.Stop()
		ls.negTimer = nil
	}
}

func (s *Session) stopResizeTimer(ls *loopState) {
	if ls.resizeTimer != nil {
		ls.resizeTimer.Stop()
		ls.resizeTimer = nil
	}
}

func (s *Session) stopTimers(ls *loopState) {
	s.stopNegTimer(ls)
	s.stopResizeTimer(ls)
}
