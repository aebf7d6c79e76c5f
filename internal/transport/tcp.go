package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcarmo/rdp-session/internal/logging"
)

const (
	defaultDialTimeout = 5 * time.Second
	readBufferSize     = 64 * 1024
	eventBufferSize    = 32
)

// TCPTransport opens RDP engine connections over TCP, upgrading to TLS when
// the server selects enhanced security.
type TCPTransport struct {
	DialTimeout   time.Duration
	SkipTLSVerify bool
	ServerName    string
}

// Open dials the server. The returned Conn is not usable until Handshake
// completes.
func (t *TCPTransport) Open(ctx context.Context, host string, port uint16) (Conn, error) {
	timeout := t.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}

	dialer := net.Dialer{Timeout: timeout}

	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp connect: %w", err)
	}

	return &tcpConn{
		conn:          netConn,
		buffReader:    bufio.NewReaderSize(netConn, readBufferSize),
		events:        make(chan Event, eventBufferSize),
		host:          host,
		skipTLSVerify: t.SkipTLSVerify,
		serverName:    t.ServerName,
		channelKinds:  make(map[uint32]ChannelKind),
		nextChannelID: 1,
	}, nil
}

type tcpConn struct {
	conn       net.Conn
	buffReader *bufio.Reader

	host          string
	skipTLSVerify bool
	serverName    string

	writeMu sync.Mutex
	events  chan Event
	closing atomic.Bool
	started bool

	mu               sync.Mutex
	channelKinds     map[uint32]ChannelKind
	nextChannelID    uint32
	displayChannelID uint32
	displayReady     bool
	pendingWidth     uint32
	pendingHeight    uint32
	hasPending       bool
	resizeInFlight   bool
	inFlightWidth    uint32
	inFlightHeight   uint32
}

// Handshake performs X.224 connection negotiation and the TLS upgrade, then
// starts the receive loop. Credentials beyond the routing cookie stay behind
// the engine boundary; authentication failures surface as handshake errors.
func (c *tcpConn) Handshake(ctx context.Context, creds Credentials, params Params) (HandshakeResult, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
	}

	req, err := serializeConnectionRequest(creds.Username, ProtocolSSL)
	if err != nil {
		return HandshakeResult{}, err
	}

	if err = c.writeFrameLocked(req); err != nil {
		return HandshakeResult{}, fmt.Errorf("connection request: %w", err)
	}

	resp, err := readFrame(c.buffReader)
	if err != nil {
		return HandshakeResult{}, fmt.Errorf("connection confirm: %w", err)
	}

	selected, err := parseConnectionConfirm(resp)
	if err != nil {
		return HandshakeResult{}, err
	}

	result := HandshakeResult{Protocol: "rdp"}

	if selected&ProtocolSSL != 0 {
		if err = c.startTLS(); err != nil {
			return HandshakeResult{}, err
		}
		result.Protocol = "ssl"
	}

	logging.Debug("transport: handshake complete host=%s protocol=%s size=%dx%d",
		c.host, result.Protocol, params.Width, params.Height)

	c.started = true
	go c.readLoop()

	return result, nil
}

func (c *tcpConn) startTLS() error {
	serverName := c.serverName
	if serverName == "" && net.ParseIP(c.host) == nil {
		serverName = c.host
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: c.skipTLSVerify, // #nosec G402 -- operator opt-in for self-signed RDP hosts
		MinVersion:         tls.VersionTLS12,
		ServerName:         serverName,
	}

	// RDP hosts commonly present self-signed certificates; when verification
	// is skipped, older servers also need legacy TLS.
	if c.skipTLSVerify {
		tlsConfig.MinVersion = tls.VersionTLS10
		if tlsConfig.ServerName == "" {
			tlsConfig.ServerName = c.host
		}
	}

	tlsConn := tls.Client(c.conn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}

	c.conn = tlsConn
	c.buffReader = bufio.NewReaderSize(c.conn, readBufferSize)

	return nil
}

// RequestChannel sends a dynamic channel create request. The server's
// accept/reject decision arrives later as a ChannelResolved event.
func (c *tcpConn) RequestChannel(ctx context.Context, kind ChannelKind) error {
	c.mu.Lock()
	channelID := c.nextChannelID
	c.nextChannelID++
	c.channelKinds[channelID] = kind
	c.mu.Unlock()

	pduData := serializeChannelCreate(channelID, kind.String())

	if err := c.writeFrame(ctx, pduData); err != nil {
		return fmt.Errorf("request channel %s: %w", kind, err)
	}

	return nil
}

// Resize sends a monitor layout for the new geometry, creating the display
// control channel on first use. The ack arrives as a ResizeAck event once the
// server re-advertises its display caps.
func (c *tcpConn) Resize(ctx context.Context, width, height uint32) error {
	c.mu.Lock()

	if c.displayChannelID == 0 {
		channelID := c.nextChannelID
		c.nextChannelID++
		c.displayChannelID = channelID
		c.pendingWidth = width
		c.pendingHeight = height
		c.hasPending = true
		c.mu.Unlock()

		pduData := serializeChannelCreate(channelID, displayChannelName)
		if err := c.writeFrame(ctx, pduData); err != nil {
			return fmt.Errorf("open display channel: %w", err)
		}
		return nil
	}

	if !c.displayReady {
		// Channel create still outstanding; latest geometry wins.
		c.pendingWidth = width
		c.pendingHeight = height
		c.hasPending = true
		c.mu.Unlock()
		return nil
	}

	channelID := c.displayChannelID
	c.resizeInFlight = true
	c.inFlightWidth = width
	c.inFlightHeight = height
	c.mu.Unlock()

	pduData, err := serializeMonitorLayout(channelID, width, height)
	if err != nil {
		return err
	}

	if err = c.writeFrame(ctx, pduData); err != nil {
		return fmt.Errorf("resize: %w", err)
	}

	return nil
}

// Events returns the asynchronous notification stream. The channel is closed
// after a Closed event once the receive loop exits.
func (c *tcpConn) Events() <-chan Event {
	return c.events
}

// Close tears down the connection. Channel teardown rides on the transport
// close; the server reclaims dynamic channels when the X.224 connection drops.
func (c *tcpConn) Close() error {
	c.closing.Store(true)

	err := c.conn.Close()

	// The read loop delivers Closed and closes the events channel. If the
	// handshake never completed there is no loop, so deliver it here.
	if !c.started {
		c.events <- Closed{}
		close(c.events)
	}

	return err
}

func (c *tcpConn) writeFrame(ctx context.Context, pduData []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}

	return c.writeFrameLocked(pduData)
}

func (c *tcpConn) writeFrameLocked(pduData []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return writeFrame(c.conn, pduData)
}

func (c *tcpConn) readLoop() {
	for {
		frame, err := readFrame(c.buffReader)
		if err != nil {
			if c.closing.Load() {
				c.events <- Closed{}
			} else {
				c.events <- Closed{Err: err}
			}
			close(c.events)
			return
		}

		if len(frame) == 0 {
			continue
		}

		if err = c.handleFrame(frame); err != nil {
			logging.Warn("transport: dropping frame: %v", err)
		}
	}
}

func (c *tcpConn) handleFrame(frame []byte) error {
	switch frame[0] >> 4 {
	case dvcCmdCreate:
		return c.handleChannelResponse(frame)
	case dvcCmdData:
		return c.handleChannelData(frame)
	case dvcCmdClose:
		return nil
	default:
		// Engine-internal traffic the session layer does not consume.
		return nil
	}
}

func (c *tcpConn) handleChannelResponse(frame []byte) error {
	channelID, accepted, err := parseChannelResponse(frame)
	if err != nil {
		return err
	}

	c.mu.Lock()

	if channelID == c.displayChannelID {
		if !accepted {
			c.displayChannelID = 0
			c.hasPending = false
		}
		c.mu.Unlock()
		// Ready state waits for the server's caps advertisement.
		return nil
	}

	kind, ok := c.channelKinds[channelID]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("create response for unknown channel %d", channelID)
	}

	c.events <- ChannelResolved{Kind: kind, Accepted: accepted}

	return nil
}

func (c *tcpConn) handleChannelData(frame []byte) error {
	channelID, payload, err := parseChannelData(frame)
	if err != nil {
		return err
	}

	c.mu.Lock()

	if channelID != c.displayChannelID || !isDisplayCaps(payload) {
		c.mu.Unlock()
		return nil
	}

	if !c.displayReady {
		c.displayReady = true
		if c.hasPending {
			width := c.pendingWidth
			height := c.pendingHeight
			c.hasPending = false
			c.mu.Unlock()
			return c.Resize(context.Background(), width, height)
		}
		c.mu.Unlock()
		return nil
	}

	if c.resizeInFlight {
		width := c.inFlightWidth
		height := c.inFlightHeight
		c.resizeInFlight = false
		c.mu.Unlock()
		c.events <- ResizeAck{Width: width, Height: height}
		return nil
	}

	c.mu.Unlock()
	return nil
}
