// Package transport defines the narrow boundary between the session core and
// the RDP engine: opening a connection, performing the handshake, requesting
// virtual channels, and resizing the remote display. Everything deeper in the
// protocol stack (capability sets, licensing, the graphics pipeline) stays
// behind this boundary.
package transport

import "context"

// ChannelKind identifies an optional virtual channel.
type ChannelKind uint8

const (
	ChannelClipboard ChannelKind = iota
	ChannelAudio
	ChannelDriveRedirection
)

var channelNames = map[ChannelKind]string{
	ChannelClipboard:        "cliprdr",
	ChannelAudio:            "rdpsnd",
	ChannelDriveRedirection: "rdpdr",
}

// String returns the RDP channel name for the kind.
func (k ChannelKind) String() string {
	if name, ok := channelNames[k]; ok {
		return name
	}
	return "unknown"
}

// Credentials carries the authentication material for the handshake. The
// password is opaque to this package and must never appear in logs.
type Credentials struct {
	Domain   string
	Username string
	Password string
}

// Params carries the display parameters negotiated once at handshake time.
type Params struct {
	Width      uint16
	Height     uint16
	ColorDepth int
}

// HandshakeResult reports the outcome of a successful handshake.
type HandshakeResult struct {
	Protocol      string
	ServerVersion string
}

// Event is implemented by asynchronous notifications surfaced by a Conn.
type Event interface{ transportEvent() }

// ChannelResolved reports the server's decision for one requested channel.
type ChannelResolved struct {
	Kind     ChannelKind
	Accepted bool
}

// ResizeAck reports that the server applied a requested display size.
type ResizeAck struct {
	Width  uint32
	Height uint32
}

// Closed reports that the connection terminated. Err is nil for a close
// initiated by the local side.
type Closed struct {
	Err error
}

func (ChannelResolved) transportEvent() {}

func (ResizeAck) transportEvent() {}

func (Closed) transportEvent() {}

// Conn is a live engine connection owned by exactly one session.
//
// RequestChannel and Resize return once the request is on the wire; the
// outcome arrives later on Events. Events is closed after a Closed event
// has been delivered.
type Conn interface {
	Handshake(ctx context.Context, creds Credentials, params Params) (HandshakeResult, error)
	RequestChannel(ctx context.Context, kind ChannelKind) error
	Resize(ctx context.Context, width, height uint32) error
	Events() <-chan Event
	Close() error
}

// Dialer opens engine connections.
type Dialer interface {
	Open(ctx context.Context, host string, port uint16) (Conn, error)
}
