package session

import (
	"github.com/rcarmo/rdp-session/internal/transport"
)

// NegotiatedState is the resolution of one channel request. Requests resolve
// exactly once during Negotiating and are immutable afterward; a rejected
// channel never becomes available mid-session.
type NegotiatedState uint8

const (
	ChannelNotRequested NegotiatedState = iota
	ChannelPending
	ChannelAccepted
	ChannelRejected
)

func (s NegotiatedState) String() string {
	switch s {
	case ChannelNotRequested:
		return "not-requested"
	case ChannelPending:
		return "pending"
	case ChannelAccepted:
		return "accepted"
	case ChannelRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ChannelRequest tracks one optional capability through negotiation.
type ChannelRequest struct {
	Kind      transport.ChannelKind
	Requested bool
	State     NegotiatedState
}

// negotiator owns the per-channel bookkeeping for one negotiation round. The
// server resolves each channel independently and possibly out of order; the
// negotiator buffers outcomes until all requested channels resolve or the
// negotiation timeout finalizes the snapshot.
type negotiator struct {
	requests []ChannelRequest
	final    bool
}

// newNegotiator builds the request set from config flags. Sound only requests
// the audio channel in remote mode: local playback decodes from the graphics
// stream and off suppresses audio entirely.
func newNegotiator(cfg *Config) *negotiator {
	requests := []ChannelRequest{
		{Kind: transport.ChannelClipboard, Requested: cfg.ClipboardEnabled()},
		{Kind: transport.ChannelAudio, Requested: cfg.SoundMode() == SoundRemote},
		{Kind: transport.ChannelDriveRedirection, Requested: cfg.DriveRedirectionEnabled()},
	}

	for i := range requests {
		if requests[i].Requested {
			requests[i].State = ChannelPending
		}
	}

	return &negotiator{requests: requests}
}

// pending returns the kinds that still need a request on the wire.
func (n *negotiator) pending() []transport.ChannelKind {
	var kinds []transport.ChannelKind
	for _, req := range n.requests {
		if req.State == ChannelPending {
			kinds = append(kinds, req.Kind)
		}
	}
	return kinds
}

// resolve records a server outcome for one channel. Outcomes after
// finalization and duplicate outcomes are ignored; resolution happens once.
func (n *negotiator) resolve(kind transport.ChannelKind, accepted bool) {
	if n.final {
		return
	}

	for i := range n.requests {
		if n.requests[i].Kind != kind || n.requests[i].State != ChannelPending {
			continue
		}
		if accepted {
			n.requests[i].State = ChannelAccepted
		} else {
			n.requests[i].State = ChannelRejected
		}
		return
	}
}

// resolved reports whether every requested channel has an outcome.
func (n *negotiator) resolved() bool {
	for _, req := range n.requests {
		if req.State == ChannelPending {
			return false
		}
	}
	return true
}

// finalize closes the round. Channels still pending are marked rejected: a
// silent channel degrades rather than blocking the session. Returns the
// immutable snapshot and the degraded subset.
func (n *negotiator) finalize() (channels, degraded []ChannelRequest) {
	n.final = true

	for i := range n.requests {
		if n.requests[i].State == ChannelPending {
			n.requests[i].State = ChannelRejected
		}
	}

	channels = make([]ChannelRequest, len(n.requests))
	copy(channels, n.requests)

	for _, req := range channels {
		if req.Requested && req.State == ChannelRejected {
			degraded = append(degraded, req)
		}
	}

	return channels, degraded
}
