package session

import (
	"github.com/cskr/pubsub"
)

// Asynchronous outcomes are reported as events on a per-session stream.
// connect/disconnect/updateViewport enqueue intent and return; completion or
// failure arrives here.

// StateChanged reports a lifecycle transition.
type StateChanged struct {
	Old State
	New State
}

// Connected reports that the session reached Active. Channels holds the final
// negotiation snapshot; Degraded lists requested channels the server rejected
// (informational, never fatal).
type Connected struct {
	Channels []ChannelRequest
	Degraded []ChannelRequest
}

// ConnectFailed reports that the handshake or negotiation failed and the
// session is now Failed.
type ConnectFailed struct {
	Err error
}

// Disconnected reports that teardown completed.
type Disconnected struct{}

// TransportFailed reports an asynchronous transport error while Active. The
// session is now Failed and requires an explicit reconnect.
type TransportFailed struct {
	Err error
}

// ViewportApplied reports that the remote side acknowledged a geometry change.
type ViewportApplied struct {
	Geometry Geometry
}

// ViewportFailed reports that a live resize was not acknowledged.
type ViewportFailed struct {
	Err error
}

// Subscription is a stream of session events.
type Subscription chan interface{}

const topicEvents = "events"

// eventBus fans session events out to subscribers.
type eventBus struct {
	ps *pubsub.PubSub
}

func newEventBus() *eventBus {
	return &eventBus{ps: pubsub.New(32)}
}

func (b *eventBus) publish(evt interface{}) {
	b.ps.Pub(evt, topicEvents)
}

func (b *eventBus) subscribe() Subscription {
	return b.ps.Sub(topicEvents)
}

func (b *eventBus) unsubscribe(sub Subscription) {
	b.ps.Unsub(sub, topicEvents)
}

func (b *eventBus) close() {
	b.ps.Shutdown()
}
