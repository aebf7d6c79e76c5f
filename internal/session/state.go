package session

// State is the session lifecycle state. It has a single writer, the session's
// run loop; readers observe it through an atomic word so IsConnected never
// blocks.
type State uint32

const (
	StateDisconnected State = iota
	StateConnecting
	StateNegotiating
	StateActive
	StateDisconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// canConnect reports whether a connect may start from this state.
func (s State) canConnect() bool {
	return s == StateDisconnected || s == StateFailed
}
