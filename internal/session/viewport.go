package session

import (
	"fmt"
)

// Geometry is the session's viewport size and mode.
type Geometry struct {
	Width  int
	Height int
	Mode   DisplayMode
}

// trackPolicy decides whether non-fixed display modes renegotiate the remote
// resolution on surface resize. Recorded once at connect time from the
// performance profile.
type trackPolicy uint8

const (
	trackNever trackPolicy = iota
	trackFullscreenOnly
	trackAlways
)

func trackPolicyFor(profile PerformanceProfile) trackPolicy {
	switch profile {
	case ProfileBestQuality:
		return trackAlways
	case ProfileBalanced:
		return trackFullscreenOnly
	default:
		return trackNever
	}
}

// resizeAction is the viewport controller's decision for one update request.
type resizeAction uint8

const (
	resizeNone   resizeAction = iota // duplicate or local-only presentation change
	resizeLive                       // issue a transport resize, commit on ack
	resizeRecord                     // session not active, record as initial size
)

// viewportController owns the session's geometry. All mutation happens on the
// session run loop; the committed geometry only advances after the transport
// acknowledges, so the local side never presents a size the remote never
// applied.
type viewportController struct {
	geometry Geometry
	policy   trackPolicy

	// in-flight live resize, one at a time
	awaitingAck bool
	inFlightW   int
	inFlightH   int
	queuedW     int
	queuedH     int
	hasQueued   bool
}

func newViewportController(cfg *Config) *viewportController {
	return &viewportController{
		geometry: Geometry{
			Width:  cfg.Width(),
			Height: cfg.Height(),
			Mode:   cfg.DisplayMode(),
		},
		policy: trackPolicyFor(cfg.PerformanceProfile()),
	}
}

// validate rejects non-positive dimensions.
func (v *viewportController) validate(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, width, height)
	}
	return nil
}

// decide classifies an update request given the current session state.
func (v *viewportController) decide(state State, width, height int) resizeAction {
	if state != StateActive {
		return resizeRecord
	}

	if width == v.geometry.Width && height == v.geometry.Height {
		return resizeNone
	}

	switch v.geometry.Mode {
	case DisplayFixed:
		return resizeLive
	case DisplayFullscreen:
		if v.policy >= trackFullscreenOnly {
			return resizeLive
		}
	case DisplayFitToWindow:
		if v.policy == trackAlways {
			return resizeLive
		}
	}

	// Local presentation concern only; the negotiated resolution stands.
	return resizeNone
}

// record stores geometry requested before the session reached Active. It is
// adopted as the initial size on activation with no transport call.
func (v *viewportController) record(width, height int) {
	v.geometry.Width = width
	v.geometry.Height = height
}

// beginResize marks a live resize as in flight. A request arriving while one
// is outstanding is queued; the latest geometry wins.
func (v *viewportController) beginResize(width, height int) bool {
	if v.awaitingAck {
		v.queuedW = width
		v.queuedH = height
		v.hasQueued = true
		return false
	}

	v.awaitingAck = true
	v.inFlightW = width
	v.inFlightH = height
	return true
}

// commit applies an acknowledged resize and returns the next queued request,
// if any.
func (v *viewportController) commit(width, height int) (nextW, nextH int, hasNext bool) {
	if !v.awaitingAck {
		return 0, 0, false
	}

	v.awaitingAck = false
	v.geometry.Width = width
	v.geometry.Height = height

	if v.hasQueued {
		v.hasQueued = false
		if v.queuedW != width || v.queuedH != height {
			return v.queuedW, v.queuedH, true
		}
	}

	return 0, 0, false
}

// abortResize clears the in-flight state after an ack timeout or failure.
func (v *viewportController) abortResize() {
	v.awaitingAck = false
	v.hasQueued = false
}
