// Package handler exposes RDP sessions to browser clients over websocket.
// Each websocket connection drives exactly one session: query parameters
// become the connection config, session events stream back as JSON frames,
// and resize messages map to viewport updates.
package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/rcarmo/rdp-session/internal/config"
	"github.com/rcarmo/rdp-session/internal/logging"
	"github.com/rcarmo/rdp-session/internal/session"
	"github.com/rcarmo/rdp-session/internal/transport"
)

// Handler upgrades websocket connections and bridges them to sessions.
type Handler struct {
	cfg      *config.Config
	upgrader websocket.Upgrader
	active   atomic.Int64
}

// New creates a handler using the gateway configuration.
func New(cfg *config.Config) *Handler {
	h := &Handler{cfg: cfg}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return h.originAllowed(r.Header.Get("Origin"))
		},
	}
	return h
}

// originAllowed checks the Origin header against the allow-list. An empty
// allow-list accepts any origin.
func (h *Handler) originAllowed(origin string) bool {
	if origin == "" || len(h.cfg.Security.AllowedOrigins) == 0 {
		return true
	}

	for _, allowed := range h.cfg.Security.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// clientMessage is an inbound websocket frame.
type clientMessage struct {
	Type   string `json:"type"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// serverMessage is an outbound websocket frame.
type serverMessage struct {
	Type     string            `json:"type"`
	State    string            `json:"state,omitempty"`
	Error    string            `json:"error,omitempty"`
	Width    int               `json:"width,omitempty"`
	Height   int               `json:"height,omitempty"`
	Channels map[string]string `json:"channels,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Security.MaxConnections > 0 &&
		h.active.Load() >= int64(h.cfg.Security.MaxConnections) {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	sessCfg, err := h.sessionConfig(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("handler: upgrade failed: %v", err)
		return
	}

	h.active.Add(1)
	defer h.active.Add(-1)
	defer wsConn.Close()

	dialer := &transport.TCPTransport{
		SkipTLSVerify: h.cfg.Security.SkipTLSVerify,
		ServerName:    h.cfg.Security.TLSServerName,
	}

	sess := session.New(sessCfg, dialer)
	defer sess.Close()

	sub := sess.Events()
	defer sess.Unsubscribe(sub)

	logging.Info("handler: session starting %s", sessCfg)

	if err = sess.Connect(); err != nil {
		_ = wsConn.WriteJSON(serverMessage{Type: "error", Error: err.Error()})
		return
	}

	go h.readClient(wsConn, sess)

	h.streamEvents(wsConn, sub)
}

// readClient maps inbound frames to session operations until the websocket
// closes.
func (h *Handler) readClient(wsConn *websocket.Conn, sess *session.Session) {
	for {
		var msg clientMessage
		if err := wsConn.ReadJSON(&msg); err != nil {
			_ = sess.Disconnect()
			return
		}

		switch msg.Type {
		case "resize":
			if err := sess.UpdateViewport(msg.Width, msg.Height); err != nil {
				_ = wsConn.WriteJSON(serverMessage{Type: "error", Error: err.Error()})
			}
		case "disconnect":
			_ = sess.Disconnect()
		default:
			logging.Debug("handler: ignoring message type %q", msg.Type)
		}
	}
}

// streamEvents relays session events to the client until the subscription
// drains or the session disconnects.
func (h *Handler) streamEvents(wsConn *websocket.Conn, sub session.Subscription) {
	for raw := range sub {
		var msg serverMessage

		switch event := raw.(type) {
		case session.StateChanged:
			msg = serverMessage{Type: "state", State: event.New.String()}
		case session.Connected:
			msg = serverMessage{Type: "connected", Channels: channelMap(event.Channels)}
		case session.ConnectFailed:
			msg = serverMessage{Type: "connect_failed", Error: event.Err.Error()}
		case session.Disconnected:
			_ = wsConn.WriteJSON(serverMessage{Type: "disconnected"})
			return
		case session.TransportFailed:
			msg = serverMessage{Type: "transport_failed", Error: event.Err.Error()}
		case session.ViewportApplied:
			msg = serverMessage{
				Type:   "viewport",
				Width:  event.Geometry.Width,
				Height: event.Geometry.Height,
			}
		case session.ViewportFailed:
			msg = serverMessage{Type: "viewport_failed", Error: event.Err.Error()}
		default:
			continue
		}

		if err := wsConn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func channelMap(channels []session.ChannelRequest) map[string]string {
	out := make(map[string]string, len(channels))
	for _, req := range channels {
		out[req.Kind.String()] = req.State.String()
	}
	return out
}

// sessionConfig builds a validated session config from query parameters.
func (h *Handler) sessionConfig(r *http.Request) (*session.Config, error) {
	query := r.URL.Query()

	host := query.Get("host")

	builder := session.NewConfigBuilder(host).
		Credentials(query.Get("user"), query.Get("password")).
		NegotiationTimeout(h.cfg.Session.NegotiationTimeout).
		ResizeAckTimeout(h.cfg.Session.ResizeAckTimeout)

	if portStr := query.Get("port"); portStr != "" {
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", portStr)
		}
		builder.Port(uint16(port))
	}

	width := h.cfg.Session.DefaultWidth
	height := h.cfg.Session.DefaultHeight
	if widthStr := query.Get("width"); widthStr != "" {
		if parsed, err := strconv.Atoi(widthStr); err == nil {
			width = parsed
		}
	}
	if heightStr := query.Get("height"); heightStr != "" {
		if parsed, err := strconv.Atoi(heightStr); err == nil {
			height = parsed
		}
	}
	width = min(width, h.cfg.Session.MaxWidth)
	height = min(height, h.cfg.Session.MaxHeight)
	builder.Size(width, height)

	switch query.Get("display") {
	case "", "fit":
		builder.DisplayMode(session.DisplayFitToWindow)
	case "fullscreen":
		builder.DisplayMode(session.DisplayFullscreen)
	case "fixed":
		builder.DisplayMode(session.DisplayFixed)
	default:
		return nil, fmt.Errorf("invalid display mode %q", query.Get("display"))
	}

	switch query.Get("sound") {
	case "", "off":
		builder.Sound(session.SoundOff)
	case "local":
		builder.Sound(session.SoundLocal)
	case "remote":
		builder.Sound(session.SoundRemote)
	default:
		return nil, fmt.Errorf("invalid sound mode %q", query.Get("sound"))
	}

	switch query.Get("profile") {
	case "quality":
		builder.Performance(session.ProfileBestQuality)
	case "", "balanced":
		builder.Performance(session.ProfileBalanced)
	case "performance":
		builder.Performance(session.ProfileBestPerformance)
	default:
		return nil, fmt.Errorf("invalid performance profile %q", query.Get("profile"))
	}

	builder.Clipboard(query.Get("clipboard") == "true")
	builder.DriveRedirection(query.Get("drives") == "true")

	return builder.Build()
}
