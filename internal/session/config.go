// Package session implements the RDP connection lifecycle: a validated
// connection config, a serialized state machine driving the engine handshake,
// per-channel negotiation with graceful degradation, and live viewport
// updates over an active connection.
package session

import (
	"fmt"
	"time"
)

// DisplayMode selects how the remote desktop maps onto the local surface.
type DisplayMode uint8

const (
	DisplayFitToWindow DisplayMode = iota
	DisplayFullscreen
	DisplayFixed
)

func (m DisplayMode) String() string {
	switch m {
	case DisplayFitToWindow:
		return "fit-to-window"
	case DisplayFullscreen:
		return "fullscreen"
	case DisplayFixed:
		return "fixed"
	default:
		return "unknown"
	}
}

// SoundMode selects where remote audio plays.
type SoundMode uint8

const (
	SoundOff SoundMode = iota
	SoundLocal
	SoundRemote
)

func (m SoundMode) String() string {
	switch m {
	case SoundOff:
		return "off"
	case SoundLocal:
		return "local"
	case SoundRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// PerformanceProfile trades visual quality against bandwidth. The profile is
// negotiated once at handshake time; changing it requires a new session.
type PerformanceProfile uint8

const (
	ProfileBestQuality PerformanceProfile = iota
	ProfileBalanced
	ProfileBestPerformance
)

func (p PerformanceProfile) String() string {
	switch p {
	case ProfileBestQuality:
		return "best-quality"
	case ProfileBalanced:
		return "balanced"
	case ProfileBestPerformance:
		return "best-performance"
	default:
		return "unknown"
	}
}

const (
	defaultPort               = 3389
	defaultWidth              = 1024
	defaultHeight             = 768
	defaultNegotiationTimeout = 5 * time.Second
	defaultResizeAckTimeout   = 5 * time.Second
)

// Config is a frozen snapshot of connection parameters. It is produced by
// ConfigBuilder.Build and is immutable for the lifetime of any session that
// holds it.
type Config struct {
	hostname string
	port     uint16
	username string
	password string

	displayMode DisplayMode
	width       int
	height      int

	clipboardEnabled        bool
	soundMode               SoundMode
	driveRedirectionEnabled bool
	performanceProfile      PerformanceProfile

	negotiationTimeout time.Duration
	resizeAckTimeout   time.Duration
}

func (c *Config) Hostname() string                       { return c.hostname }
func (c *Config) Port() uint16                           { return c.port }
func (c *Config) Username() string                       { return c.username }
func (c *Config) Password() string                       { return c.password }
func (c *Config) DisplayMode() DisplayMode               { return c.displayMode }
func (c *Config) Width() int                             { return c.width }
func (c *Config) Height() int                            { return c.height }
func (c *Config) ClipboardEnabled() bool                 { return c.clipboardEnabled }
func (c *Config) SoundMode() SoundMode                   { return c.soundMode }
func (c *Config) DriveRedirectionEnabled() bool          { return c.driveRedirectionEnabled }
func (c *Config) PerformanceProfile() PerformanceProfile { return c.performanceProfile }
func (c *Config) NegotiationTimeout() time.Duration      { return c.negotiationTimeout }
func (c *Config) ResizeAckTimeout() time.Duration        { return c.resizeAckTimeout }

// String renders the config for logging. The password is never included.
func (c *Config) String() string {
	return fmt.Sprintf("host=%s:%d user=%s display=%s %dx%d clipboard=%t sound=%s drives=%t profile=%s",
		c.hostname, c.port, c.username, c.displayMode, c.width, c.height,
		c.clipboardEnabled, c.soundMode, c.driveRedirectionEnabled, c.performanceProfile)
}

// ConfigBuilder accumulates connection parameters. Build validates and
// returns a frozen Config; the builder may be reused afterwards.
type ConfigBuilder struct {
	cfg Config
}

// NewConfigBuilder returns a builder with defaults: port 3389, fit-to-window
// display at 1024x768, sound off, clipboard and drive redirection disabled,
// balanced profile.
func NewConfigBuilder(hostname string) *ConfigBuilder {
	return &ConfigBuilder{
		cfg: Config{
			hostname:           hostname,
			port:               defaultPort,
			displayMode:        DisplayFitToWindow,
			width:              defaultWidth,
			height:             defaultHeight,
			soundMode:          SoundOff,
			performanceProfile: ProfileBalanced,
			negotiationTimeout: defaultNegotiationTimeout,
			resizeAckTimeout:   defaultResizeAckTimeout,
		},
	}
}

func (b *ConfigBuilder) Port(port uint16) *ConfigBuilder {
	b.cfg.port = port
	return b
}

func (b *ConfigBuilder) Credentials(username, password string) *ConfigBuilder {
	b.cfg.username = username
	b.cfg.password = password
	return b
}

func (b *ConfigBuilder) DisplayMode(mode DisplayMode) *ConfigBuilder {
	b.cfg.displayMode = mode
	return b
}

func (b *ConfigBuilder) Size(width, height int) *ConfigBuilder {
	b.cfg.width = width
	b.cfg.height = height
	return b
}

func (b *ConfigBuilder) Clipboard(enabled bool) *ConfigBuilder {
	b.cfg.clipboardEnabled = enabled
	return b
}

func (b *ConfigBuilder) Sound(mode SoundMode) *ConfigBuilder {
	b.cfg.soundMode = mode
	return b
}

func (b *ConfigBuilder) DriveRedirection(enabled bool) *ConfigBuilder {
	b.cfg.driveRedirectionEnabled = enabled
	return b
}

func (b *ConfigBuilder) Performance(profile PerformanceProfile) *ConfigBuilder {
	b.cfg.performanceProfile = profile
	return b
}

func (b *ConfigBuilder) NegotiationTimeout(d time.Duration) *ConfigBuilder {
	b.cfg.negotiationTimeout = d
	return b
}

func (b *ConfigBuilder) ResizeAckTimeout(d time.Duration) *ConfigBuilder {
	b.cfg.resizeAckTimeout = d
	return b
}

// Build validates the accumulated parameters and returns a frozen snapshot.
// Validation is pure; nothing touches the network.
func (b *ConfigBuilder) Build() (*Config, error) {
	if b.cfg.hostname == "" {
		return nil, fmt.Errorf("%w: hostname is empty", ErrInvalidConfig)
	}

	if b.cfg.port == 0 {
		return nil, fmt.Errorf("%w: port is 0", ErrInvalidConfig)
	}

	if b.cfg.displayMode == DisplayFixed {
		if b.cfg.width <= 0 || b.cfg.height <= 0 {
			return nil, fmt.Errorf("%w: fixed display requires positive size, got %dx%d",
				ErrInvalidConfig, b.cfg.width, b.cfg.height)
		}
	}

	if b.cfg.negotiationTimeout <= 0 {
		b.cfg.negotiationTimeout = defaultNegotiationTimeout
	}
	if b.cfg.resizeAckTimeout <= 0 {
		b.cfg.resizeAckTimeout = defaultResizeAckTimeout
	}

	snapshot := b.cfg
	return &snapshot, nil
}
