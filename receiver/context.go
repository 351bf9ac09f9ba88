// Package receiver implements the node side of the link: it ingests values
// from a wired serial line and from addressed datagrams, arbitrates between
// the two, drives an actuator and reports a short status for a display.
//
// The node runs as one cooperative loop. Every Poll runs the stages in a
// fixed order (wired, network, connection, actuation, display) against an
// explicit Context, and no stage blocks.
package receiver

import (
	"math"
	"time"

	"github.com/c360/reddust/errors"
	"github.com/c360/reddust/wire"
)

// Defaults for Config
const (
	DefaultAddress       = "/red_dust/object_1"
	DefaultActiveWindow  = 100 * time.Millisecond
	DefaultInactiveAfter = 2 * time.Second
	DefaultStaleAfter    = time.Second
	DefaultMaxDatagrams  = 16
	DefaultMaxWiredBytes = 512
	DefaultCeiling       = 255
)

// packetSize covers the largest datagram Decode can accept with room to spare
const packetSize = 1536

// Config tunes a node. Zero fields take the defaults above.
type Config struct {
	// Address is the wire address this node answers to
	Address string `json:"address" yaml:"address"`

	// ActiveWindow is how recent a source must be to count as receiving
	ActiveWindow time.Duration `json:"active_window" yaml:"active_window"`

	// InactiveAfter marks the wired source idle for the status text
	InactiveAfter time.Duration `json:"inactive_after" yaml:"inactive_after"`

	// StaleAfter discards a partial wired line with no new bytes
	StaleAfter time.Duration `json:"stale_after" yaml:"stale_after"`

	MaxDatagrams  int `json:"max_datagrams" yaml:"max_datagrams"`
	MaxWiredBytes int `json:"max_wired_bytes" yaml:"max_wired_bytes"`

	// Floor and Ceiling are the actuator output range
	Floor   float64 `json:"floor" yaml:"floor"`
	Ceiling float64 `json:"ceiling" yaml:"ceiling"`
}

// DefaultConfig returns the stock node settings
func DefaultConfig() Config {
	return Config{
		Address:       DefaultAddress,
		ActiveWindow:  DefaultActiveWindow,
		InactiveAfter: DefaultInactiveAfter,
		StaleAfter:    DefaultStaleAfter,
		MaxDatagrams:  DefaultMaxDatagrams,
		MaxWiredBytes: DefaultMaxWiredBytes,
		Ceiling:       DefaultCeiling,
	}
}

// WithDefaults fills zero fields. A zero Floor is a legal value and is kept;
// the ceiling defaults only when both ends are zero.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.ActiveWindow <= 0 {
		c.ActiveWindow = d.ActiveWindow
	}
	if c.InactiveAfter <= 0 {
		c.InactiveAfter = d.InactiveAfter
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.MaxDatagrams <= 0 {
		c.MaxDatagrams = d.MaxDatagrams
	}
	if c.MaxWiredBytes <= 0 {
		c.MaxWiredBytes = d.MaxWiredBytes
	}
	if c.Floor == 0 && c.Ceiling == 0 {
		c.Ceiling = d.Ceiling
	}
	return c
}

// Validate checks the settings after defaults are applied
func (c Config) Validate() error {
	if err := wire.ValidateAddress(c.Address); err != nil {
		return err
	}
	if !finite(c.Floor) || !finite(c.Ceiling) {
		return errors.Invalidf(errors.ErrInvalidConfig, "receiver", "Validate",
			"actuator range [%v, %v] not finite", c.Floor, c.Ceiling)
	}
	if c.InactiveAfter < c.ActiveWindow {
		return errors.Invalidf(errors.ErrInvalidConfig, "receiver", "Validate",
			"inactive_after %s shorter than active_window %s", c.InactiveAfter, c.ActiveWindow)
	}
	return nil
}

// SourceStatus tracks one input path
type SourceStatus struct {
	// LastSeen is when the source last produced input (any wired byte, or an
	// accepted datagram)
	LastSeen time.Time
	// LastAccepted is when the source last produced a valid value
	LastAccepted time.Time
	// Connected is set once the source delivered a valid value since boot
	Connected bool
}

// Receiving reports input within window of now
func (s SourceStatus) Receiving(now time.Time, window time.Duration) bool {
	return !s.LastSeen.IsZero() && now.Sub(s.LastSeen) < window
}

// Context is the node's entire mutable state. Each poll stage reads and
// writes it; nothing else does.
type Context struct {
	cfg Config

	Wired   Accumulator
	Mode    Mode
	Current float64
	// HasValue is false until the first accepted value
	HasValue bool
	Output   float64

	WiredSource   SourceStatus
	NetworkSource SourceStatus

	scratch []byte
	packet  []byte
}

// NewContext builds an initial context. cfg should already carry defaults.
func NewContext(cfg Config) *Context {
	return &Context{
		cfg:     cfg,
		Output:  cfg.Floor,
		scratch: make([]byte, 64),
		packet:  make([]byte, packetSize),
	}
}

// Config returns the settings the context was built with
func (c *Context) Config() Config {
	return c.cfg
}

// accept records v from src. Non-finite values are rejected without touching
// state; everything else is clamped into [0, 1].
func (c *Context) accept(src *SourceStatus, v float64, now time.Time) error {
	if !finite(v) {
		return errors.Invalidf(errors.ErrDataRange, "receiver", "accept", "value %v", v)
	}
	c.Current = clamp01(v)
	c.HasValue = true
	src.LastAccepted = now
	src.Connected = true
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
