// Package config loads the two Red Dust configuration documents: Config for
// the control center and NodeConfig for a receiver node.
//
// A document is built from defaults, then each file layer in order (JSON or
// YAML, chosen by extension), then REDDUST_* environment overrides, and is
// validated last. Durations are written as strings such as "10s" in both
// formats.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/reddust/connection"
	"github.com/c360/reddust/control"
	"github.com/c360/reddust/dispatch"
	"github.com/c360/reddust/errors"
	"github.com/c360/reddust/normalize"
	"github.com/c360/reddust/receiver"
)

// Session store kinds
const (
	SessionStoreFile = "file"
	SessionStoreKV   = "kv"
)

// Config is the control center configuration
type Config struct {
	Archive      ArchiveConfig                `json:"archive" yaml:"archive"`
	Playback     PlaybackConfig               `json:"playback" yaml:"playback"`
	Dispatch     DispatchConfig               `json:"dispatch" yaml:"dispatch"`
	Destinations []dispatch.DestinationConfig `json:"destinations" yaml:"destinations"`
	Control      control.Config               `json:"control" yaml:"control"`
	Session      SessionConfig                `json:"session" yaml:"session"`
	NATS         NATSConfig                   `json:"nats" yaml:"nats"`
}

// ArchiveConfig locates the prepared sample data
type ArchiveConfig struct {
	// Dir holds one <channel>.csv file per channel
	Dir string `json:"dir" yaml:"dir"`
	// Channel is selected at startup when set
	Channel string `json:"channel,omitempty" yaml:"channel,omitempty"`
}

// PlaybackConfig holds the startup playback and scaling settings
type PlaybackConfig struct {
	Speed        float64 `json:"speed" yaml:"speed"`
	LoPercentile float64 `json:"lo_percentile" yaml:"lo_percentile"`
	HiPercentile float64 `json:"hi_percentile" yaml:"hi_percentile"`
}

// DispatchConfig tunes the streaming schedule
type DispatchConfig struct {
	Period time.Duration `json:"period" yaml:"period"`
}

// SessionConfig selects where sessions are kept
type SessionConfig struct {
	Store string `json:"store" yaml:"store"`
	// Path is the session file for the file store
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	// Key is the bucket key for the kv store
	Key string `json:"key,omitempty" yaml:"key,omitempty"`
	// LoadOnStart restores the stored session at startup
	LoadOnStart bool `json:"load_on_start" yaml:"load_on_start"`
}

// NATSConfig defines the NATS connection used by the kv session store
type NATSConfig struct {
	URL           string        `json:"url,omitempty" yaml:"url,omitempty"`
	Name          string        `json:"name,omitempty" yaml:"name,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string        `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string        `json:"token,omitempty" yaml:"token,omitempty"`
}

// DefaultConfig returns the control center defaults
func DefaultConfig() *Config {
	return &Config{
		Archive: ArchiveConfig{Dir: "data"},
		Playback: PlaybackConfig{
			Speed:        1,
			LoPercentile: normalize.DefaultLoPercentile,
			HiPercentile: normalize.DefaultHiPercentile,
		},
		Dispatch: DispatchConfig{Period: dispatch.DefaultPeriod},
		Control:  control.DefaultConfig(),
		Session:  SessionConfig{Store: SessionStoreFile, Path: "session.json"},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "reddust",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
	}
}

// Validate checks every section
func (c *Config) Validate() error {
	const component = "config"
	if c.Archive.Dir == "" {
		return errors.Invalidf(errors.ErrMissingConfig, component, "Validate", "archive.dir is required")
	}
	if c.Playback.Speed < 0.1 || c.Playback.Speed > 10 {
		return errors.Invalidf(errors.ErrInvalidConfig, component, "Validate",
			"playback.speed %g outside [0.1, 10]", c.Playback.Speed)
	}
	p := c.Playback
	if p.LoPercentile < 0 || p.HiPercentile > 100 || p.LoPercentile >= p.HiPercentile {
		return errors.Invalidf(errors.ErrInvalidConfig, component, "Validate",
			"percentiles [%g, %g] must satisfy 0 <= lo < hi <= 100", p.LoPercentile, p.HiPercentile)
	}
	if c.Dispatch.Period <= 0 {
		return errors.Invalidf(errors.ErrInvalidConfig, component, "Validate", "dispatch.period must be positive")
	}

	seen := make(map[string]bool, len(c.Destinations))
	for _, d := range c.Destinations {
		if seen[d.ID] {
			return errors.Invalidf(errors.ErrDuplicateID, component, "Validate", "destination %q repeated", d.ID)
		}
		seen[d.ID] = true
		if err := d.Validate(); err != nil {
			return err
		}
	}
	if err := c.Control.Validate(); err != nil {
		return err
	}

	switch c.Session.Store {
	case SessionStoreFile:
		if c.Session.Path == "" {
			return errors.Invalidf(errors.ErrMissingConfig, component, "Validate", "session.path is required for the file store")
		}
	case SessionStoreKV:
		if c.NATS.URL == "" {
			return errors.Invalidf(errors.ErrMissingConfig, component, "Validate", "nats.url is required for the kv store")
		}
		if !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
			return errors.Invalidf(errors.ErrInvalidConfig, component, "Validate", "nats.url %q must use nats:// or tls://", c.NATS.URL)
		}
		if (c.NATS.Username == "") != (c.NATS.Password == "") {
			return errors.Invalidf(errors.ErrInvalidConfig, component, "Validate", "nats username and password go together")
		}
	default:
		return errors.Invalidf(errors.ErrInvalidConfig, component, "Validate",
			"session.store %q must be %q or %q", c.Session.Store, SessionStoreFile, SessionStoreKV)
	}
	return nil
}

// String summarizes the config without secrets
func (c *Config) String() string {
	return fmt.Sprintf("archive=%s channel=%q destinations=%d control=%s session=%s",
		c.Archive.Dir, c.Archive.Channel, len(c.Destinations), c.Control.Addr, c.Session.Store)
}

// NodeConfig is a receiver node's configuration
type NodeConfig struct {
	// Name titles the provisioning portal
	Name     string          `json:"name" yaml:"name"`
	Receiver receiver.Config `json:"receiver" yaml:"receiver"`
	Serial   SerialConfig    `json:"serial" yaml:"serial"`
	Network  NetworkConfig   `json:"network" yaml:"network"`
	Actuator ActuatorConfig  `json:"actuator" yaml:"actuator"`
	// PollInterval paces the receiver loop
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	// MetricsAddr serves /metrics; empty disables it
	MetricsAddr string `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty"`
}

// SerialConfig is the wired input port. An empty Path disables it.
type SerialConfig struct {
	Path     string `json:"path,omitempty" yaml:"path,omitempty"`
	BaudRate int    `json:"baud_rate" yaml:"baud_rate"`
}

// NetworkConfig covers the wireless link and the datagram listener
type NetworkConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// ListenAddr is the UDP address bound while connected
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	// Interface is the wireless interface handed to nmcli
	Interface       string            `json:"interface" yaml:"interface"`
	PortalAddr      string            `json:"portal_addr" yaml:"portal_addr"`
	CredentialsPath string            `json:"credentials_path" yaml:"credentials_path"`
	Connection      connection.Config `json:"connection" yaml:"connection"`
}

// ActuatorConfig selects the output. An empty Path logs values instead.
type ActuatorConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// DefaultNodeConfig returns the node defaults
func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		Name:     "Red Dust node",
		Receiver: receiver.DefaultConfig(),
		Serial:   SerialConfig{BaudRate: 9600},
		Network: NetworkConfig{
			Enabled:         true,
			ListenAddr:      ":8000",
			Interface:       "wlan0",
			PortalAddr:      ":8080",
			CredentialsPath: "credentials.json",
			Connection: connection.Config{
				RetryInterval:  connection.DefaultRetryInterval,
				AttemptTimeout: connection.DefaultAttemptTimeout,
			},
		},
		PollInterval: receiver.DefaultPollInterval,
	}
}

// Validate checks every section
func (c *NodeConfig) Validate() error {
	const component = "config"
	if err := c.Receiver.WithDefaults().Validate(); err != nil {
		return err
	}
	if c.Serial.Path != "" && c.Serial.BaudRate <= 0 {
		return errors.Invalidf(errors.ErrInvalidConfig, component, "Validate", "serial.baud_rate must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.Invalidf(errors.ErrInvalidConfig, component, "Validate", "poll_interval must be positive")
	}
	if n := c.Network; n.Enabled {
		if n.ListenAddr == "" || n.Interface == "" || n.PortalAddr == "" || n.CredentialsPath == "" {
			return errors.Invalidf(errors.ErrMissingConfig, component, "Validate",
				"network needs listen_addr, interface, portal_addr and credentials_path")
		}
		if n.Connection.RetryInterval < 0 || n.Connection.AttemptTimeout < 0 {
			return errors.Invalidf(errors.ErrInvalidConfig, component, "Validate", "network.connection durations must not be negative")
		}
	}
	if c.Serial.Path == "" && !c.Network.Enabled {
		return errors.Invalidf(errors.ErrMissingConfig, component, "Validate", "node has neither a serial port nor a network link")
	}
	return nil
}
