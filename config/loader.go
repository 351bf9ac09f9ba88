package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/reddust/errors"
)

// DefaultEnvPrefix prefixes every environment override
const DefaultEnvPrefix = "REDDUST"

const maxConfigSize = 1 << 20

// durationSuffixes name the keys whose string values are durations
var durationSuffixes = []string{"period", "_interval", "_timeout", "_window", "_after", "_wait"}

// Loader layers files and environment overrides onto a document
type Loader struct {
	layers    []string
	envPrefix string
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a loader reading REDDUST_* overrides
func NewLoader() *Loader {
	return &Loader{envPrefix: DefaultEnvPrefix, lookupEnv: os.LookupEnv}
}

// AddLayer adds a file; later layers override earlier ones
func (l *Loader) AddLayer(path string) {
	if path != "" {
		l.layers = append(l.layers, path)
	}
}

// LoadConfig builds the control center configuration
func (l *Loader) LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	if err := l.load(cfg); err != nil {
		return nil, err
	}
	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadNodeConfig builds the node configuration
func (l *Loader) LoadNodeConfig() (*NodeConfig, error) {
	cfg := DefaultNodeConfig()
	if err := l.load(cfg); err != nil {
		return nil, err
	}
	if err := l.applyNodeEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// load decodes each layer over target. Fields a layer omits keep their
// previous value; lists are replaced whole.
func (l *Loader) load(target any) error {
	for _, path := range l.layers {
		data, err := readFile(path)
		if err != nil {
			return err
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, target)
		case ".json":
			err = decodeJSON(data, target)
		default:
			return errors.Invalidf(errors.ErrInvalidConfig, "Loader", "load",
				"%s: unknown extension, want .json, .yaml or .yml", path)
		}
		if err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Loader", "load", "decode "+path)
		}
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrMissingConfig, err), "Loader", "load", "stat "+path)
	}
	if info.Size() > maxConfigSize {
		return nil, errors.Invalidf(errors.ErrInvalidConfig, "Loader", "load",
			"%s is %d bytes, limit %d", path, info.Size(), maxConfigSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "load", "read "+path)
	}
	return data, nil
}

// decodeJSON rewrites duration strings to nanoseconds, then decodes
// strictly over target.
func decodeJSON(data []byte, target any) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := parseDurations(raw); err != nil {
		return err
	}
	normalized, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(normalized))
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}

func parseDurations(m map[string]any) error {
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			if err := parseDurations(val); err != nil {
				return err
			}
		case []any:
			for _, item := range val {
				if nested, ok := item.(map[string]any); ok {
					if err := parseDurations(nested); err != nil {
						return err
					}
				}
			}
		case string:
			if !isDurationKey(k) {
				continue
			}
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			m[k] = d.Nanoseconds()
		}
	}
	return nil
}

func isDurationKey(k string) bool {
	for _, s := range durationSuffixes {
		if strings.HasSuffix(k, s) {
			return true
		}
	}
	return false
}

// env returns the override for name, if set
func (l *Loader) env(name string) (string, bool) {
	v, ok := l.lookupEnv(l.envPrefix + "_" + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (l *Loader) envDuration(name string, dst *time.Duration) error {
	v, ok := l.env(name)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return errors.Invalidf(errors.ErrInvalidConfig, "Loader", "applyEnv", "%s_%s: %v", l.envPrefix, name, err)
	}
	*dst = d
	return nil
}

func (l *Loader) envFloat(name string, dst *float64) error {
	v, ok := l.env(name)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return errors.Invalidf(errors.ErrInvalidConfig, "Loader", "applyEnv", "%s_%s: %v", l.envPrefix, name, err)
	}
	*dst = f
	return nil
}

func (l *Loader) envInt(name string, dst *int) error {
	v, ok := l.env(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errors.Invalidf(errors.ErrInvalidConfig, "Loader", "applyEnv", "%s_%s: %v", l.envPrefix, name, err)
	}
	*dst = n
	return nil
}

func (l *Loader) envBool(name string, dst *bool) error {
	v, ok := l.env(name)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return errors.Invalidf(errors.ErrInvalidConfig, "Loader", "applyEnv", "%s_%s: %v", l.envPrefix, name, err)
	}
	*dst = b
	return nil
}

func (l *Loader) envString(name string, dst *string) {
	if v, ok := l.env(name); ok {
		*dst = v
	}
}

func (l *Loader) applyEnv(cfg *Config) error {
	l.envString("ARCHIVE_DIR", &cfg.Archive.Dir)
	l.envString("ARCHIVE_CHANNEL", &cfg.Archive.Channel)
	l.envString("CONTROL_ADDR", &cfg.Control.Addr)
	l.envString("SESSION_STORE", &cfg.Session.Store)
	l.envString("SESSION_PATH", &cfg.Session.Path)
	l.envString("SESSION_KEY", &cfg.Session.Key)
	l.envString("NATS_URL", &cfg.NATS.URL)
	l.envString("NATS_USERNAME", &cfg.NATS.Username)
	l.envString("NATS_PASSWORD", &cfg.NATS.Password)
	l.envString("NATS_TOKEN", &cfg.NATS.Token)

	for _, err := range []error{
		l.envFloat("PLAYBACK_SPEED", &cfg.Playback.Speed),
		l.envDuration("DISPATCH_PERIOD", &cfg.Dispatch.Period),
		l.envFloat("CONTROL_RATE_LIMIT", &cfg.Control.RateLimit),
		l.envBool("SESSION_LOAD_ON_START", &cfg.Session.LoadOnStart),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *Loader) applyNodeEnv(cfg *NodeConfig) error {
	l.envString("NODE_NAME", &cfg.Name)
	l.envString("NODE_ADDRESS", &cfg.Receiver.Address)
	l.envString("NODE_SERIAL_PATH", &cfg.Serial.Path)
	l.envString("NODE_LISTEN_ADDR", &cfg.Network.ListenAddr)
	l.envString("NODE_INTERFACE", &cfg.Network.Interface)
	l.envString("NODE_PORTAL_ADDR", &cfg.Network.PortalAddr)
	l.envString("NODE_CREDENTIALS_PATH", &cfg.Network.CredentialsPath)
	l.envString("NODE_ACTUATOR_PATH", &cfg.Actuator.Path)
	l.envString("NODE_METRICS_ADDR", &cfg.MetricsAddr)

	for _, err := range []error{
		l.envInt("NODE_SERIAL_BAUD", &cfg.Serial.BaudRate),
		l.envBool("NODE_NETWORK_ENABLED", &cfg.Network.Enabled),
		l.envFloat("NODE_FLOOR", &cfg.Receiver.Floor),
		l.envFloat("NODE_CEILING", &cfg.Receiver.Ceiling),
		l.envDuration("NODE_POLL_INTERVAL", &cfg.PollInterval),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// SaveToFile writes cfg as indented JSON or YAML by extension, owner-only
func SaveToFile(path string, cfg any) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return errors.Wrap(err, "config", "SaveToFile", "encode")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "config", "SaveToFile", "write "+path)
	}
	return nil
}
