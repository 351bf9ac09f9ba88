// Package connection manages the node's network link: it joins a wireless
// network with stored credentials, falls back to a provisioning portal when
// there are none or the first join fails, and keeps retrying after the link
// drops.
//
// The Machine is stepped from the receiver loop and never blocks. Joining a
// network is slow, so the Transport runs each attempt on its own goroutine
// and the Machine only observes Transport.Status.
package connection

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/reddust/errors"
	"github.com/c360/reddust/metric"
)

// State of the link
type State int

const (
	Unconfigured State = iota
	PortalActive
	Connecting
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Unconfigured:
		return "unconfigured"
	case PortalActive:
		return "portal"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Defaults for Config
const (
	DefaultRetryInterval  = 10 * time.Second
	DefaultAttemptTimeout = 20 * time.Second
)

// Config tunes retry pacing
type Config struct {
	RetryInterval  time.Duration `json:"retry_interval" yaml:"retry_interval"`
	AttemptTimeout time.Duration `json:"attempt_timeout" yaml:"attempt_timeout"`
}

func (c Config) withDefaults() Config {
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	return c
}

// Hooks are invoked from Step on entering and leaving Connected
type Hooks struct {
	OnConnected    func()
	OnDisconnected func()
}

// Option configures a Machine
type Option func(*Machine)

// WithHooks sets the bind and unbind hooks
func WithHooks(h Hooks) Option {
	return func(m *Machine) { m.hooks = h }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics registers connection metrics
func WithMetrics(r metric.MetricsRegistrar) Option {
	return func(m *Machine) { m.registrar = r }
}

// Machine is the link state machine. Step belongs to one goroutine; State,
// StatusText and Credentials are safe from any.
type Machine struct {
	cfg       Config
	transport Transport
	portal    Portal
	store     CredentialStore
	hooks     Hooks
	logger    *slog.Logger
	registrar metric.MetricsRegistrar

	stateGauge prometheus.Gauge
	attempts   *prometheus.CounterVec

	mu       sync.RWMutex
	state    State
	creds    Credentials
	hasCreds bool

	attempting    bool
	attemptStart  time.Time
	lastAttempt   time.Time
	beginErr      error
	everConnected bool

	portalOpen     bool
	lastPortalOpen time.Time
}

// New creates an Unconfigured machine. The portal may be nil, in which case
// a node without credentials just waits.
func New(cfg Config, transport Transport, portal Portal, store CredentialStore, opts ...Option) *Machine {
	m := &Machine{
		cfg:       cfg.withDefaults(),
		transport: transport,
		portal:    portal,
		store:     store,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "connection")

	m.stateGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metric.Namespace,
		Subsystem: "connection",
		Name:      "state",
		Help:      "Link state: 0 unconfigured, 1 portal, 2 connecting, 3 connected, 4 disconnected",
	})
	m.attempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metric.Namespace,
		Subsystem: "connection",
		Name:      "attempts_total",
		Help:      "Join attempts by outcome",
	}, []string{"result"})
	if m.registrar != nil {
		_ = m.registrar.RegisterGauge("connection", "state", m.stateGauge)
		_ = m.registrar.RegisterCounterVec("connection", "attempts", m.attempts)
	}
	return m
}

// State returns the current state
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// StatusText is the display form, e.g. "WiFi: connected"
func (m *Machine) StatusText() string {
	return "WiFi: " + m.State().String()
}

// Credentials returns the credentials in use, if any
func (m *Machine) Credentials() (Credentials, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds, m.hasCreds
}

// Step advances the machine at now
func (m *Machine) Step(now time.Time) {
	switch m.State() {
	case Unconfigured:
		m.boot(now)
	case PortalActive:
		m.stepPortal(now)
	case Connecting:
		m.stepConnecting(now)
	case Connected:
		if m.transport.Status() != TransportUp {
			m.logger.Warn("Link lost", "error",
				errors.WrapTransient(errors.ErrConnectionLost, "Machine", "Step", "check link"))
			m.leaveConnected(now)
		}
	case Disconnected:
		m.stepDisconnected(now)
	}
}

func (m *Machine) boot(now time.Time) {
	if m.store != nil {
		creds, ok, err := m.store.Load()
		if err != nil {
			m.logger.Warn("Failed to load credentials", "error", err)
		}
		if ok {
			m.setCreds(creds)
		}
	}
	if m.hasCreds {
		m.startAttempt(now)
		m.setState(Connecting)
		return
	}
	m.enterPortal(now)
}

func (m *Machine) stepPortal(now time.Time) {
	if !m.portalOpen && now.Sub(m.lastPortalOpen) >= m.cfg.RetryInterval {
		m.openPortal(now)
	}

	if m.portal != nil && m.portalOpen {
		if creds, ok := m.portal.Poll(); ok {
			m.submitted(creds, now)
		}
	}

	if m.attempting {
		switch m.outcome(now) {
		case TransportUp:
			m.closePortal()
			m.enterConnected()
			return
		case TransportFailed:
			m.endAttempt(now, "failed")
		}
	}

	if !m.attempting && m.hasCreds && now.Sub(m.lastAttempt) >= m.cfg.RetryInterval {
		m.startAttempt(now)
	}
}

func (m *Machine) submitted(creds Credentials, now time.Time) {
	if err := creds.Validate(); err != nil {
		m.logger.Warn("Rejected submitted credentials", "error", err)
		return
	}
	m.setCreds(creds)
	if m.store != nil {
		if err := m.store.Save(creds); err != nil {
			m.logger.Warn("Failed to save credentials", "error", err)
		}
	}
	m.logger.Info("Credentials submitted", "ssid", creds.SSID)
	if m.attempting {
		m.transport.Reset()
		m.attempting = false
	}
	m.startAttempt(now)
}

func (m *Machine) stepConnecting(now time.Time) {
	switch m.outcome(now) {
	case TransportUp:
		m.enterConnected()
	case TransportFailed:
		m.endAttempt(now, "failed")
		if m.everConnected {
			m.setState(Disconnected)
			return
		}
		m.enterPortal(now)
	}
}

func (m *Machine) stepDisconnected(now time.Time) {
	if now.Sub(m.lastAttempt) < m.cfg.RetryInterval {
		return
	}
	m.startAttempt(now)
	m.setState(Connecting)
}

// outcome folds begin errors and the attempt timeout into the transport
// status. TransportConnecting means keep waiting.
func (m *Machine) outcome(now time.Time) TransportStatus {
	if m.beginErr != nil {
		return TransportFailed
	}
	st := m.transport.Status()
	if st == TransportUp || st == TransportFailed {
		return st
	}
	if now.Sub(m.attemptStart) >= m.cfg.AttemptTimeout {
		m.logger.Info("Join attempt timed out", "error",
			errors.WrapTransient(errors.ErrConnectionTimeout, "Machine", "Step", "join network"))
		return TransportFailed
	}
	return TransportConnecting
}

func (m *Machine) startAttempt(now time.Time) {
	m.transport.Reset()
	m.attempting = true
	m.attemptStart = now
	m.lastAttempt = now
	m.beginErr = m.transport.Begin(m.creds)
	if m.beginErr != nil {
		m.logger.Warn("Join attempt could not start", "error", m.beginErr)
	} else {
		m.logger.Info("Joining network", "ssid", m.creds.SSID)
	}
}

func (m *Machine) endAttempt(now time.Time, result string) {
	m.transport.Reset()
	m.attempting = false
	m.beginErr = nil
	m.lastAttempt = now
	m.attempts.WithLabelValues(result).Inc()
}

func (m *Machine) enterPortal(now time.Time) {
	m.setState(PortalActive)
	m.openPortal(now)
}

func (m *Machine) openPortal(now time.Time) {
	m.lastPortalOpen = now
	if m.portal == nil || m.portalOpen {
		return
	}
	if err := m.portal.Open(); err != nil {
		m.logger.Warn("Failed to open provisioning portal", "error", err)
		return
	}
	m.portalOpen = true
	m.logger.Info("Provisioning portal open")
}

func (m *Machine) closePortal() {
	if m.portal == nil || !m.portalOpen {
		return
	}
	if err := m.portal.Close(); err != nil {
		m.logger.Warn("Failed to close provisioning portal", "error", err)
	}
	m.portalOpen = false
}

func (m *Machine) enterConnected() {
	m.attempting = false
	m.everConnected = true
	m.attempts.WithLabelValues("connected").Inc()
	m.setState(Connected)
	m.logger.Info("Link up", "ssid", m.creds.SSID)
	if m.hooks.OnConnected != nil {
		m.hooks.OnConnected()
	}
}

func (m *Machine) leaveConnected(now time.Time) {
	m.setState(Disconnected)
	m.lastAttempt = now
	m.transport.Reset()
	if m.hooks.OnDisconnected != nil {
		m.hooks.OnDisconnected()
	}
}

func (m *Machine) setCreds(c Credentials) {
	m.mu.Lock()
	m.creds = c
	m.hasCreds = true
	m.mu.Unlock()
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	m.stateGauge.Set(float64(s))
	if prev != s {
		m.logger.Debug("Link state changed", "from", prev.String(), "to", s.String())
	}
}
