package receiver

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/reddust/errors"
	"github.com/c360/reddust/metric"
	"github.com/c360/reddust/wire"
)

// DefaultPollInterval paces Run
const DefaultPollInterval = time.Millisecond

// Link is the node's network connection manager. Step must not block.
type Link interface {
	Step(now time.Time)
	StatusText() string
}

// NodeOption configures a Node
type NodeOption func(*Node)

// WithWired attaches the wired byte source
func WithWired(src ByteSource) NodeOption {
	return func(n *Node) { n.wired = src }
}

// WithLink attaches the network connection manager
func WithLink(l Link) NodeOption {
	return func(n *Node) { n.link = l }
}

// WithDriver sets the actuator driver
func WithDriver(d Driver) NodeOption {
	return func(n *Node) { n.driver = d }
}

// WithDisplay sets the status display
func WithDisplay(d Display) NodeOption {
	return func(n *Node) { n.display = d }
}

// WithNodeLogger sets the logger
func WithNodeLogger(l *slog.Logger) NodeOption {
	return func(n *Node) {
		if l != nil {
			n.logger = l
		}
	}
}

// WithNodeMetrics registers receiver metrics
func WithNodeMetrics(r metric.MetricsRegistrar) NodeOption {
	return func(n *Node) { n.registrar = r }
}

// Node is the receiver loop. Poll, Bind and Unbind belong to the loop
// goroutine; LastStatus may be read from anywhere.
type Node struct {
	ctx      *Context
	arbiter  *Arbiter
	actuator *Actuator

	wired   ByteSource
	network PacketSource
	link    Link
	driver  Driver
	display Display

	logger    *slog.Logger
	registrar metric.MetricsRegistrar
	metrics   *Metrics
	ioLimiter *rate.Limiter

	shown  Status
	status atomic.Pointer[Status]
}

// NewNode validates cfg and builds an idle node
func NewNode(cfg Config, opts ...NodeOption) (*Node, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := &Node{
		ctx:       NewContext(cfg),
		arbiter:   NewArbiter(cfg.ActiveWindow),
		logger:    slog.Default(),
		ioLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("component", "receiver", "address", cfg.Address)
	n.actuator = NewActuator(cfg.Floor, cfg.Ceiling, n.driver)
	n.metrics = newMetrics(n.registrar)
	n.status.Store(&Status{LinkText: "Idle"})
	return n, nil
}

// Bind starts polling src for datagrams. Called by the link when it
// connects.
func (n *Node) Bind(src PacketSource) {
	n.network = src
	n.logger.Info("Network listener bound")
}

// Unbind stops datagram polling
func (n *Node) Unbind() {
	if n.network == nil {
		return
	}
	n.network = nil
	n.logger.Info("Network listener unbound")
}

// Context exposes the node state to the loop goroutine
func (n *Node) Context() *Context {
	return n.ctx
}

// LastStatus is the status computed by the latest poll
func (n *Node) LastStatus() Status {
	return *n.status.Load()
}

// Run polls every interval until ctx is done, then resets the node
func (n *Node) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	n.logger.Info("Receiver loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			n.Reset()
			n.logger.Info("Receiver loop stopped")
			return nil
		case now := <-ticker.C:
			n.Poll(now)
		}
	}
}

// Reset returns the node to its boot state and drives the floor output
func (n *Node) Reset() {
	n.ctx = NewContext(n.ctx.cfg)
	n.arbiter = NewArbiter(n.ctx.cfg.ActiveWindow)
	n.actuator = NewActuator(n.ctx.cfg.Floor, n.ctx.cfg.Ceiling, n.driver)
	if _, err := n.actuator.Apply(0); err != nil {
		n.logger.Warn("Failed to drive floor output on reset", "error", err)
	}
	n.metrics.mode.Set(float64(Idle))
	n.metrics.output.Set(n.ctx.Output)
}

// Poll runs one pass of the loop at now
func (n *Node) Poll(now time.Time) {
	c := n.ctx
	n.pollWired(c, now)
	if !c.WiredSource.Receiving(now, c.cfg.ActiveWindow) {
		n.pollNetwork(c, now)
	}
	n.arbitrate(c, now)
	if n.link != nil {
		n.link.Step(now)
	}
	n.actuate(c)
	n.present(c, now)
}

func (n *Node) pollWired(c *Context, now time.Time) {
	if n.wired == nil {
		return
	}
	read := 0
	for read < c.cfg.MaxWiredBytes {
		k, err := n.wired.ReadAvailable(c.scratch)
		if k > 0 {
			c.Wired.Feed(c.scratch[:k], now)
			read += k
		}
		if err != nil {
			n.ioError("wired", err)
			break
		}
		if k == 0 {
			break
		}
	}
	if read > 0 {
		c.WiredSource.LastSeen = now
	}

	if line, ok := c.Wired.Take(); ok {
		v, err := wire.ParseFrame(line)
		if err == nil {
			err = c.accept(&c.WiredSource, v, now)
		}
		n.record("wired", err)
	}
	if c.Wired.Expire(now, c.cfg.StaleAfter) {
		n.logger.Debug("Discarded stale partial frame")
	}
}

func (n *Node) pollNetwork(c *Context, now time.Time) {
	if n.network == nil {
		return
	}
	size, got := 0, false
	for i := 0; i < c.cfg.MaxDatagrams; i++ {
		k, ok, err := n.network.ReadPacket(c.packet)
		if err != nil {
			n.ioError("network", err)
			break
		}
		if !ok {
			break
		}
		size, got = k, true
	}
	if !got {
		return
	}

	res := wire.Decode(c.packet[:size], c.cfg.Address)
	switch res.Kind {
	case wire.OK:
		err := c.accept(&c.NetworkSource, float64(res.Value), now)
		if err == nil {
			c.NetworkSource.LastSeen = now
		}
		n.record("network", err)
	case wire.NotForThisAddress:
		n.metrics.frame("network", "ignored")
	default:
		n.record("network", errors.Invalidf(errors.ErrProtocolDecode, "receiver", "pollNetwork",
			"malformed datagram of %d bytes", size))
	}
}

func (n *Node) arbitrate(c *Context, now time.Time) {
	mode, changed := n.arbiter.Step(now, c.WiredSource, c.NetworkSource)
	c.Mode = mode
	if changed {
		n.metrics.mode.Set(float64(mode))
		n.logger.Debug("Input mode changed", "mode", mode.String())
	}
}

func (n *Node) actuate(c *Context) {
	out, err := n.actuator.Apply(c.Current)
	c.Output = out
	n.metrics.output.Set(out)
	if err != nil {
		n.ioError("actuator", err)
	}
}

func (n *Node) present(c *Context, now time.Time) {
	st := Status{
		LinkText: n.linkText(c, now),
		Value:    c.Current,
		Receiving: c.WiredSource.Receiving(now, c.cfg.ActiveWindow) ||
			c.NetworkSource.Receiving(now, c.cfg.ActiveWindow),
	}
	if st == n.shown {
		return
	}
	n.shown = st
	n.status.Store(&st)
	if n.display != nil {
		n.display.Show(st)
	}
}

// linkText mirrors the node display: the wired link wins while it has been
// active recently, otherwise the network link reports its own state.
func (n *Node) linkText(c *Context, now time.Time) string {
	if c.Mode == WiredPriority || c.WiredSource.Receiving(now, c.cfg.InactiveAfter) {
		return "Serial"
	}
	if n.link != nil {
		return n.link.StatusText()
	}
	return "Idle"
}

func (n *Node) record(source string, err error) {
	if err == nil {
		n.metrics.frame(source, "accepted")
		return
	}
	n.metrics.frame(source, "dropped")
	n.logger.Debug("Dropped input", "source", source, "error", err)
}

func (n *Node) ioError(source string, err error) {
	if n.ioLimiter.Allow() {
		n.logger.Warn("Input/output error", "source", source, "error", err)
	}
}
