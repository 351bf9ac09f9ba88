// Package dispatch runs the fixed-rate streaming schedule: every tick it
// reads the playhead, normalizes the sample under it and sends one remapped
// value to each enabled destination.
//
// Destination configuration is staged by the control surface and committed
// at the start of a tick, so a change is seen whole on the next tick and
// never halfway through one. Each destination has its own lock; the set lock
// only guards membership.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/reddust/errors"
	"github.com/c360/reddust/metric"
	"github.com/c360/reddust/normalize"
	"github.com/c360/reddust/timebase"
	"github.com/c360/reddust/wire"
)

// DefaultPeriod is the tick interval, 60 Hz
const DefaultPeriod = time.Second / 60

// Feedback is what the presentation side sees for each send
type Feedback struct {
	DestinationID string  `json:"destination_id"`
	Value         float64 `json:"value"`
	Silence       bool    `json:"silence,omitempty"`
}

// Presenter receives per-destination values for live feedback. Present is
// called from the tick goroutine and must not block.
type Presenter interface {
	Present(f Feedback)
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithPeriod overrides the tick interval
func WithPeriod(p time.Duration) Option {
	return func(d *Dispatcher) {
		if p > 0 {
			d.period = p
		}
	}
}

// WithSenderFactory replaces the sender constructor
func WithSenderFactory(f SenderFactory) Option {
	return func(d *Dispatcher) { d.newSender = f }
}

// WithPresenter attaches a feedback collaborator
func WithPresenter(p Presenter) Option {
	return func(d *Dispatcher) { d.presenter = p }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics registers dispatcher metrics
func WithMetrics(r metric.MetricsRegistrar) Option {
	return func(d *Dispatcher) { d.registrar = r }
}

// destination is one entry of the set. staged is written by the control
// surface under mu; active and the sender belong to the tick goroutine.
type destination struct {
	mu     sync.Mutex
	staged DestinationConfig

	active    DestinationConfig
	committed bool
	sender    Sender
	senderKey string

	errLimiter *rate.Limiter
	suppressed int
}

// Dispatcher is the streaming scheduler
type Dispatcher struct {
	timebase  *timebase.Timebase
	model     *normalize.Model
	period    time.Duration
	newSender SenderFactory
	presenter Presenter
	logger    *slog.Logger
	registrar metric.MetricsRegistrar
	metrics   *Metrics

	setMu   sync.RWMutex
	order   []string
	entries map[string]*destination
	retired []*destination

	// tickMu serializes ticks and the final silence pass
	tickMu sync.Mutex

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New creates a stopped dispatcher
func New(tb *timebase.Timebase, model *normalize.Model, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		timebase:  tb,
		model:     model,
		period:    DefaultPeriod,
		newSender: DefaultSenderFactory,
		logger:    slog.Default(),
		entries:   make(map[string]*destination),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	d.metrics = newMetrics(d.registrar)
	return d
}

// Add registers a destination. IDs are unique.
func (d *Dispatcher) Add(cfg DestinationConfig) error {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	d.setMu.Lock()
	defer d.setMu.Unlock()

	if _, exists := d.entries[cfg.ID]; exists {
		return errors.WrapInvalid(errors.ErrDuplicateID, "Dispatcher", "Add", fmt.Sprintf("add destination %q", cfg.ID))
	}
	d.entries[cfg.ID] = &destination{
		staged:     cfg,
		errLimiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
	d.order = append(d.order, cfg.ID)
	d.logger.Info("Destination added", "id", cfg.ID, "kind", cfg.Kind, "address", cfg.Address)
	return nil
}

// Update replaces a destination's configuration from the next tick on
func (d *Dispatcher) Update(cfg DestinationConfig) error {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	return d.mutate(cfg.ID, "Update", func(c *DestinationConfig) error {
		*c = cfg
		return nil
	})
}

// SetEnabled toggles a destination. Disabling one that was streaming sends
// it a single RemapMin value on the next tick.
func (d *Dispatcher) SetEnabled(id string, enabled bool) error {
	return d.mutate(id, "SetEnabled", func(c *DestinationConfig) error {
		c.Enabled = enabled
		return nil
	})
}

// SetRemap changes the output range
func (d *Dispatcher) SetRemap(id string, lo, hi float64) error {
	return d.mutate(id, "SetRemap", func(c *DestinationConfig) error {
		next := *c
		next.RemapMin, next.RemapMax = lo, hi
		if err := next.Validate(); err != nil {
			return err
		}
		*c = next
		return nil
	})
}

func (d *Dispatcher) mutate(id, method string, fn func(*DestinationConfig) error) error {
	d.setMu.RLock()
	entry, ok := d.entries[id]
	d.setMu.RUnlock()
	if !ok {
		return errors.WrapInvalid(errors.ErrUnknownDestination, "Dispatcher", method, fmt.Sprintf("find destination %q", id))
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return fn(&entry.staged)
}

// Remove deletes a destination. If it was streaming it receives a final
// RemapMin value on the next tick before its sender is closed.
func (d *Dispatcher) Remove(id string) error {
	d.setMu.Lock()
	defer d.setMu.Unlock()

	entry, ok := d.entries[id]
	if !ok {
		return errors.WrapInvalid(errors.ErrUnknownDestination, "Dispatcher", "Remove", fmt.Sprintf("find destination %q", id))
	}
	delete(d.entries, id)
	for i, v := range d.order {
		if v == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	d.retired = append(d.retired, entry)
	d.logger.Info("Destination removed", "id", id)
	return nil
}

// Destination returns the staged configuration of one destination
func (d *Dispatcher) Destination(id string) (DestinationConfig, bool) {
	d.setMu.RLock()
	entry, ok := d.entries[id]
	d.setMu.RUnlock()
	if !ok {
		return DestinationConfig{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.staged, true
}

// Destinations returns the staged configurations in insertion order
func (d *Dispatcher) Destinations() []DestinationConfig {
	entries, _ := d.snapshotSet(false)
	out := make([]DestinationConfig, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.staged)
		e.mu.Unlock()
	}
	return out
}

// snapshotSet copies the entry pointers, optionally taking the retired list
func (d *Dispatcher) snapshotSet(takeRetired bool) ([]*destination, []*destination) {
	d.setMu.Lock()
	defer d.setMu.Unlock()

	entries := make([]*destination, 0, len(d.order))
	for _, id := range d.order {
		entries = append(entries, d.entries[id])
	}
	var retired []*destination
	if takeRetired {
		retired, d.retired = d.retired, nil
	}
	return entries, retired
}

// Start launches the schedule
func (d *Dispatcher) Start(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Dispatcher", "Start", "start streaming")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true
	d.metrics.streaming.Set(1)

	go d.loop(runCtx, d.done)
	d.logger.Info("Streaming started", "period", d.period)
	return nil
}

// Streaming reports whether the schedule is running
func (d *Dispatcher) Streaming() bool {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	return d.running
}

// Stop halts the schedule, then sends exactly one RemapMin value to every
// enabled destination. Stopping a stopped dispatcher does nothing.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if !d.running {
		return nil
	}
	d.cancel()
	select {
	case <-d.done:
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Dispatcher", "Stop", "wait for schedule")
	}
	d.running = false
	d.metrics.streaming.Set(0)

	d.silence()
	d.logger.Info("Streaming stopped")
	return nil
}

// Close stops streaming and releases every sender
func (d *Dispatcher) Close(ctx context.Context) error {
	err := d.Stop(ctx)

	d.tickMu.Lock()
	entries, retired := d.snapshotSet(true)
	var pending []<-chan struct{}
	for _, e := range append(entries, retired...) {
		if f, ok := e.sender.(flusher); ok {
			pending = append(pending, f.Done())
		}
		d.closeSender(e)
	}
	d.tickMu.Unlock()

	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "Dispatcher", "Close", "flush senders")
		}
	}
	return err
}

// flusher is a sender that finishes writing after Close returns
type flusher interface {
	Done() <-chan struct{}
}

func (d *Dispatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(d.timebase.Now())
		}
	}
}

// Tick runs one scheduling step at wall time now. The schedule calls it;
// tests may call it directly on a stopped dispatcher.
func (d *Dispatcher) Tick(now time.Time) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	started := time.Now()
	entries, retired := d.snapshotSet(true)

	snap := d.timebase.Advance(now)
	normalized := d.model.Normalized(snap.Position)
	stamp := ""
	if snap.HasBounds() {
		stamp = wire.FormatTimestamp(snap.Position)
	}

	for _, e := range retired {
		if e.committed && e.active.Enabled {
			d.send(e, e.active, e.active.RemapMin, stamp, true)
		}
		d.closeSender(e)
	}

	for _, e := range entries {
		prev, wasOn, cfg := e.commit()
		switch {
		case cfg.Enabled:
			d.send(e, cfg, cfg.Remap(normalized), stamp, false)
		case wasOn:
			d.send(e, prev, prev.RemapMin, stamp, true)
		}
	}

	d.metrics.ticks.Inc()
	d.metrics.tickDuration.Observe(time.Since(started).Seconds())
}

// commit promotes the staged configuration. It returns the previous active
// config and whether it was enabled.
func (e *destination) commit() (prev DestinationConfig, wasOn bool, cfg DestinationConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, wasOn = e.active, e.committed && e.active.Enabled
	e.active = e.staged
	e.committed = true
	return prev, wasOn, e.active
}

func (d *Dispatcher) silence() {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	entries, retired := d.snapshotSet(true)
	stamp := ""
	if snap := d.timebase.Snapshot(); snap.HasBounds() {
		stamp = wire.FormatTimestamp(snap.Position)
	}

	for _, e := range retired {
		if e.committed && e.active.Enabled {
			d.send(e, e.active, e.active.RemapMin, stamp, true)
		}
		d.closeSender(e)
	}
	for _, e := range entries {
		prev, wasOn, cfg := e.commit()
		switch {
		case cfg.Enabled:
			d.send(e, cfg, cfg.RemapMin, stamp, true)
		case wasOn:
			d.send(e, prev, prev.RemapMin, stamp, true)
		}
		// the next run starts from silence
		e.committed = false
	}
}

func (d *Dispatcher) send(e *destination, cfg DestinationConfig, value float64, stamp string, silence bool) {
	if d.presenter != nil {
		d.presenter.Present(Feedback{DestinationID: cfg.ID, Value: value, Silence: silence})
	}

	sender, err := d.senderFor(e, cfg)
	if err == nil {
		err = sender.Send(wire.Message{Address: cfg.Path, Value: float32(value), Timestamp: stamp})
	}
	if err != nil {
		d.metrics.sendErrors.WithLabelValues(cfg.ID).Inc()
		d.logSendError(e, cfg.ID, err)
		return
	}
	d.metrics.sent.WithLabelValues(cfg.ID).Inc()
}

func (d *Dispatcher) senderFor(e *destination, cfg DestinationConfig) (Sender, error) {
	key := cfg.senderKey()
	if e.sender != nil && e.senderKey == key {
		return e.sender, nil
	}
	d.closeSender(e)

	s, err := d.newSender(cfg)
	if err != nil {
		return nil, err
	}
	e.sender, e.senderKey = s, key
	return s, nil
}

func (d *Dispatcher) closeSender(e *destination) {
	if e.sender == nil {
		return
	}
	if err := e.sender.Close(); err != nil {
		d.logger.Debug("Sender close failed", "error", err)
	}
	e.sender, e.senderKey = nil, ""
}

// logSendError logs at most one failure per destination every few seconds
func (d *Dispatcher) logSendError(e *destination, id string, err error) {
	if !e.errLimiter.Allow() {
		e.suppressed++
		return
	}
	d.logger.Warn("Send to destination failed", "id", id, "error", err,
		"class", errors.Classify(err).String(), "suppressed", e.suppressed)
	e.suppressed = 0
}
