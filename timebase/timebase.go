// Package timebase implements the virtual playhead that walks an archived
// series at a configurable speed, with optional looping over a sub-range.
//
// Position is derived from an anchor (wall time, position) pair rather than
// accumulated per tick, so a slow or skipped tick never drifts the clock.
// Every mutation re-anchors at the current instant.
package timebase

import (
	"log/slog"
	"sync"
	"time"

	"github.com/c360/reddust/errors"
)

// Playback limits
const (
	MinSpeed      = 0.1
	MaxSpeed      = 10.0
	MinLoopLength = 2 * time.Second
)

// State is the playback state
type State int

const (
	Stopped State = iota
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// Snapshot is one consistent view of the playhead
type Snapshot struct {
	Position    time.Time
	Speed       float64
	State       State
	LoopEnabled bool
	LoopStart   time.Time
	LoopEnd     time.Time
	Start       time.Time
	End         time.Time
}

// HasBounds reports whether a series range has been installed
func (s Snapshot) HasBounds() bool {
	return !s.End.IsZero()
}

// Option configures a Timebase
type Option func(*Timebase)

// WithClock replaces the wall clock, for tests
func WithClock(now func() time.Time) Option {
	return func(t *Timebase) { t.now = now }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Timebase) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Timebase is a bounded virtual clock. All methods are safe for concurrent use.
type Timebase struct {
	mu     sync.Mutex
	now    func() time.Time
	logger *slog.Logger

	start, end time.Time
	state      State
	speed      float64

	anchorWall time.Time
	anchorPos  time.Time

	loopEnabled        bool
	loopStart, loopEnd time.Time
}

// New creates a stopped Timebase at speed 1.0 with no bounds
func New(opts ...Option) *Timebase {
	t := &Timebase{
		now:    time.Now,
		logger: slog.Default(),
		speed:  1.0,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "timebase")
	return t
}

// SetBounds installs the series range. The playhead is clamped into it and
// a loop range that no longer fits is cleared.
func (t *Timebase) SetBounds(start, end time.Time) error {
	if !end.After(start) {
		return errors.Invalidf(errors.ErrInvalidConfig, "Timebase", "SetBounds",
			"end %s not after start %s", end, start)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	pos := t.positionLocked(now)

	t.start, t.end = start, end
	if t.loopEnd.After(end) || t.loopStart.Before(start) {
		t.loopStart, t.loopEnd = time.Time{}, time.Time{}
		t.loopEnabled = false
	}

	switch {
	case pos.IsZero() || pos.Before(start):
		pos = start
	case pos.After(end):
		pos = end
	}
	t.anchor(now, pos)
	return nil
}

// Start begins or resumes playback. From Stopped the playhead restarts at the
// loop start when looping, otherwise at the series start.
func (t *Timebase) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.end.IsZero() {
		return errors.WrapInvalid(errors.ErrNoSeries, "Timebase", "Start", "start playback")
	}

	now := t.now()
	switch t.state {
	case Playing:
		return nil
	case Stopped:
		t.anchor(now, t.restartPosition())
	case Paused:
		t.anchor(now, t.anchorPos)
	}
	t.state = Playing
	t.logger.Info("Playback started", "position", t.anchorPos, "speed", t.speed)
	return nil
}

// Pause freezes the playhead at its current position
func (t *Timebase) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Playing {
		return
	}
	now := t.now()
	t.anchor(now, t.positionLocked(now))
	t.state = Paused
	t.logger.Info("Playback paused", "position", t.anchorPos)
}

// Stop halts playback and rewinds the playhead
func (t *Timebase) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.anchor(t.now(), t.restartPosition())
	t.state = Stopped
	t.logger.Info("Playback stopped")
}

// SetSpeed changes the multiplier without moving the playhead
func (t *Timebase) SetSpeed(m float64) error {
	if !(m >= MinSpeed && m <= MaxSpeed) {
		return errors.Invalidf(errors.ErrInvalidConfig, "Timebase", "SetSpeed",
			"speed %g outside [%g, %g]", m, MinSpeed, MaxSpeed)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.anchor(now, t.positionLocked(now))
	t.speed = m
	t.logger.Info("Playback speed set", "speed", m)
	return nil
}

// SetLoopRange sets the loop sub-range. It must be at least MinLoopLength
// long and lie within the series bounds.
func (t *Timebase) SetLoopRange(start, end time.Time) error {
	if end.Sub(start) < MinLoopLength {
		return errors.Invalidf(errors.ErrInvalidConfig, "Timebase", "SetLoopRange",
			"loop length %s shorter than %s", end.Sub(start), MinLoopLength)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.end.IsZero() || start.Before(t.start) || end.After(t.end) {
		return errors.Invalidf(errors.ErrInvalidConfig, "Timebase", "SetLoopRange",
			"loop %s..%s outside series bounds", start, end)
	}
	t.loopStart, t.loopEnd = start, end
	t.logger.Info("Loop range set", "start", start, "end", end)
	return nil
}

// EnableLoop turns looping on or off. Enabling requires a loop range.
func (t *Timebase) EnableLoop(enabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if enabled && t.loopEnd.IsZero() {
		return errors.Invalidf(errors.ErrInvalidConfig, "Timebase", "EnableLoop", "no loop range set")
	}
	t.loopEnabled = enabled
	return nil
}

// Advance moves the playhead to wall time now and returns the resulting
// snapshot. Loop wrap and end-of-series handling happen here.
func (t *Timebase) Advance(now time.Time) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == Playing {
		pos := t.positionLocked(now)
		switch {
		case t.loopEnabled && pos.After(t.loopEnd):
			t.anchor(now, t.loopStart)
		case pos.After(t.end):
			t.anchor(now, t.restartPosition())
			t.state = Stopped
			t.logger.Info("Playback reached end of series")
		}
	}
	return t.snapshotLocked(now)
}

// Snapshot returns the current view without applying loop or end handling
func (t *Timebase) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(t.now())
}

// Now returns the timebase's wall clock reading
func (t *Timebase) Now() time.Time {
	return t.now()
}

func (t *Timebase) snapshotLocked(now time.Time) Snapshot {
	pos := t.positionLocked(now)
	if !t.end.IsZero() && pos.After(t.end) {
		pos = t.end
	}
	return Snapshot{
		Position:    pos,
		Speed:       t.speed,
		State:       t.state,
		LoopEnabled: t.loopEnabled,
		LoopStart:   t.loopStart,
		LoopEnd:     t.loopEnd,
		Start:       t.start,
		End:         t.end,
	}
}

func (t *Timebase) positionLocked(now time.Time) time.Time {
	if t.state != Playing {
		return t.anchorPos
	}
	elapsed := now.Sub(t.anchorWall)
	return t.anchorPos.Add(time.Duration(float64(elapsed) * t.speed))
}

func (t *Timebase) restartPosition() time.Time {
	if t.loopEnabled && !t.loopStart.IsZero() {
		return t.loopStart
	}
	return t.start
}

func (t *Timebase) anchor(now, pos time.Time) {
	t.anchorWall = now
	t.anchorPos = pos
}
