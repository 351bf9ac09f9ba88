// Package studio ties the control center together: the archive source, the
// normalization model, the playhead, the dispatcher and the session store.
// The control surface talks to a Studio, never to the parts directly.
package studio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/reddust/archive"
	"github.com/c360/reddust/dispatch"
	"github.com/c360/reddust/errors"
	"github.com/c360/reddust/normalize"
	"github.com/c360/reddust/session"
	"github.com/c360/reddust/timebase"
)

// Studio is the control center's working set
type Studio struct {
	source     archive.Source
	model      *normalize.Model
	timebase   *timebase.Timebase
	dispatcher *dispatch.Dispatcher
	store      session.Store
	logger     *slog.Logger

	// mu serializes channel switches and restores
	mu        sync.Mutex
	sessionID string
}

// New composes a studio. store may be nil, in which case Save and Load fail.
func New(source archive.Source, model *normalize.Model, tb *timebase.Timebase,
	d *dispatch.Dispatcher, store session.Store, logger *slog.Logger) *Studio {
	if logger == nil {
		logger = slog.Default()
	}
	return &Studio{
		source:     source,
		model:      model,
		timebase:   tb,
		dispatcher: d,
		store:      store,
		logger:     logger.With("component", "studio"),
	}
}

// Timebase returns the playhead
func (s *Studio) Timebase() *timebase.Timebase { return s.timebase }

// Model returns the normalization model
func (s *Studio) Model() *normalize.Model { return s.model }

// Dispatcher returns the streaming dispatcher
func (s *Studio) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Channels lists the channels the archive source can serve
func (s *Studio) Channels(ctx context.Context) ([]string, error) {
	return s.source.Channels(ctx)
}

// SetChannel loads a channel's series, recomputes normalization bounds and
// moves the playhead bounds onto the series range.
func (s *Studio) SetChannel(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setChannelLocked(ctx, channel)
}

func (s *Studio) setChannelLocked(ctx context.Context, channel string) error {
	series, err := s.source.SeriesFor(ctx, channel)
	if err != nil {
		return err
	}
	if !series.End().After(series.Start()) {
		return errors.Invalidf(errors.ErrNoSeries, "Studio", "SetChannel",
			"channel %q spans no time", channel)
	}
	if err := s.timebase.SetBounds(series.Start(), series.End()); err != nil {
		return err
	}
	if err := s.model.SetSeries(series); err != nil {
		return err
	}
	st := s.model.State()
	s.logger.Info("Channel selected", "channel", channel, "samples", series.Len(),
		"lo_value", st.LoValue, "hi_value", st.HiValue)
	return nil
}

// Capture returns the current setup as a session document
func (s *Studio) Capture() session.State {
	s.mu.Lock()
	id := s.sessionID
	s.mu.Unlock()

	norm := s.model.State()
	snap := s.timebase.Snapshot()

	st := session.State{
		Version:      session.SchemaVersion,
		ID:           id,
		Channel:      norm.Channel,
		Percentiles:  session.Percentiles{Low: norm.LoPercentile, High: norm.HiPercentile},
		Playback:     session.Playback{Speed: snap.Speed, LoopEnabled: snap.LoopEnabled},
		Destinations: s.dispatcher.Destinations(),
	}
	if norm.Channel != "" {
		st.Bounds = &session.Bounds{LoValue: norm.LoValue, HiValue: norm.HiValue}
	}
	if !snap.LoopEnd.IsZero() {
		start, end := snap.LoopStart, snap.LoopEnd
		st.Playback.LoopStart, st.Playback.LoopEnd = &start, &end
	}
	return st
}

// Restore applies a session document. The document is validated first; a
// failure part way leaves earlier steps applied and reports which step
// failed.
func (s *Studio) Restore(ctx context.Context, st session.State) error {
	if err := st.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if st.Channel != "" {
		if err := s.setChannelLocked(ctx, st.Channel); err != nil {
			return errors.Wrap(err, "Studio", "Restore", fmt.Sprintf("select channel %q", st.Channel))
		}
	}
	if err := s.model.SetPercentiles(st.Percentiles.Low, st.Percentiles.High); err != nil {
		return err
	}
	if st.Playback.Speed != 0 {
		if err := s.timebase.SetSpeed(st.Playback.Speed); err != nil {
			return err
		}
	}
	if err := s.restoreLoop(st.Playback); err != nil {
		return err
	}
	if err := s.restoreDestinations(st.Destinations); err != nil {
		return err
	}

	s.sessionID = st.ID
	s.logger.Info("Session restored", "id", st.ID, "channel", st.Channel,
		"destinations", len(st.Destinations))
	return nil
}

func (s *Studio) restoreLoop(p session.Playback) error {
	if p.LoopStart != nil && p.LoopEnd != nil {
		if err := s.timebase.SetLoopRange(*p.LoopStart, *p.LoopEnd); err != nil {
			return err
		}
	}
	return s.timebase.EnableLoop(p.LoopEnabled)
}

// restoreDestinations makes the dispatcher's set equal to want. Existing
// IDs are updated in place so their senders survive.
func (s *Studio) restoreDestinations(want []dispatch.DestinationConfig) error {
	keep := make(map[string]bool, len(want))
	for _, d := range want {
		keep[d.ID] = true
	}
	for _, d := range s.dispatcher.Destinations() {
		if !keep[d.ID] {
			if err := s.dispatcher.Remove(d.ID); err != nil {
				return err
			}
		}
	}
	for _, d := range want {
		var err error
		if _, ok := s.dispatcher.Destination(d.ID); ok {
			err = s.dispatcher.Update(d)
		} else {
			err = s.dispatcher.Add(d)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Save captures the setup and writes it to the store
func (s *Studio) Save(ctx context.Context) (session.State, error) {
	if s.store == nil {
		return session.State{}, errors.WrapInvalid(errors.ErrMissingConfig, "Studio", "Save", "find session store")
	}
	s.mu.Lock()
	if s.sessionID == "" {
		s.sessionID = uuid.NewString()
	}
	s.mu.Unlock()

	st := s.Capture()
	st.SavedAt = time.Now().UTC()
	if err := s.store.Save(ctx, st); err != nil {
		return session.State{}, err
	}
	s.logger.Info("Session saved", "channel", st.Channel, "destinations", len(st.Destinations))
	return st, nil
}

// Load reads the stored session and restores it
func (s *Studio) Load(ctx context.Context) (session.State, error) {
	if s.store == nil {
		return session.State{}, errors.WrapInvalid(errors.ErrMissingConfig, "Studio", "Load", "find session store")
	}
	st, err := s.store.Load(ctx)
	if err != nil {
		return session.State{}, err
	}
	if err := s.Restore(ctx, st); err != nil {
		return session.State{}, err
	}
	return st, nil
}

// Status is a point-in-time view for the control surface
type Status struct {
	State        string                       `json:"state"`
	Position     time.Time                    `json:"position"`
	Speed        float64                      `json:"speed"`
	LoopEnabled  bool                         `json:"loop_enabled"`
	LoopStart    *time.Time                   `json:"loop_start,omitempty"`
	LoopEnd      *time.Time                   `json:"loop_end,omitempty"`
	SeriesStart  *time.Time                   `json:"series_start,omitempty"`
	SeriesEnd    *time.Time                   `json:"series_end,omitempty"`
	Normalized   float64                      `json:"normalized"`
	Bounds       normalize.State              `json:"normalization"`
	Streaming    bool                         `json:"streaming"`
	Destinations []dispatch.DestinationConfig `json:"destinations"`
}

// Status reports playback, normalization and streaming state
func (s *Studio) Status() Status {
	snap := s.timebase.Snapshot()
	st := Status{
		State:        snap.State.String(),
		Position:     snap.Position,
		Speed:        snap.Speed,
		LoopEnabled:  snap.LoopEnabled,
		Normalized:   s.model.Normalized(snap.Position),
		Bounds:       s.model.State(),
		Streaming:    s.dispatcher.Streaming(),
		Destinations: s.dispatcher.Destinations(),
	}
	if !snap.LoopEnd.IsZero() {
		st.LoopStart, st.LoopEnd = &snap.LoopStart, &snap.LoopEnd
	}
	if snap.HasBounds() {
		st.SeriesStart, st.SeriesEnd = &snap.Start, &snap.End
	}
	return st
}
