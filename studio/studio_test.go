package studio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/reddust/archive"
	"github.com/c360/reddust/dispatch"
	"github.com/c360/reddust/errors"
	"github.com/c360/reddust/normalize"
	"github.com/c360/reddust/session"
	"github.com/c360/reddust/timebase"
	"github.com/c360/reddust/wire"
)

var t0 = time.Date(2018, 12, 21, 0, 0, 0, 0, time.UTC)

type nopSender struct{}

func (nopSender) Send(wire.Message) error { return nil }
func (nopSender) Close() error            { return nil }

type memStore struct {
	st    session.State
	has   bool
	saves int
}

func (m *memStore) Load(context.Context) (session.State, error) {
	if !m.has {
		return session.State{}, errors.WrapInvalid(errors.ErrKeyNotFound, "memStore", "Load", "load")
	}
	return m.st, nil
}

func (m *memStore) Save(_ context.Context, st session.State) error {
	m.st, m.has = st, true
	m.saves++
	return nil
}

// ramp builds a channel with values 0..n-1, one per second
func ramp(t *testing.T, channel string, n int) *archive.Series {
	t.Helper()
	samples := make([]archive.Sample, n)
	for i := range samples {
		samples[i] = archive.Sample{Time: t0.Add(time.Duration(i) * time.Second), Value: float64(i)}
	}
	s, err := archive.NewSeries(channel, samples)
	require.NoError(t, err)
	return s
}

func newStudio(t *testing.T, store session.Store) *Studio {
	t.Helper()
	src := archive.NewMemorySource(ramp(t, "rover_temp", 101), ramp(t, "wind", 11))
	tb := timebase.New()
	model := normalize.New(nil)
	d := dispatch.New(tb, model, dispatch.WithSenderFactory(func(dispatch.DestinationConfig) (dispatch.Sender, error) {
		return nopSender{}, nil
	}))
	return New(src, model, tb, d, store, nil)
}

func lamp() dispatch.DestinationConfig {
	return dispatch.DestinationConfig{ID: "lamp", Kind: dispatch.KindUDP, Address: "127.0.0.1:8000",
		Path: "/red_dust/object_1", RemapMin: 10, RemapMax: 20, Enabled: true}
}

func TestStudio_SetChannel(t *testing.T) {
	s := newStudio(t, nil)
	ctx := context.Background()

	channels, err := s.Channels(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"rover_temp", "wind"}, channels)

	require.NoError(t, s.SetChannel(ctx, "rover_temp"))
	st := s.Model().State()
	assert.Equal(t, "rover_temp", st.Channel)
	assert.InDelta(t, 1.0, st.LoValue, 1e-9)
	assert.InDelta(t, 99.0, st.HiValue, 1e-9)

	snap := s.Timebase().Snapshot()
	assert.True(t, snap.Start.Equal(t0))
	assert.True(t, snap.End.Equal(t0.Add(100*time.Second)))
	assert.True(t, snap.Position.Equal(t0))

	require.NoError(t, s.SetChannel(ctx, "wind"))
	assert.True(t, s.Timebase().Snapshot().End.Equal(t0.Add(10*time.Second)))
}

func TestStudio_SetChannelUnknown(t *testing.T) {
	s := newStudio(t, nil)
	err := s.SetChannel(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownChannel)
	assert.Empty(t, s.Model().State().Channel)
}

func TestStudio_SaveLoadRoundTrip(t *testing.T) {
	store := &memStore{}
	ctx := context.Background()

	src := newStudio(t, store)
	require.NoError(t, src.SetChannel(ctx, "rover_temp"))
	require.NoError(t, src.Model().SetPercentiles(5, 95))
	require.NoError(t, src.Timebase().SetSpeed(2.5))
	require.NoError(t, src.Timebase().SetLoopRange(t0.Add(10*time.Second), t0.Add(40*time.Second)))
	require.NoError(t, src.Timebase().EnableLoop(true))
	require.NoError(t, src.Dispatcher().Add(lamp()))

	saved, err := src.Save(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, store.saves)
	assert.NotEmpty(t, saved.ID)
	require.NotNil(t, saved.Bounds)
	assert.InDelta(t, 5.0, saved.Bounds.LoValue, 1e-9)

	dst := newStudio(t, store)
	require.NoError(t, dst.Dispatcher().Add(dispatch.DestinationConfig{
		ID: "stale", Kind: dispatch.KindSerial, Address: "/dev/null", RemapMax: 1}))

	_, err = dst.Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, "rover_temp", dst.Model().State().Channel)
	assert.Equal(t, 5.0, dst.Model().State().LoPercentile)
	snap := dst.Timebase().Snapshot()
	assert.Equal(t, 2.5, snap.Speed)
	assert.True(t, snap.LoopEnabled)
	assert.True(t, snap.LoopStart.Equal(t0.Add(10*time.Second)))

	dests := dst.Dispatcher().Destinations()
	require.Len(t, dests, 1)
	assert.Equal(t, lamp(), dests[0])
	assert.Equal(t, saved.ID, dst.Capture().ID)
}

func TestStudio_RestoreUpdatesExisting(t *testing.T) {
	s := newStudio(t, nil)
	require.NoError(t, s.Dispatcher().Add(lamp()))

	st := s.Capture()
	st.Destinations[0].RemapMax = 50
	require.NoError(t, s.Restore(context.Background(), st))

	got, ok := s.Dispatcher().Destination("lamp")
	require.True(t, ok)
	assert.Equal(t, 50.0, got.RemapMax)
}

func TestStudio_RestoreRejectsInvalid(t *testing.T) {
	s := newStudio(t, nil)
	st := s.Capture()
	st.Percentiles = session.Percentiles{Low: 80, High: 20}

	err := s.Restore(context.Background(), st)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, normalize.DefaultLoPercentile, s.Model().State().LoPercentile)
}

func TestStudio_NoStore(t *testing.T) {
	s := newStudio(t, nil)
	_, err := s.Save(context.Background())
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
	_, err = s.Load(context.Background())
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestStudio_Status(t *testing.T) {
	s := newStudio(t, nil)
	st := s.Status()
	assert.Equal(t, "stopped", st.State)
	assert.Nil(t, st.SeriesStart)
	assert.Zero(t, st.Normalized)

	require.NoError(t, s.SetChannel(context.Background(), "rover_temp"))
	st = s.Status()
	require.NotNil(t, st.SeriesEnd)
	assert.True(t, st.SeriesEnd.Equal(t0.Add(100*time.Second)))
	assert.False(t, st.Streaming)
}
