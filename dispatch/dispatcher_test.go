package dispatch

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/reddust/archive"
	"github.com/c360/reddust/errors"
	"github.com/c360/reddust/metric"
	"github.com/c360/reddust/normalize"
	"github.com/c360/reddust/timebase"
	"github.com/c360/reddust/wire"
)

var seriesStart = time.Date(2018, 12, 21, 0, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Add(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type recordingSender struct {
	id     string
	fail   bool
	mu     sync.Mutex
	msgs   []wire.Message
	closed bool
}

func (s *recordingSender) Send(m wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.WrapTransient(errors.ErrTransport, "recordingSender", "Send", "send")
	}
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *recordingSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSender) values() []float32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float32, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Value
	}
	return out
}

type senderBank struct {
	mu       sync.Mutex
	senders  map[string]*recordingSender
	failing  map[string]bool
	dialErr  map[string]bool
	creates  map[string]int
}

func newSenderBank() *senderBank {
	return &senderBank{
		senders: map[string]*recordingSender{},
		failing: map[string]bool{},
		dialErr: map[string]bool{},
		creates: map[string]int{},
	}
}

func (b *senderBank) factory(cfg DestinationConfig) (Sender, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creates[cfg.ID]++
	if b.dialErr[cfg.ID] {
		return nil, errors.WrapTransient(fmt.Errorf("dial refused"), "bank", "factory", "dial")
	}
	s := &recordingSender{id: cfg.ID, fail: b.failing[cfg.ID]}
	b.senders[cfg.ID] = s
	return s, nil
}

func (b *senderBank) get(id string) *recordingSender {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.senders[id]
}

type presenterFunc func(Feedback)

func (f presenterFunc) Present(fb Feedback) { f(fb) }

type fixture struct {
	clock *fakeClock
	tb    *timebase.Timebase
	model *normalize.Model
	bank  *senderBank
	d     *Dispatcher
}

// newFixture builds a 101-sample ramp -50..450 at 1 Hz with P0/P100 bounds,
// so the sample at +50 s (raw 200) normalizes to exactly 0.5.
func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	samples := make([]archive.Sample, 101)
	for i := range samples {
		samples[i] = archive.Sample{Time: seriesStart.Add(time.Duration(i) * time.Second), Value: -50 + float64(i)*5}
	}
	series, err := archive.NewSeries("BHU", samples)
	require.NoError(t, err)

	model := normalize.New(nil)
	require.NoError(t, model.SetSeries(series))
	require.NoError(t, model.SetPercentiles(0, 100))

	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	tb := timebase.New(timebase.WithClock(clock.Now))
	require.NoError(t, tb.SetBounds(series.Start(), series.End()))

	bank := newSenderBank()
	opts = append([]Option{WithSenderFactory(bank.factory), WithPeriod(time.Hour)}, opts...)
	return &fixture{clock: clock, tb: tb, model: model, bank: bank, d: New(tb, model, opts...)}
}

func udpDest(id string, lo, hi float64, enabled bool) DestinationConfig {
	return DestinationConfig{
		ID: id, Kind: KindUDP, Address: "127.0.0.1:9", Path: "/red_dust/" + id,
		RemapMin: lo, RemapMax: hi, Enabled: enabled,
	}
}

func TestDispatcher_ScenarioRemap(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.Add(udpDest("obj1", 10, 20, true)))
	require.NoError(t, f.tb.Start())

	f.d.Tick(f.clock.Add(50 * time.Second))

	s := f.bank.get("obj1")
	require.NotNil(t, s)
	require.Len(t, s.msgs, 1)
	assert.Equal(t, float32(15.0), s.msgs[0].Value)
	assert.Equal(t, "/red_dust/obj1", s.msgs[0].Address)
	assert.Equal(t, "2018-12-21T00:00:50.000000Z", s.msgs[0].Timestamp)
}

func TestDispatcher_StopSendsExactlyOneSilence(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.Add(udpDest("a", 10, 20, true)))
	require.NoError(t, f.d.Add(udpDest("b", 0, 255, true)))
	require.NoError(t, f.d.Add(udpDest("off", 0, 1, false)))

	require.NoError(t, f.d.Start(context.Background()))
	assert.True(t, f.d.Streaming())
	for i := 0; i < 3; i++ {
		f.d.Tick(f.clock.Add(time.Second))
	}

	require.NoError(t, f.d.Stop(context.Background()))
	assert.False(t, f.d.Streaming())

	a := f.bank.get("a").values()
	b := f.bank.get("b").values()
	require.Len(t, a, 4)
	require.Len(t, b, 4)
	assert.Equal(t, float32(10), a[3])
	assert.Equal(t, float32(0), b[3])
	assert.Nil(t, f.bank.get("off"), "disabled destination never gets a sender")

	require.NoError(t, f.d.Stop(context.Background()), "second stop is a no-op")
	assert.Len(t, f.bank.get("a").values(), 4)
}

func TestDispatcher_StopSilencesEvenAtRemapMin(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.Add(udpDest("a", 3, 9, true)))
	require.NoError(t, f.d.Start(context.Background()))

	f.d.Tick(f.clock.Now()) // stopped timebase sits at series start, value -50, normalized 0
	require.NoError(t, f.d.Stop(context.Background()))

	assert.Equal(t, []float32{3, 3}, f.bank.get("a").values())
}

func TestDispatcher_ConfigChangeNextTick(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.Add(udpDest("a", 10, 20, true)))
	require.NoError(t, f.tb.Start())

	f.d.Tick(f.clock.Add(50 * time.Second))
	require.NoError(t, f.d.SetRemap("a", 100, 200))

	staged, ok := f.d.Destination("a")
	require.True(t, ok)
	assert.Equal(t, 100.0, staged.RemapMin)
	assert.Equal(t, []float32{15}, f.bank.get("a").values(), "nothing sent between ticks")

	f.tb.Pause()
	f.d.Tick(f.clock.Now())
	assert.Equal(t, []float32{15, 150}, f.bank.get("a").values())
}

func TestDispatcher_NoTornRemapUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.Add(udpDest("a", 0, 10, true)))
	require.NoError(t, f.tb.Start())
	f.d.Tick(f.clock.Add(50 * time.Second))
	f.tb.Pause()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			cfg := udpDest("a", 0, 10, true)
			if i%2 == 1 {
				cfg.RemapMin, cfg.RemapMax = 100, 110
			}
			_ = f.d.Update(cfg)
		}
	}()

	for i := 0; i < 200; i++ {
		f.d.Tick(f.clock.Now())
	}
	close(stop)
	wg.Wait()

	for _, v := range f.bank.get("a").values() {
		assert.True(t, v == 5 || v == 105, "value %v mixes two configurations", v)
	}
}

func TestDispatcher_DisableSendsOneSilence(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.Add(udpDest("a", 10, 20, true)))
	require.NoError(t, f.tb.Start())

	f.d.Tick(f.clock.Add(50 * time.Second))
	require.NoError(t, f.d.SetEnabled("a", false))
	f.d.Tick(f.clock.Add(time.Second))
	f.d.Tick(f.clock.Add(time.Second))

	vals := f.bank.get("a").values()
	require.Len(t, vals, 2)
	assert.Equal(t, float32(10), vals[1])
}

func TestDispatcher_FailingDestinationDoesNotBlockSiblings(t *testing.T) {
	f := newFixture(t)
	f.bank.failing["bad"] = true
	f.bank.dialErr["nodial"] = true

	require.NoError(t, f.d.Add(udpDest("bad", 0, 1, true)))
	require.NoError(t, f.d.Add(udpDest("nodial", 0, 1, true)))
	require.NoError(t, f.d.Add(udpDest("good", 0, 1, true)))

	for i := 0; i < 3; i++ {
		f.d.Tick(f.clock.Now())
	}

	assert.Len(t, f.bank.get("good").values(), 3)
	assert.Empty(t, f.bank.get("bad").values())
	assert.Equal(t, 3, f.bank.creates["nodial"], "dial is retried every tick")
	assert.Equal(t, 1, f.bank.creates["bad"], "a working sender is reused")
	assert.Equal(t, 3.0, testutil.ToFloat64(f.d.metrics.sendErrors.WithLabelValues("nodial")))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.d.metrics.sent.WithLabelValues("good")))
}

func TestDispatcher_RemoveWhileStreaming(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.Add(udpDest("a", 7, 8, true)))
	f.d.Tick(f.clock.Now())

	require.NoError(t, f.d.Remove("a"))
	f.d.Tick(f.clock.Now())

	s := f.bank.get("a")
	assert.Equal(t, []float32{7, 7}, s.values())
	assert.True(t, s.closed)
	assert.Empty(t, f.d.Destinations())
	assert.ErrorIs(t, f.d.Remove("a"), errors.ErrUnknownDestination)
}

func TestDispatcher_AddressChangeReplacesSender(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.Add(udpDest("a", 0, 1, true)))
	f.d.Tick(f.clock.Now())
	first := f.bank.get("a")

	cfg := udpDest("a", 0, 1, true)
	cfg.Address = "127.0.0.1:10"
	require.NoError(t, f.d.Update(cfg))
	f.d.Tick(f.clock.Now())

	assert.True(t, first.closed)
	assert.NotSame(t, first, f.bank.get("a"))
}

func TestDispatcher_Validation(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.Add(udpDest("a", 0, 1, true)))

	tests := []struct {
		name string
		cfg  DestinationConfig
		is   error
	}{
		{"duplicate", udpDest("a", 0, 1, true), errors.ErrDuplicateID},
		{"inverted remap", udpDest("b", 5, 1, true), errors.ErrInvalidConfig},
		{"missing id", udpDest("", 0, 1, true), errors.ErrInvalidConfig},
		{"bad path", DestinationConfig{ID: "c", Kind: KindUDP, Address: "h:1", Path: "nope"}, errors.ErrInvalidConfig},
		{"no port", DestinationConfig{ID: "c", Kind: KindUDP, Address: "10.0.0.7", Path: "/red_dust/c"}, errors.ErrInvalidConfig},
		{"no address", DestinationConfig{ID: "c", Kind: KindSerial}, errors.ErrInvalidConfig},
		{"bad kind", DestinationConfig{ID: "c", Kind: "carrier-pigeon", Address: "x"}, errors.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.d.Add(tt.cfg)
			assert.ErrorIs(t, err, tt.is)
			assert.True(t, errors.IsInvalid(err))
		})
	}

	assert.ErrorIs(t, f.d.SetRemap("a", 2, 1), errors.ErrInvalidConfig)
	staged, _ := f.d.Destination("a")
	assert.Equal(t, 1.0, staged.RemapMax, "rejected change keeps prior config")

	assert.ErrorIs(t, f.d.SetEnabled("zzz", true), errors.ErrUnknownDestination)

	serial := DestinationConfig{ID: "s", Kind: KindSerial, Address: "/dev/ttyUSB0", RemapMax: 1}
	require.NoError(t, f.d.Add(serial))
	got, _ := f.d.Destination("s")
	assert.Equal(t, DefaultBaudRate, got.BaudRate)
}

func TestDispatcher_PresenterAndMetrics(t *testing.T) {
	var mu sync.Mutex
	var seen []Feedback
	registry := metric.NewMetricsRegistry()

	f := newFixture(t,
		WithPresenter(presenterFunc(func(fb Feedback) {
			mu.Lock()
			seen = append(seen, fb)
			mu.Unlock()
		})),
		WithMetrics(registry),
	)
	require.NoError(t, f.d.Add(udpDest("a", 10, 20, true)))
	require.NoError(t, f.tb.Start())
	require.NoError(t, f.d.Start(context.Background()))

	f.d.Tick(f.clock.Add(50 * time.Second))
	require.NoError(t, f.d.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, Feedback{DestinationID: "a", Value: 15}, seen[0])
	assert.Equal(t, Feedback{DestinationID: "a", Value: 10, Silence: true}, seen[1])
	assert.Equal(t, 1.0, testutil.ToFloat64(f.d.metrics.ticks))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.d.metrics.streaming))
}

func TestDispatcher_StartTwice(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.d.Start(context.Background()))
	defer func() { _ = f.d.Close(context.Background()) }()

	err := f.d.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestDispatcher_ScheduleRuns(t *testing.T) {
	f := newFixture(t)
	f.d.period = 5 * time.Millisecond
	require.NoError(t, f.d.Add(udpDest("a", 0, 1, true)))
	require.NoError(t, f.d.Start(context.Background()))

	require.Eventually(t, func() bool {
		s := f.bank.get("a")
		return s != nil && len(s.values()) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.d.Close(context.Background()))
	assert.True(t, f.bank.get("a").closed)
}

type stallPort struct {
	release chan struct{}
}

func (p *stallPort) Write(b []byte) (int, error) {
	<-p.release
	return len(b), nil
}

func (p *stallPort) Close() error { return nil }

func TestDispatcher_StalledSerialDoesNotBlockTick(t *testing.T) {
	port := &stallPort{release: make(chan struct{})}
	defer close(port.release)

	var f *fixture
	f = newFixture(t, WithSenderFactory(func(cfg DestinationConfig) (Sender, error) {
		if cfg.Kind == KindSerial {
			return NewSerialSender(cfg.Address, cfg.BaudRate, func(string, int) (io.WriteCloser, error) {
				return port, nil
			}), nil
		}
		return f.bank.factory(cfg)
	}))

	serial := DestinationConfig{ID: "s", Kind: KindSerial, Address: "/dev/ttyFAKE", RemapMax: 1, Enabled: true}
	require.NoError(t, f.d.Add(serial))
	require.NoError(t, f.d.Add(udpDest("u", 0, 1, true)))
	f.d.Tick(f.clock.Now())
	time.Sleep(20 * time.Millisecond) // serial writer now stuck in Write

	serial.Address = "/dev/ttyOTHER"
	require.NoError(t, f.d.Update(serial))
	start := time.Now()
	f.d.Tick(f.clock.Now())
	assert.Less(t, time.Since(start), 200*time.Millisecond, "replacing a stalled sender")

	require.NoError(t, f.d.Remove("s"))
	start = time.Now()
	f.d.Tick(f.clock.Now())
	assert.Less(t, time.Since(start), 200*time.Millisecond, "retiring a stalled sender")

	assert.Len(t, f.bank.get("u").values(), 3)
	assert.NoError(t, f.d.Close(context.Background()))
}

func TestDispatcher_CloseBoundsSerialFlush(t *testing.T) {
	port := &stallPort{release: make(chan struct{})}
	defer close(port.release)

	f := newFixture(t, WithSenderFactory(func(cfg DestinationConfig) (Sender, error) {
		return NewSerialSender(cfg.Address, cfg.BaudRate, func(string, int) (io.WriteCloser, error) {
			return port, nil
		}), nil
	}))
	require.NoError(t, f.d.Add(DestinationConfig{ID: "s", Kind: KindSerial, Address: "/dev/ttyFAKE", RemapMax: 1, Enabled: true}))
	f.d.Tick(f.clock.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := f.d.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, errors.IsTransient(err))
}
