// Package normalize maps raw archive samples onto [0, 1] using percentile
// clamping over the active channel.
package normalize

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/c360/reddust/archive"
	"github.com/c360/reddust/errors"
)

// Default percentile bounds
const (
	DefaultLoPercentile = 1.0
	DefaultHiPercentile = 99.0
)

// sentinelLimit marks integer fill values used by archives for missing data.
// Samples at or beyond it in magnitude are excluded from bounds computation.
const sentinelLimit = 2147483640

// State is the normalization state for the active channel
type State struct {
	Channel      string  `json:"channel"`
	LoPercentile float64 `json:"lo_percentile"`
	HiPercentile float64 `json:"hi_percentile"`
	LoValue      float64 `json:"lo_value"`
	HiValue      float64 `json:"hi_value"`
	ValidSamples int     `json:"valid_samples"`
}

// Model owns the active series and its percentile bounds. Bounds are
// recomputed under the write lock, so a reader never sees a series paired
// with stale bounds.
type Model struct {
	mu     sync.RWMutex
	logger *slog.Logger

	series *archive.Series
	state  State
}

// New creates a model with default percentiles and no series
func New(logger *slog.Logger) *Model {
	if logger == nil {
		logger = slog.Default()
	}
	return &Model{
		logger: logger.With("component", "normalize"),
		state: State{
			LoPercentile: DefaultLoPercentile,
			HiPercentile: DefaultHiPercentile,
			LoValue:      0,
			HiValue:      1,
		},
	}
}

// SetSeries installs the active channel's series and recomputes bounds
func (m *Model) SetSeries(series *archive.Series) error {
	if series == nil || series.Len() == 0 {
		return errors.WrapInvalid(errors.ErrNoSeries, "Model", "SetSeries", "install series")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.series = series
	m.state.Channel = series.Channel()
	m.recomputeLocked()
	return nil
}

// SetPercentiles changes the bounds and recomputes them. Requires 0 <= lo < hi <= 100.
func (m *Model) SetPercentiles(lo, hi float64) error {
	if !(lo >= 0 && hi <= 100 && lo < hi) {
		return errors.Invalidf(errors.ErrInvalidConfig, "Model", "SetPercentiles",
			"percentiles %g..%g must satisfy 0 <= lo < hi <= 100", lo, hi)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.LoPercentile, m.state.HiPercentile = lo, hi
	m.recomputeLocked()
	m.logger.Info("Scaling updated", "lo_percentile", lo, "hi_percentile", hi)
	return nil
}

// State returns a copy of the current state
func (m *Model) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Series returns the active series, or nil
func (m *Model) Series() *archive.Series {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.series
}

// Normalized returns the value at t in [0, 1]. Outside the series range,
// with no series, on a non-finite sample, or when the bounds are equal it
// returns exactly 0.
func (m *Model) Normalized(t time.Time) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.series == nil {
		return 0
	}
	smp, ok := m.series.Lookup(t)
	if !ok || math.IsNaN(smp.Value) || math.IsInf(smp.Value, 0) {
		return 0
	}
	return scale(smp.Value, m.state.LoValue, m.state.HiValue)
}

func scale(v, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	v = math.Max(lo, math.Min(v, hi))
	n := (v - lo) / (hi - lo)
	return math.Max(0, math.Min(1, n))
}

func (m *Model) recomputeLocked() {
	if m.series == nil {
		return
	}

	raw := m.series.Values()
	valid := raw[:0]
	for _, v := range raw {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= -sentinelLimit || v >= sentinelLimit {
			continue
		}
		valid = append(valid, v)
	}
	m.state.ValidSamples = len(valid)

	if len(valid) == 0 {
		m.logger.Warn("No valid data points for normalization", "channel", m.state.Channel)
		m.state.LoValue, m.state.HiValue = 0, 1
		return
	}
	if dropped := len(raw) - len(valid); dropped > 0 {
		m.logger.Info("Filtered invalid samples", "channel", m.state.Channel,
			"dropped", dropped, "total", len(raw))
	}

	sort.Float64s(valid)
	m.state.LoValue = Percentile(valid, m.state.LoPercentile)
	m.state.HiValue = Percentile(valid, m.state.HiPercentile)
	m.logger.Debug("Normalization bounds computed", "channel", m.state.Channel,
		"lo", m.state.LoValue, "hi", m.state.HiValue)
}

// Percentile returns the p-th percentile of sorted using linear
// interpolation between the closest ranks. sorted must be ascending and
// non-empty.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo < 0 {
		return sorted[0]
	}
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
