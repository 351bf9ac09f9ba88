package normalize

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/reddust/archive"
	"github.com/c360/reddust/errors"
)

var t0 = time.Date(2018, 12, 21, 0, 0, 0, 0, time.UTC)

func seriesOf(t *testing.T, values ...float64) *archive.Series {
	t.Helper()
	samples := make([]archive.Sample, len(values))
	for i, v := range values {
		samples[i] = archive.Sample{Time: t0.Add(time.Duration(i) * time.Second), Value: v}
	}
	s, err := archive.NewSeries("BHU", samples)
	require.NoError(t, err)
	return s
}

// rampSeries builds 101 samples -50, -45, ... 450 so that P0/P100 are exact.
func rampSeries(t *testing.T) *archive.Series {
	values := make([]float64, 101)
	for i := range values {
		values[i] = -50 + float64(i)*5
	}
	return seriesOf(t, values...)
}

func TestPercentile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4}

	assert.Equal(t, 1.0, Percentile(sorted, 0))
	assert.Equal(t, 4.0, Percentile(sorted, 100))
	assert.InDelta(t, 2.5, Percentile(sorted, 50), 1e-12)
	assert.InDelta(t, 1.03, Percentile(sorted, 1), 1e-12)
	assert.Equal(t, 7.0, Percentile([]float64{7}, 99))
}

func TestModel_ScenarioHalfway(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.SetSeries(rampSeries(t)))
	require.NoError(t, m.SetPercentiles(0, 100))

	st := m.State()
	assert.Equal(t, -50.0, st.LoValue)
	assert.Equal(t, 450.0, st.HiValue)

	// sample 50 holds 200
	assert.InDelta(t, 0.5, m.Normalized(t0.Add(50*time.Second)), 1e-12)
}

func TestModel_RangeProperties(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.SetSeries(seriesOf(t, -1000, 0, 3, 7, 1000, 12)))

	for i := 0; i < 6; i++ {
		v := m.Normalized(t0.Add(time.Duration(i)*time.Second + 300*time.Millisecond))
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}

	assert.Equal(t, 0.0, m.Normalized(t0.Add(-time.Nanosecond)))
	assert.Equal(t, 0.0, m.Normalized(t0.Add(6*time.Second)))
}

func TestModel_EqualBoundsYieldZero(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.SetSeries(seriesOf(t, 5, 5, 5, 5)))

	st := m.State()
	assert.Equal(t, st.LoValue, st.HiValue)
	for i := 0; i < 4; i++ {
		assert.Equal(t, 0.0, m.Normalized(t0.Add(time.Duration(i)*time.Second)))
	}
}

func TestModel_FiltersSentinelsAndNonFinite(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.SetSeries(seriesOf(t, -2147483648, 0, math.NaN(), 10, math.Inf(1), 2147483647)))
	require.NoError(t, m.SetPercentiles(0, 100))

	st := m.State()
	assert.Equal(t, 2, st.ValidSamples)
	assert.Equal(t, 0.0, st.LoValue)
	assert.Equal(t, 10.0, st.HiValue)

	assert.Equal(t, 0.0, m.Normalized(t0.Add(2*time.Second)), "NaN sample reads as zero")
	assert.Equal(t, 1.0, m.Normalized(t0.Add(5*time.Second)), "sentinel is clamped to the upper bound")
}

func TestModel_NoValidData(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.SetSeries(seriesOf(t, math.NaN(), math.Inf(-1))))

	st := m.State()
	assert.Equal(t, 0.0, st.LoValue)
	assert.Equal(t, 1.0, st.HiValue)
}

func TestModel_SetPercentilesValidation(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.SetSeries(rampSeries(t)))
	before := m.State()

	for _, bad := range [][2]float64{{-1, 50}, {10, 101}, {50, 50}, {60, 40}, {math.NaN(), 90}} {
		err := m.SetPercentiles(bad[0], bad[1])
		assert.True(t, errors.IsInvalid(err), "%v", bad)
	}
	assert.Equal(t, before, m.State())
}

func TestModel_RecomputeIsSynchronous(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.SetSeries(rampSeries(t)))
	at := t0.Add(90 * time.Second) // raw 400

	require.NoError(t, m.SetPercentiles(0, 100))
	assert.InDelta(t, 0.9, m.Normalized(at), 1e-12)

	require.NoError(t, m.SetPercentiles(0, 80)) // hi = 350
	assert.Equal(t, 1.0, m.Normalized(at))
}

func TestModel_NoSeries(t *testing.T) {
	m := New(nil)
	assert.Equal(t, 0.0, m.Normalized(t0))
	assert.Error(t, m.SetSeries(nil))
}
