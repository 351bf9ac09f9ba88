package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/reddust/errors"
)

var t0 = time.Date(2018, 12, 21, 0, 0, 0, 0, time.UTC)

func mustSeries(t *testing.T, channel string, values ...float64) *Series {
	t.Helper()
	samples := make([]Sample, len(values))
	for i, v := range values {
		samples[i] = Sample{Time: t0.Add(time.Duration(i) * time.Second), Value: v}
	}
	s, err := NewSeries(channel, samples)
	require.NoError(t, err)
	return s
}

func TestNewSeries_Validation(t *testing.T) {
	_, err := NewSeries("BHU", nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewSeries("BHU", []Sample{{Time: t0, Value: 1}, {Time: t0, Value: 2}})
	assert.ErrorIs(t, err, errors.ErrInvalidData)
}

func TestSeries_Lookup(t *testing.T) {
	s := mustSeries(t, "BHU", 10, 20, 30)

	tests := []struct {
		name  string
		at    time.Time
		want  float64
		found bool
	}{
		{"before start", t0.Add(-time.Millisecond), 0, false},
		{"exact first", t0, 10, true},
		{"between samples takes earlier", t0.Add(1500 * time.Millisecond), 20, true},
		{"exact last", t0.Add(2 * time.Second), 30, true},
		{"after end", t0.Add(2*time.Second + time.Nanosecond), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			smp, ok := s.Lookup(tt.at)
			assert.Equal(t, tt.found, ok)
			if ok {
				assert.Equal(t, tt.want, smp.Value)
			}
		})
	}
}

func TestMemorySource(t *testing.T) {
	src := NewMemorySource(mustSeries(t, "BHV", 1), mustSeries(t, "BHU", 2))

	channels, err := src.Channels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BHU", "BHV"}, channels)

	s, err := src.SeriesFor(context.Background(), "BHU")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	_, err = src.SeriesFor(context.Background(), "BHW")
	assert.ErrorIs(t, err, errors.ErrUnknownChannel)
}

func TestCSVSource(t *testing.T) {
	dir := t.TempDir()
	content := "timestamp,value\n" +
		"2018-12-21T00:00:00Z,-50\n" +
		"2018-12-21T00:00:01Z,200\n" +
		"garbage,1\n" +
		"2018-12-21T00:00:02.5Z,450\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "BHU.csv"), []byte(content), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	src := NewCSVSource(dir, nil)

	channels, err := src.Channels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BHU"}, channels)

	s, err := src.SeriesFor(context.Background(), "BHU")
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []float64{-50, 200, 450}, s.Values())
	assert.True(t, t0.Add(2500*time.Millisecond).Equal(s.End()))

	again, err := src.SeriesFor(context.Background(), "BHU")
	require.NoError(t, err)
	assert.Same(t, s, again)

	_, err = src.SeriesFor(context.Background(), "missing")
	assert.ErrorIs(t, err, errors.ErrUnknownChannel)

	_, err = src.SeriesFor(context.Background(), "../etc/passwd")
	assert.True(t, errors.IsInvalid(err))
}
