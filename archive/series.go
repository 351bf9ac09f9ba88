// Package archive holds sample series and the sources that provide them.
// Fetching from remote archives is outside this module; sources here read
// local data prepared ahead of time.
package archive

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/c360/reddust/errors"
)

// Sample is one raw reading
type Sample struct {
	Time  time.Time
	Value float64
}

// Series is an immutable, time-ordered run of samples for one channel
type Series struct {
	channel string
	samples []Sample
}

// NewSeries copies samples into a Series. Timestamps must be strictly increasing.
func NewSeries(channel string, samples []Sample) (*Series, error) {
	if len(samples) == 0 {
		return nil, errors.WrapInvalid(errors.ErrNoSeries, "Series", "NewSeries", fmt.Sprintf("load channel %q", channel))
	}
	for i := 1; i < len(samples); i++ {
		if !samples[i].Time.After(samples[i-1].Time) {
			return nil, errors.Invalidf(errors.ErrInvalidData, "Series", "NewSeries",
				"channel %q sample %d not after its predecessor", channel, i)
		}
	}

	cp := make([]Sample, len(samples))
	copy(cp, samples)
	return &Series{channel: channel, samples: cp}, nil
}

// Channel returns the channel identifier
func (s *Series) Channel() string { return s.channel }

// Len returns the number of samples
func (s *Series) Len() int { return len(s.samples) }

// Start returns the first timestamp
func (s *Series) Start() time.Time { return s.samples[0].Time }

// End returns the last timestamp
func (s *Series) End() time.Time { return s.samples[len(s.samples)-1].Time }

// At returns sample i
func (s *Series) At(i int) Sample { return s.samples[i] }

// Values returns a copy of the raw values in order
func (s *Series) Values() []float64 {
	out := make([]float64, len(s.samples))
	for i, smp := range s.samples {
		out[i] = smp.Value
	}
	return out
}

// Lookup returns the latest sample at or before t. ok is false when t lies
// outside [Start, End].
func (s *Series) Lookup(t time.Time) (Sample, bool) {
	if t.Before(s.Start()) || t.After(s.End()) {
		return Sample{}, false
	}
	i := sort.Search(len(s.samples), func(i int) bool {
		return s.samples[i].Time.After(t)
	})
	return s.samples[i-1], true
}

// Source is the archive-access collaborator
type Source interface {
	SeriesFor(ctx context.Context, channel string) (*Series, error)
	Channels(ctx context.Context) ([]string, error)
}
