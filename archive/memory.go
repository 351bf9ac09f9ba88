package archive

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/c360/reddust/errors"
)

// MemorySource serves series held in memory
type MemorySource struct {
	mu     sync.RWMutex
	series map[string]*Series
}

// NewMemorySource creates a source from already-built series
func NewMemorySource(series ...*Series) *MemorySource {
	m := &MemorySource{series: make(map[string]*Series, len(series))}
	for _, s := range series {
		m.series[s.Channel()] = s
	}
	return m
}

// Put adds or replaces a series
func (m *MemorySource) Put(s *Series) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series[s.Channel()] = s
}

// SeriesFor implements Source
func (m *MemorySource) SeriesFor(_ context.Context, channel string) (*Series, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.series[channel]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrUnknownChannel, "MemorySource", "SeriesFor",
			fmt.Sprintf("find channel %q", channel))
	}
	return s, nil
}

// Channels implements Source
func (m *MemorySource) Channels(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.series))
	for ch := range m.series {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out, nil
}
