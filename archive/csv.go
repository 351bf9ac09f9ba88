package archive

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/relvacode/iso8601"

	"github.com/c360/reddust/errors"
)

// CSVSource reads one series per "<channel>.csv" file in a directory.
// Each file has a "timestamp,value" header followed by ISO 8601 timestamps
// and raw values. Parsed series are cached for the life of the source.
type CSVSource struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*Series
}

// NewCSVSource creates a source rooted at dir
func NewCSVSource(dir string, logger *slog.Logger) *CSVSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &CSVSource{
		dir:    dir,
		logger: logger.With("component", "archive"),
		cache:  make(map[string]*Series),
	}
}

// Channels lists the channel files present in the directory
func (c *CSVSource) Channels(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, errors.WrapTransient(err, "CSVSource", "Channels", "read archive directory")
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
	}
	sort.Strings(out)
	return out, nil
}

// SeriesFor loads and caches the series for channel
func (c *CSVSource) SeriesFor(ctx context.Context, channel string) (*Series, error) {
	if strings.ContainsAny(channel, `/\`) || channel == "" || channel == "." || channel == ".." {
		return nil, errors.Invalidf(errors.ErrUnknownChannel, "CSVSource", "SeriesFor", "bad channel name %q", channel)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.cache[channel]; ok {
		return s, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(c.dir, channel+".csv"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapInvalid(errors.ErrUnknownChannel, "CSVSource", "SeriesFor",
				fmt.Sprintf("find channel %q", channel))
		}
		return nil, errors.WrapTransient(err, "CSVSource", "SeriesFor", "open channel file")
	}
	defer f.Close()

	samples, skipped, err := readSamples(f)
	if err != nil {
		return nil, errors.WrapInvalid(err, "CSVSource", "SeriesFor", fmt.Sprintf("parse channel %q", channel))
	}
	if skipped > 0 {
		c.logger.Warn("Skipped unparseable rows", "channel", channel, "rows", skipped)
	}

	s, err := NewSeries(channel, samples)
	if err != nil {
		return nil, err
	}
	c.cache[channel] = s
	c.logger.Info("Loaded series", "channel", channel, "samples", s.Len(),
		"start", s.Start(), "end", s.End())
	return s, nil
}

func readSamples(r io.Reader) ([]Sample, int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 2
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("read header: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(header[0]), "timestamp") {
		return nil, 0, fmt.Errorf("unexpected header %q: %w", header[0], errors.ErrInvalidData)
	}

	var samples []Sample
	skipped := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, skipped, err
		}

		ts, err := iso8601.ParseString(strings.TrimSpace(rec[0]))
		if err != nil {
			skipped++
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		if err != nil {
			skipped++
			continue
		}
		samples = append(samples, Sample{Time: ts, Value: v})
	}
	return samples, skipped, nil
}
