// Package session persists the operator's working setup: the active
// channel, normalization percentiles, playback settings and destinations.
//
// Documents are versioned JSON validated against an embedded JSON schema
// on both save and load. Two stores are provided: a file on disk and a
// NATS JetStream key-value bucket.
package session

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/reddust/dispatch"
	"github.com/c360/reddust/errors"
)

// SchemaVersion is the document version this build writes and reads
const SchemaVersion = 1

//go:embed schema.json
var schemaJSON []byte

// Percentiles are the normalization bounds as percentiles
type Percentiles struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// Bounds are the values the percentiles resolved to when saved. They are
// informational; a restore recomputes them from the series.
type Bounds struct {
	LoValue float64 `json:"lo_value"`
	HiValue float64 `json:"hi_value"`
}

// Playback holds timebase settings
type Playback struct {
	Speed       float64    `json:"speed"`
	LoopEnabled bool       `json:"loop_enabled"`
	LoopStart   *time.Time `json:"loop_start,omitempty"`
	LoopEnd     *time.Time `json:"loop_end,omitempty"`
}

// State is one saved session
type State struct {
	Version      int                          `json:"version"`
	ID           string                       `json:"id"`
	SavedAt      time.Time                    `json:"saved_at"`
	Channel      string                       `json:"channel,omitempty"`
	Percentiles  Percentiles                  `json:"percentiles"`
	Bounds       *Bounds                      `json:"bounds,omitempty"`
	Playback     Playback                     `json:"playback"`
	Destinations []dispatch.DestinationConfig `json:"destinations"`
}

// Store loads and saves one session document
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

// Validate checks the state beyond what the schema expresses
func (s State) Validate() error {
	const component = "session"
	if s.Percentiles.Low < 0 || s.Percentiles.High > 100 || s.Percentiles.Low >= s.Percentiles.High {
		return errors.Invalidf(errors.ErrInvalidConfig, component, "Validate",
			"percentiles [%v, %v] must satisfy 0 <= low < high <= 100", s.Percentiles.Low, s.Percentiles.High)
	}
	if p := s.Playback; p.LoopStart != nil && p.LoopEnd != nil && !p.LoopEnd.After(*p.LoopStart) {
		return errors.Invalidf(errors.ErrInvalidConfig, component, "Validate", "loop end not after loop start")
	}
	seen := make(map[string]bool, len(s.Destinations))
	for _, d := range s.Destinations {
		if seen[d.ID] {
			return errors.Invalidf(errors.ErrDuplicateID, component, "Validate", "destination %q repeated", d.ID)
		}
		seen[d.ID] = true
		if err := d.Validate(); err != nil {
			return err
		}
	}
	return nil
}

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	})
	return schema, schemaErr
}

// Validate checks a raw document against the schema
func Validate(data []byte) error {
	sch, err := compiledSchema()
	if err != nil {
		return errors.WrapFatal(err, "session", "Validate", "compile schema")
	}
	result, err := sch.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return errors.WrapInvalid(err, "session", "Validate", "parse document")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return errors.Invalidf(errors.ErrInvalidConfig, "session", "Validate", "%s", strings.Join(msgs, "; "))
	}
	return nil
}

// Encode stamps and validates s and renders it as indented JSON
func Encode(s State) ([]byte, error) {
	s.Version = SchemaVersion
	if s.Destinations == nil {
		s.Destinations = []dispatch.DestinationConfig{}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, errors.WrapInvalid(err, "session", "Encode", "marshal state")
	}
	if err := Validate(data); err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Decode validates data and parses it
func Decode(data []byte) (State, error) {
	if err := Validate(data); err != nil {
		return State{}, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, errors.WrapInvalid(err, "session", "Decode", "unmarshal state")
	}
	if err := s.Validate(); err != nil {
		return State{}, err
	}
	return s, nil
}
