package session

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/c360/reddust/errors"
	"github.com/c360/reddust/metric"
)

// FileStore keeps the session as an indented JSON file
type FileStore struct {
	Path    string
	Metrics *metric.Metrics
	now     func() time.Time
}

// NewFileStore stores the session at path
func NewFileStore(path string, metrics *metric.Metrics) *FileStore {
	return &FileStore{Path: path, Metrics: metrics, now: time.Now}
}

// Load reads and validates the file. A missing file is ErrKeyNotFound.
func (f *FileStore) Load(_ context.Context) (State, error) {
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		f.Metrics.RecordSession("load", "not_found")
		return State{}, errors.WrapInvalid(errors.ErrKeyNotFound, "FileStore", "Load", "read "+f.Path)
	}
	if err != nil {
		f.Metrics.RecordSession("load", "error")
		return State{}, errors.WrapTransient(err, "FileStore", "Load", "read file")
	}
	s, err := Decode(data)
	if err != nil {
		f.Metrics.RecordSession("load", "invalid")
		return State{}, err
	}
	f.Metrics.RecordSession("load", "ok")
	return s, nil
}

// Save validates s and replaces the file atomically. An empty ID is
// assigned; SavedAt is stamped.
func (f *FileStore) Save(_ context.Context, s State) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if f.now != nil {
		s.SavedAt = f.now().UTC()
	} else {
		s.SavedAt = time.Now().UTC()
	}
	data, err := Encode(s)
	if err != nil {
		f.Metrics.RecordSession("save", "invalid")
		return err
	}

	if dir := filepath.Dir(f.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			f.Metrics.RecordSession("save", "error")
			return errors.WrapTransient(err, "FileStore", "Save", "create directory")
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.Path), ".session-*.json")
	if err != nil {
		f.Metrics.RecordSession("save", "error")
		return errors.WrapTransient(err, "FileStore", "Save", "create temp file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		f.Metrics.RecordSession("save", "error")
		return errors.WrapTransient(err, "FileStore", "Save", "write temp file")
	}
	if err := tmp.Close(); err != nil {
		f.Metrics.RecordSession("save", "error")
		return errors.WrapTransient(err, "FileStore", "Save", "close temp file")
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		f.Metrics.RecordSession("save", "error")
		return errors.WrapTransient(err, "FileStore", "Save", "replace file")
	}
	f.Metrics.RecordSession("save", "ok")
	return nil
}
