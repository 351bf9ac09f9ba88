package connection

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/c360/reddust/errors"
)

// CredentialStore persists the network credentials. Load reports false
// when nothing is stored.
type CredentialStore interface {
	Load() (Credentials, bool, error)
	Save(c Credentials) error
}

// FileCredentialStore keeps credentials as a JSON file readable only by
// the owner.
type FileCredentialStore struct {
	Path string
}

// Load reads the file; a missing file is not an error
func (s FileCredentialStore) Load() (Credentials, bool, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return Credentials{}, false, nil
	}
	if err != nil {
		return Credentials{}, false, errors.WrapTransient(err, "FileCredentialStore", "Load", "read file")
	}
	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return Credentials{}, false, errors.WrapInvalid(err, "FileCredentialStore", "Load", "decode credentials")
	}
	if err := c.Validate(); err != nil {
		return Credentials{}, false, err
	}
	return c, true, nil
}

// Save writes atomically through a temp file
func (s FileCredentialStore) Save(c Credentials) error {
	data, err := json.Marshal(c)
	if err != nil {
		return errors.WrapInvalid(err, "FileCredentialStore", "Save", "encode credentials")
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return errors.WrapTransient(err, "FileCredentialStore", "Save", "create directory")
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.WrapTransient(err, "FileCredentialStore", "Save", "write file")
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		return errors.WrapTransient(err, "FileCredentialStore", "Save", "replace file")
	}
	return nil
}
