// Package checkpoint persists the last dispatched watched-layer timestamp.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/ubuntu/decorate"
)

// ErrNotFound is returned by Load when no checkpoint has been written yet.
var ErrNotFound = errors.New("checkpoint not found")

type document struct {
	LastChecked *int64 `json:"lastChecked"`
}

// Store reads and writes a JSON checkpoint file of the form
// {"lastChecked": <epoch ms>}.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Load() (ts int64, err error) {
	defer decorate.OnError(&err, "could not load checkpoint %s", s.path)

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("invalid checkpoint file: %w", err)
	}
	if doc.LastChecked == nil {
		return 0, fmt.Errorf("invalid checkpoint file: lastChecked missing")
	}

	return *doc.LastChecked, nil
}

// Save replaces the checkpoint file. The new content is written to a
// temporary file in the same directory and renamed over the old one, so a
// crash leaves either the old or the new value on disk.
func (s *Store) Save(ts int64) (err error) {
	defer decorate.OnError(&err, "could not save checkpoint %s", s.path)

	data, err := json.Marshal(document{LastChecked: &ts})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	return renameio.WriteFile(s.path, data, 0o644)
}
