package features

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"autocoder/pkg/utils"
)

// DefaultFileName is the registry file name inside the project directory.
const DefaultFileName = "feature_list.json"

// ErrRegistryCorrupt is returned when the registry file exists but cannot be
// interpreted. The file is left untouched so the operator can repair it.
var ErrRegistryCorrupt = errors.New("feature registry is corrupt")

// Store reads and writes a registry file.
type Store struct {
	path string
}

// NewStore creates a store for the registry at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the registry file path.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether the registry file is present.
func (s *Store) Exists() bool {
	return utils.FileExists(s.path)
}

// Load reads the registry. found is false when the file does not exist, which
// is the normal state of a fresh project. A file that exists but does not
// hold a valid registry yields an error wrapping ErrRegistryCorrupt.
func (s *Store) Load() (*Registry, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read feature registry %s: %w", s.path, err)
	}

	reg, err := Parse(data)
	if err != nil {
		return nil, true, fmt.Errorf("%s: %w", s.path, err)
	}
	return reg, true, nil
}

// Save writes the registry with two-space indentation, replacing the file atomically.
func (s *Store) Save(reg *Registry) error {
	data, err := Encode(reg)
	if err != nil {
		return err
	}
	if err := utils.WriteFileAtomic(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to save feature registry: %w", err)
	}
	return nil
}

// MarkComplete loads the registry, marks the feature passing, and saves it.
// An unknown id leaves the file unchanged.
func (s *Store) MarkComplete(id string) (*Registry, error) {
	reg, found, err := s.Load()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("feature registry %s does not exist", s.path)
	}
	if _, ok := reg.Find(id); !ok {
		return reg, nil
	}
	updated := reg.MarkComplete(id)
	if err := s.Save(updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// Parse decodes registry JSON and validates it.
func Parse(data []byte) (*Registry, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryCorrupt, err)
	}
	list, ok := raw["features"]
	if !ok {
		return nil, fmt.Errorf("%w: missing \"features\" array", ErrRegistryCorrupt)
	}

	var featuresList []Feature
	if err := json.Unmarshal(list, &featuresList); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryCorrupt, err)
	}
	if featuresList == nil {
		return nil, fmt.Errorf("%w: \"features\" must be an array", ErrRegistryCorrupt)
	}

	reg := &Registry{Features: featuresList}
	if err := reg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryCorrupt, err)
	}
	return reg, nil
}

// Encode renders the registry as indented JSON with a trailing newline.
func Encode(reg *Registry) ([]byte, error) {
	if reg == nil {
		reg = &Registry{}
	}
	out := struct {
		Features []Feature `json:"features"`
	}{Features: reg.Features}
	if out.Features == nil {
		out.Features = []Feature{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return nil, fmt.Errorf("failed to encode feature registry: %w", err)
	}
	return buf.Bytes(), nil
}
