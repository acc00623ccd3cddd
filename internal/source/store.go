// Package source persists named InjectionSource profiles so CLI
// invocations and queued jobs can reference a source by name instead of
// inlining trust data. Real pairing and authentication live outside the
// daemon; this registry only stores what they produced.
package source

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/wopr-net/wopr/internal/trust"
)

// validName matches alphanumeric, dash, underscore, and dot characters only.
var validName = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateName rejects names that could cause path traversal.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("name must not contain '..'")
	}
	if !validName.MatchString(name) {
		return fmt.Errorf("name contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed")
	}
	return nil
}

// Profile is one stored source with its bookkeeping timestamps.
type Profile struct {
	Name      string                `json:"name"`
	Source    trust.InjectionSource `json:"source"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt *time.Time            `json:"updated_at,omitempty"`
}

// Store manages source profile files on disk, one JSON file per name.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a Store backed by the given directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create source directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Put saves src under name, creating or updating the profile. The
// source must validate; a registry full of malformed sources would turn
// every later injection into a config error.
func (s *Store) Put(name string, src trust.InjectionSource) error {
	if err := validateName(name); err != nil {
		return fmt.Errorf("invalid source name: %w", err)
	}
	if err := src.Validate(); err != nil {
		return fmt.Errorf("source %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	p := Profile{Name: name, Source: src, CreatedAt: now}
	if prev, err := s.read(name); err == nil {
		p.CreatedAt = prev.CreatedAt
		p.UpdatedAt = &now
	}
	return s.writeAtomic(s.path(name), p)
}

// Get returns the source stored under name.
func (s *Store) Get(name string) (*trust.InjectionSource, error) {
	if err := validateName(name); err != nil {
		return nil, fmt.Errorf("invalid source name: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.read(name)
	if err != nil {
		return nil, fmt.Errorf("source %q not found: %w", name, err)
	}
	return &p.Source, nil
}

// Remove deletes the profile stored under name.
func (s *Store) Remove(name string) error {
	if err := validateName(name); err != nil {
		return fmt.Errorf("invalid source name: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(name)); err != nil {
		return fmt.Errorf("source %q not found: %w", name, err)
	}
	return nil
}

// List returns all stored profiles, skipping unreadable files.
func (s *Store) List() ([]Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var profiles []Profile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		p, err := s.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		profiles = append(profiles, *p)
	}
	return profiles, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func (s *Store) read(name string) (*Profile, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) writeAtomic(path string, p Profile) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
