// Package state tracks the installed manifest and the aborted-run marker
// inside the data directory.
package state

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/domain"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/source/manifest"
)

const (
	// FileName is the persisted manifest of the last applied run.
	FileName = "assets.json"
	// LockName marks a run that started mutating the content store.
	LockName = FileName + ".lock"
)

// Store reads and writes installer state in a single directory
type Store struct {
	dir string
}

// New creates a store rooted at dir
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the data directory.
func (s *Store) Dir() string { return s.dir }

// StatePath returns the location of the persisted manifest.
func (s *Store) StatePath() string {
	return filepath.Join(s.dir, FileName)
}

// LockPath returns the location of the aborted-run marker.
func (s *Store) LockPath() string {
	return filepath.Join(s.dir, LockName)
}

// Load returns the installed manifest, or nil if nothing was installed yet.
// A malformed state file is reported as *domain.DeserializationError.
func (s *Store) Load() (*domain.Manifest, error) {
	m, err := manifest.Load(s.StatePath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Save persists m as the installed manifest.
func (s *Store) Save(m *domain.Manifest) error {
	return manifest.Save(s.StatePath(), m)
}

// Revision returns the LastRevision of the installed manifest, or 0.
func (s *Store) Revision() (int, error) {
	m, err := s.Load()
	if err != nil || m == nil {
		return 0, err
	}
	return m.LastRevision, nil
}

// Installed reports whether a state file exists.
func (s *Store) Installed() bool {
	_, err := os.Stat(s.StatePath())
	return err == nil
}

// Lock writes the aborted-run marker. It is left behind if the process
// dies before Unlock.
func (s *Store) Lock() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	stamp := strconv.FormatInt(time.Now().Unix(), 10)
	if err := os.WriteFile(s.LockPath(), []byte(stamp), 0644); err != nil {
		return fmt.Errorf("writing lock file: %w", err)
	}
	return nil
}

// Unlock removes the aborted-run marker. A missing marker is not an error.
func (s *Store) Unlock() error {
	if err := os.Remove(s.LockPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

// Aborted reports whether a previous run left its marker behind.
func (s *Store) Aborted() bool {
	_, err := os.Stat(s.LockPath())
	return err == nil
}

// LockedSince returns when the marker was written. ok is false when there
// is no readable marker.
func (s *Store) LockedSince() (t time.Time, ok bool) {
	data, err := os.ReadFile(s.LockPath())
	if err != nil {
		return time.Time{}, false
	}
	sec, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(sec, 0), true
}
