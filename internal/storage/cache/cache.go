// Package cache manages the staging directory downloads and extractions
// pass through before they reach the content store.
package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DirName is the staging directory inside the data directory.
const DirName = "Temp"

const (
	partSuffix    = ".part"
	archiveSuffix = ".zip"
	extractPrefix = "extract-"
)

// Cache manages the staging directory
type Cache struct {
	basePath string
}

// New creates a new staging manager
func New(basePath string) *Cache {
	return &Cache{basePath: basePath}
}

// Dir returns the staging directory.
func (c *Cache) Dir() string {
	return c.basePath
}

// Ensure creates the staging directory if it does not exist.
func (c *Cache) Ensure() error {
	if err := os.MkdirAll(c.basePath, 0755); err != nil {
		return fmt.Errorf("creating staging dir: %w", err)
	}
	return nil
}

// ArchivePath returns where a downloaded archive named name is stored
func (c *Cache) ArchivePath(name string) string {
	return filepath.Join(c.basePath, filepath.Base(name))
}

// PartPath returns the in-progress sibling of an archive path.
func PartPath(path string) string {
	return path + partSuffix
}

// MkdirExtract creates a private directory to unpack one archive into.
func (c *Cache) MkdirExtract() (string, error) {
	if err := c.Ensure(); err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp(c.basePath, extractPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("creating extract dir: %w", err)
	}
	return dir, nil
}

// Stale lists leftovers of earlier runs: partial downloads, archives that
// were never installed and abandoned extract directories.
func (c *Cache) Stale() ([]string, error) {
	entries, err := os.ReadDir(c.basePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading staging dir: %w", err)
	}

	var stale []string
	for _, e := range entries {
		name := e.Name()
		switch {
		case e.IsDir() && strings.HasPrefix(name, extractPrefix):
		case !e.IsDir() && (strings.HasSuffix(name, partSuffix) || strings.HasSuffix(name, archiveSuffix)):
		default:
			continue
		}
		stale = append(stale, filepath.Join(c.basePath, name))
	}
	return stale, nil
}

// Sweep removes everything Stale reports and returns how many entries
// were deleted.
func (c *Cache) Sweep() (int, error) {
	stale, err := c.Stale()
	if err != nil {
		return 0, err
	}

	var errs []error
	removed := 0
	for _, path := range stale {
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if err := errors.Join(errs...); err != nil {
		return removed, fmt.Errorf("sweeping staging dir: %w", err)
	}
	return removed, nil
}

// Size returns the total size of files below the staging directory
func (c *Cache) Size() (int64, error) {
	var totalSize int64
	err := filepath.WalkDir(c.basePath, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		totalSize += info.Size()
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("calculating staging size: %w", err)
	}

	return totalSize, nil
}
