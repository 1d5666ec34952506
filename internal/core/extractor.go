package core

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/domain"
)

// Extractor unpacks asset archives
type Extractor struct{}

// NewExtractor creates a new Extractor
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract unpacks the zip archive at archivePath into destDir. Failures to
// read the archive are returned as *domain.ArchiveError; failures to write
// the destination stay filesystem errors.
func (e *Extractor) Extract(ctx context.Context, archivePath, destDir string) (err error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return &domain.ArchiveError{Path: archivePath, Err: err}
	}
	defer func() {
		if cerr := r.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("closing zip: %w", cerr)
		}
	}()

	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.extractZipFile(archivePath, f, destDir); err != nil {
			return err
		}
	}

	return nil
}

// extractZipFile extracts a single file from a ZIP archive
func (e *Extractor) extractZipFile(archivePath string, f *zip.File, destDir string) (err error) {
	destPath, err := sanitizePath(destDir, f.Name)
	if err != nil {
		return &domain.ArchiveError{Path: archivePath, Err: err}
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(destPath, 0755)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return &domain.ArchiveError{Path: archivePath, Err: fmt.Errorf("opening %s: %w", f.Name, err)}
	}
	defer func() {
		if cerr := rc.Close(); err == nil && cerr != nil {
			err = &domain.ArchiveError{Path: archivePath, Err: fmt.Errorf("closing %s: %w", f.Name, cerr)}
		}
	}()

	// Archives built on Windows carry no useful permission bits.
	mode := f.Mode().Perm() | 0600
	outFile, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", destPath, err)
	}
	defer func() {
		if cerr := outFile.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("closing file %s: %w", destPath, cerr)
		}
	}()

	if _, err = io.Copy(outFile, &archiveReader{r: rc, path: archivePath}); err != nil {
		return err
	}

	return nil
}

// archiveReader tags read errors so a corrupt entry is told apart from a
// failing destination write.
type archiveReader struct {
	r    io.Reader
	path string
}

func (a *archiveReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if err != nil && err != io.EOF {
		err = &domain.ArchiveError{Path: a.path, Err: err}
	}
	return n, err
}

// sanitizePath keeps extracted entries inside destDir.
func sanitizePath(destDir, name string) (string, error) {
	// Some packers store Windows separators.
	name = strings.ReplaceAll(name, `\`, "/")
	destPath := filepath.Join(destDir, filepath.FromSlash(name))

	clean := filepath.Clean(destDir)
	if destPath != clean && !strings.HasPrefix(destPath, clean+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal detected: %s", name)
	}

	return destPath, nil
}
