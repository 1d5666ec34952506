package core_test

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/core"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestZip(t *testing.T, path string, files map[string]string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	return path
}

func TestExtractor_Extract(t *testing.T) {
	zipPath := createTestZip(t, filepath.Join(t.TempDir(), "asset.zip"), map[string]string{
		"config.txt":        "kuid <kuid:1:2>",
		"textures/body.jpg": "jpeg",
		`mesh\windows.im`:   "mesh",
	})
	destDir := filepath.Join(t.TempDir(), "out")

	err := core.NewExtractor().Extract(context.Background(), zipPath, destDir)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(destDir, "config.txt"))
	require.NoError(t, err)
	assert.Equal(t, "kuid <kuid:1:2>", string(content))

	_, err = os.Stat(filepath.Join(destDir, "textures", "body.jpg"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(destDir, "mesh", "windows.im"))
	assert.NoError(t, err)
}

func TestExtractor_PathTraversal(t *testing.T) {
	zipPath := createTestZip(t, filepath.Join(t.TempDir(), "evil.zip"), map[string]string{
		"../../escape.txt": "nope",
	})

	err := core.NewExtractor().Extract(context.Background(), zipPath, t.TempDir())
	var archiveErr *domain.ArchiveError
	require.ErrorAs(t, err, &archiveErr)
	assert.Contains(t, err.Error(), "path traversal")
}

func TestExtractor_NotAZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.zip")
	require.NoError(t, os.WriteFile(path, []byte("this is not a zip"), 0644))

	err := core.NewExtractor().Extract(context.Background(), path, t.TempDir())
	var archiveErr *domain.ArchiveError
	require.ErrorAs(t, err, &archiveErr)
	assert.Equal(t, path, archiveErr.Path)
}

func TestExtractor_Cancelled(t *testing.T) {
	zipPath := createTestZip(t, filepath.Join(t.TempDir(), "asset.zip"), map[string]string{"a": "b"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := core.NewExtractor().Extract(ctx, zipPath, t.TempDir())
	assert.ErrorIs(t, err, context.Canceled)
}
