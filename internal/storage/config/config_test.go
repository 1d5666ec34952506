package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/domain"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/storage/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultValues(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "de", cfg.Language)
	assert.Empty(t, cfg.InstallPath)
	assert.Equal(t, "https://dl.u7-trainz.de/api/assets.json", cfg.ManifestURL)
	assert.Equal(t, "https://dl.u7-trainz.de/assets", cfg.AssetBaseURL)
	assert.Equal(t, domain.VariantFull, cfg.Variant())
	assert.Equal(t, 0, cfg.Download.MaxDownloads)
	assert.Equal(t, 5, cfg.Download.MaxRetries)
	assert.Equal(t, time.Second, cfg.Download.RetryDelay)
	assert.Equal(t, 60*time.Second, cfg.Download.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Tool.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Tool.ProbeTimeout)
	assert.Equal(t, 2*time.Second, cfg.Delays.StartMin)
	assert.Equal(t, 10*time.Second, cfg.Delays.PostMax)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	content := `
language: en
install_path: /games/trainz
downscale_textures: true
download:
  variant: low
  max_downloads: 3
  retry_delay: 250ms
tool:
  wrapper: [wine]
  timeout: 2m
options:
  freeintcam: true
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := config.Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "en", cfg.Language)
	assert.Equal(t, "/games/trainz", cfg.InstallPath)
	assert.True(t, cfg.DownscaleTextures)
	assert.Equal(t, domain.VariantLow, cfg.Variant())
	assert.Equal(t, 3, cfg.Download.MaxDownloads)
	assert.Equal(t, 250*time.Millisecond, cfg.Download.RetryDelay)
	assert.Equal(t, []string{"wine"}, cfg.Tool.Wrapper)
	assert.Equal(t, 2*time.Minute, cfg.Tool.Timeout)
	assert.True(t, cfg.Options.FreeIntCam)
	assert.False(t, cfg.Options.PatchSounds)
	// untouched keys keep their defaults
	assert.Equal(t, 5, cfg.Download.MaxRetries)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("USBI_DOWNLOAD_VARIANT", "low")
	t.Setenv("USBI_INSTALL_PATH", "/opt/trainz")

	cfg, err := config.Load(dir)
	require.NoError(t, err)

	assert.Equal(t, domain.VariantLow, cfg.Variant())
	assert.Equal(t, "/opt/trainz", cfg.InstallPath)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown variant", "download:\n  variant: medium\n"},
		{"negative max downloads", "download:\n  max_downloads: -1\n"},
		{"unknown language", "language: fr\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(tt.content), 0644))

			_, err := config.Load(dir)
			assert.ErrorIs(t, err, domain.ErrInvalidConfig)
		})
	}
}

func TestLoadConfig_Malformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("download: [unclosed"), 0644))

	_, err := config.Load(dir)
	assert.Error(t, err)
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg, err := config.Load(dir)
	require.NoError(t, err)

	cfg.InstallPath = "/games/trainz"
	cfg.Download.Variant = "low"
	cfg.Download.MaxDownloads = 4
	cfg.DownscaleTextures = true
	require.NoError(t, cfg.Save(dir))

	loaded, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "/games/trainz", loaded.InstallPath)
	assert.Equal(t, domain.VariantLow, loaded.Variant())
	assert.Equal(t, 4, loaded.Download.MaxDownloads)
	assert.True(t, loaded.DownscaleTextures)
	assert.Equal(t, cfg.Tool.Timeout, loaded.Tool.Timeout)
}
