package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/domain"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// FileName is the name of the configuration file inside the config directory.
const FileName = "config.yaml"

// EnvPrefix prefixes environment overrides, e.g. USBI_DOWNLOAD_VARIANT.
const EnvPrefix = "USBI"

// Config holds user preferences and installer settings
type Config struct {
	Language          string         `mapstructure:"language" yaml:"language"`
	InstallPath       string         `mapstructure:"install_path" yaml:"install_path"`
	DownscaleTextures bool           `mapstructure:"downscale_textures" yaml:"downscale_textures"`
	ManifestURL       string         `mapstructure:"manifest_url" yaml:"manifest_url"`
	AssetBaseURL      string         `mapstructure:"asset_base_url" yaml:"asset_base_url"`
	UserAgent         string         `mapstructure:"user_agent" yaml:"user_agent"`
	KeyboardFile      string         `mapstructure:"keyboard_file" yaml:"keyboard_file"`
	MetricsAddr       string         `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	Download          DownloadConfig `mapstructure:"download" yaml:"download"`
	Tool              ToolConfig     `mapstructure:"tool" yaml:"tool"`
	Options           OptionsConfig  `mapstructure:"options" yaml:"options"`
	Delays            DelayConfig    `mapstructure:"delays" yaml:"delays"`
	Log               LogConfig      `mapstructure:"log" yaml:"log"`
}

type DownloadConfig struct {
	Variant        string        `mapstructure:"variant" yaml:"variant"`
	MaxDownloads   int           `mapstructure:"max_downloads" yaml:"max_downloads"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	VerifyChecksum bool          `mapstructure:"verify_checksum" yaml:"verify_checksum"`
}

type ToolConfig struct {
	Path         string        `mapstructure:"path" yaml:"path"`
	Wrapper      []string      `mapstructure:"wrapper" yaml:"wrapper"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
}

type OptionsConfig struct {
	FreeIntCam  bool `mapstructure:"freeintcam" yaml:"freeintcam"`
	PatchSounds bool `mapstructure:"patch_sounds" yaml:"patch_sounds"`
}

type DelayConfig struct {
	StartMin time.Duration `mapstructure:"start_min" yaml:"start_min"`
	StartMax time.Duration `mapstructure:"start_max" yaml:"start_max"`
	PostMin  time.Duration `mapstructure:"post_min" yaml:"post_min"`
	PostMax  time.Duration `mapstructure:"post_max" yaml:"post_max"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Path   string `mapstructure:"path" yaml:"path"`
	Format string `mapstructure:"format" yaml:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("language", "de")
	v.SetDefault("install_path", "")
	v.SetDefault("downscale_textures", false)
	v.SetDefault("manifest_url", "https://dl.u7-trainz.de/api/assets.json")
	v.SetDefault("asset_base_url", "https://dl.u7-trainz.de/assets")
	v.SetDefault("user_agent", "UBahnSimBerlinInstaller/1.0")
	v.SetDefault("keyboard_file", "")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("download.variant", "full")
	v.SetDefault("download.max_downloads", 0)
	v.SetDefault("download.max_retries", 5)
	v.SetDefault("download.retry_delay", "1s")
	v.SetDefault("download.timeout", "60s")
	v.SetDefault("download.verify_checksum", false)
	v.SetDefault("tool.path", "")
	v.SetDefault("tool.wrapper", []string{})
	v.SetDefault("tool.timeout", "10m")
	v.SetDefault("tool.probe_timeout", "5m")
	v.SetDefault("options.freeintcam", false)
	v.SetDefault("options.patch_sounds", false)
	v.SetDefault("delays.start_min", "2s")
	v.SetDefault("delays.start_max", "5s")
	v.SetDefault("delays.post_min", "5s")
	v.SetDefault("delays.post_max", "10s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.path", "")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from the given directory. A missing file yields
// the defaults; environment variables with the USBI_ prefix override both.
func Load(configDir string) (*Config, error) {
	return LoadFile(filepath.Join(configDir, FileName))
}

// LoadFile reads configuration from an explicit file path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if _, err := domain.ParseVariant(c.Download.Variant); err != nil {
		return err
	}
	if c.Download.MaxDownloads < 0 {
		return fmt.Errorf("%w: download.max_downloads must not be negative", domain.ErrInvalidConfig)
	}
	if c.Download.MaxRetries < 1 {
		c.Download.MaxRetries = 1
	}
	if c.Delays.StartMax < c.Delays.StartMin {
		c.Delays.StartMax = c.Delays.StartMin
	}
	if c.Delays.PostMax < c.Delays.PostMin {
		c.Delays.PostMax = c.Delays.PostMin
	}
	switch c.Language {
	case "de", "en":
	default:
		return fmt.Errorf("%w: unsupported language %q", domain.ErrInvalidConfig, c.Language)
	}
	return nil
}

// Variant returns the parsed download variant.
func (c *Config) Variant() domain.Variant {
	v, _ := domain.ParseVariant(c.Download.Variant)
	return v
}

// Save writes configuration to the given directory
func (c *Config) Save(configDir string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	configPath := filepath.Join(configDir, FileName)
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}
