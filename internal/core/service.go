package core

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/domain"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/metrics"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/source/manifest"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/storage/cache"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/storage/config"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/storage/db"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/storage/state"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/trainz"
)

// ErrNotInstalled is returned when an update is requested before the first
// complete install.
var ErrNotInstalled = errors.New("no completed installation found")

// ServiceConfig holds configuration for the core service
type ServiceConfig struct {
	ConfigDir  string // Directory for configuration files
	ConfigFile string // Explicit config file, overrides ConfigDir/config.yaml
	DataDir    string // Directory for state, history and staging
	Logger     *slog.Logger
	Metrics    *metrics.Collector
	HTTPClient *http.Client
}

// Service wires configuration and storage into install sessions
type Service struct {
	config  *config.Config
	db      *db.DB
	state   *state.Store
	staging *cache.Cache
	logger  *slog.Logger
	metrics *metrics.Collector
	client  *http.Client

	configDir string
	dataDir   string
}

// NewService creates a new core service instance
func NewService(cfg ServiceConfig) (*Service, error) {
	var (
		appConfig *config.Config
		err       error
	)
	if cfg.ConfigFile != "" {
		appConfig, err = config.LoadFile(cfg.ConfigFile)
	} else {
		appConfig, err = config.Load(cfg.ConfigDir)
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	database, err := db.New(filepath.Join(cfg.DataDir, db.FileName))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	return &Service{
		config:    appConfig,
		db:        database,
		state:     state.New(cfg.DataDir),
		staging:   cache.New(filepath.Join(cfg.DataDir, cache.DirName)),
		logger:    logger,
		metrics:   cfg.Metrics,
		client:    client,
		configDir: cfg.ConfigDir,
		dataDir:   cfg.DataDir,
	}, nil
}

// Close releases resources held by the service
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Config returns the loaded configuration.
func (s *Service) Config() *config.Config { return s.config }

// SaveConfig writes the current configuration to the config directory.
func (s *Service) SaveConfig() error {
	return s.config.Save(s.configDir)
}

// State returns the installed-manifest store.
func (s *Service) State() *state.Store { return s.state }

// Staging returns the download staging directory.
func (s *Service) Staging() *cache.Cache { return s.staging }

// History returns the run history database.
func (s *Service) History() *db.DB { return s.db }

// DataDir returns the data directory.
func (s *Service) DataDir() string { return s.dataDir }

// Tool returns a TrainzUtil client for the configured installation.
func (s *Service) Tool() (*trainz.Util, error) {
	if s.config.InstallPath == "" {
		return nil, fmt.Errorf("%w: install_path is not set", domain.ErrInvalidConfig)
	}
	path := s.config.Tool.Path
	if path == "" {
		path = trainz.ToolPath(s.config.InstallPath)
	}
	return trainz.NewUtil(trainz.UtilConfig{
		Path:    path,
		Wrapper: s.config.Tool.Wrapper,
		Timeout: s.config.Tool.Timeout,
		Logger:  s.logger,
	}), nil
}

// Manifest returns a manifest client for the configured server.
func (s *Service) Manifest() *manifest.Client {
	return manifest.New(s.client, s.config.ManifestURL, s.config.UserAgent)
}

// SessionOptions selects between a fresh install and an update
type SessionOptions struct {
	Update   bool
	Reporter Reporter
}

// NewSession prepares a run against the configured installation. An update
// starts from the installed revision; an install starts from zero.
func (s *Service) NewSession(opts SessionOptions) (*Session, error) {
	cfg := s.config
	if err := trainz.ValidateInstallPath(cfg.InstallPath); err != nil {
		return nil, err
	}

	from := 0
	if opts.Update {
		if !s.state.Installed() {
			return nil, ErrNotInstalled
		}
		rev, err := s.state.Revision()
		if err != nil {
			return nil, fmt.Errorf("reading installed revision: %w", err)
		}
		from = rev
	}

	tool, err := s.Tool()
	if err != nil {
		return nil, err
	}

	engine := NewEngine(EngineConfig{
		HTTPClient:  s.client,
		UserAgent:   cfg.UserAgent,
		MaxRetries:  cfg.Download.MaxRetries,
		RetryDelay:  cfg.Download.RetryDelay,
		IdleTimeout: cfg.Download.Timeout,
		Logger:      s.logger,
		Metrics:     s.metrics,
	})

	return NewSession(SessionConfig{
		InstallPath:       cfg.InstallPath,
		AssetBaseURL:      cfg.AssetBaseURL,
		Variant:           cfg.Variant(),
		FromRevision:      from,
		MaxDownloads:      cfg.Download.MaxDownloads,
		DownscaleTextures: cfg.DownscaleTextures,
		VerifyChecksum:    cfg.Download.VerifyChecksum,
		FreeIntCam:        cfg.Options.FreeIntCam,
		PatchSounds:       cfg.Options.PatchSounds,
		KeyboardFile:      cfg.KeyboardFile,
		ProbeTimeout:      cfg.Tool.ProbeTimeout,
		StartDelayMin:     cfg.Delays.StartMin,
		StartDelayMax:     cfg.Delays.StartMax,
		PostDelayMin:      cfg.Delays.PostMin,
		PostDelayMax:      cfg.Delays.PostMax,
		Language:          cfg.Language,
	}, SessionDeps{
		Manifest: s.Manifest(),
		Engine:   engine,
		Tool:     tool,
		State:    s.state,
		Staging:  s.staging,
		History:  s.db,
		Reporter: opts.Reporter,
		Logger:   s.logger,
		Metrics:  s.metrics,
	}), nil
}
