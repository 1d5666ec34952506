package core

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/domain"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/metrics"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/storage/cache"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/trainz"
)

// ContentTool is the part of TrainzUtil the installer drives.
type ContentTool interface {
	Echo(ctx context.Context, message string, timeout time.Duration) error
	Delete(ctx context.Context, kuid domain.Kuid) error
	Install(ctx context.Context, dir string) (domain.Kuid, error)
	Commit(ctx context.Context, kuid domain.Kuid) error
}

// InstallStatus describes the archive currently being installed
type InstallStatus struct {
	Index int // 1-based position in the run
	Name  string
	Kuid  domain.Kuid
}

// InstallResult summarises the installer's work
type InstallResult struct {
	Installed int
	Failed    []domain.Kuid
}

// CommittedAsset is passed to InstallerConfig.OnCommitted.
type CommittedAsset struct {
	Kuid    domain.Kuid
	Name    string
	Archive string // base name of the source archive
}

// InstallerConfig configures an Installer
type InstallerConfig struct {
	Tool       ContentTool
	Extractor  *Extractor
	Downscaler *Downscaler  // nil disables downscaling
	Staging    *cache.Cache // extract dirs are created here; nil uses the OS temp dir
	Logger     *slog.Logger
	Metrics    *metrics.Collector

	// OnCommitted is called on the installer goroutine after every
	// successful commit, including those from RetryFailed.
	OnCommitted func(ctx context.Context, a CommittedAsset)
}

type failedAsset struct {
	kuid    domain.Kuid
	name    string
	archive string
}

// Installer runs the per-archive pipeline: extract, read config.txt,
// downscale, then delete, install and commit through the content tool.
// It must be driven from a single goroutine.
type Installer struct {
	cfg     InstallerConfig
	logger  *slog.Logger
	metrics *metrics.Collector

	status atomic.Pointer[InstallStatus]

	mu        sync.Mutex
	installed int
	failed    []failedAsset
}

// NewInstaller creates a new installer
func NewInstaller(cfg InstallerConfig) *Installer {
	if cfg.Extractor == nil {
		cfg.Extractor = NewExtractor()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	i := &Installer{
		cfg:     cfg,
		logger:  logger.With("component", "installer"),
		metrics: cfg.Metrics,
	}
	i.status.Store(&InstallStatus{})
	return i
}

// Install runs the pipeline for one archive. The archive and the extract
// directory are removed whatever the outcome. A rejected commit is recorded
// and is not an error.
func (i *Installer) Install(ctx context.Context, archivePath string) (err error) {
	start := time.Now()
	defer func() {
		if rerr := os.Remove(archivePath); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			i.logger.Warn("removing archive", "path", archivePath, "error", rerr)
		}
	}()

	dir, err := i.mkdirExtract()
	if err != nil {
		return err
	}
	defer func() {
		if rerr := os.RemoveAll(dir); rerr != nil {
			i.logger.Warn("removing extract dir", "path", dir, "error", rerr)
		}
	}()

	if err := i.cfg.Extractor.Extract(ctx, archivePath, dir); err != nil {
		return err
	}

	configPath := filepath.Join(dir, "config.txt")
	assetCfg, err := trainz.ParseConfigFile(configPath)
	if err != nil {
		return err
	}
	kuid, err := assetCfg.Kuid()
	if err != nil {
		return &domain.ConfigParseError{Path: configPath, Err: err}
	}
	name := assetCfg.Username()

	i.mu.Lock()
	index := i.installed + 1
	i.mu.Unlock()
	i.status.Store(&InstallStatus{Index: index, Name: name, Kuid: kuid})

	logger := i.logger.With("kuid", kuid.String(), "name", name)
	logger.Info("installing asset", "archive", filepath.Base(archivePath))

	if i.cfg.Downscaler != nil {
		n, err := i.cfg.Downscaler.Dir(ctx, dir)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Debug("downscaled textures", "count", n)
		}
	}

	if err := i.cfg.Tool.Delete(ctx, kuid); err != nil {
		if !isToolFailure(err) && !isProcessExit(err) {
			return fmt.Errorf("deleting %s: %w", kuid, err)
		}
		logger.Debug("delete before install failed", "error", err)
	}

	installed, err := i.cfg.Tool.Install(ctx, dir)
	if err != nil {
		return fmt.Errorf("installing %s: %w", kuid, err)
	}
	if installed != kuid {
		logger.Warn("content tool reported a different kuid", "installed", installed.String())
	}

	archive := filepath.Base(archivePath)
	if err := i.cfg.Tool.Commit(ctx, kuid); err != nil {
		if !isToolFailure(err) {
			return fmt.Errorf("committing %s: %w", kuid, err)
		}
		logger.Warn("commit failed", "error", err)
		i.metrics.RecordCommitFailure()
		i.mu.Lock()
		i.failed = append(i.failed, failedAsset{kuid: kuid, name: name, archive: archive})
		i.mu.Unlock()
	} else if i.cfg.OnCommitted != nil {
		i.cfg.OnCommitted(ctx, CommittedAsset{Kuid: kuid, Name: name, Archive: archive})
	}

	i.mu.Lock()
	i.installed++
	i.mu.Unlock()
	i.metrics.RecordInstall(time.Since(start))
	return nil
}

// RetryFailed commits every failed asset once more and keeps only those
// that fail again.
func (i *Installer) RetryFailed(ctx context.Context) error {
	i.mu.Lock()
	pending := i.failed
	i.failed = nil
	i.mu.Unlock()

	var still []failedAsset
	defer func() {
		i.mu.Lock()
		i.failed = append(still, i.failed...)
		i.mu.Unlock()
	}()

	for n, a := range pending {
		if err := ctx.Err(); err != nil {
			still = append(still, pending[n:]...)
			return context.Cause(ctx)
		}

		err := i.cfg.Tool.Commit(ctx, a.kuid)
		if err == nil {
			i.logger.Info("commit succeeded on retry", "kuid", a.kuid.String())
			if i.cfg.OnCommitted != nil {
				i.cfg.OnCommitted(ctx, CommittedAsset{Kuid: a.kuid, Name: a.name, Archive: a.archive})
			}
			continue
		}
		if !isToolFailure(err) {
			still = append(still, pending[n:]...)
			return fmt.Errorf("committing %s: %w", a.kuid, err)
		}
		i.logger.Warn("commit failed again", "kuid", a.kuid.String(), "error", err)
		i.metrics.RecordCommitFailure()
		still = append(still, a)
	}
	return nil
}

// Result returns the installed count and the kuids whose commit failed.
func (i *Installer) Result() InstallResult {
	i.mu.Lock()
	defer i.mu.Unlock()

	res := InstallResult{Installed: i.installed}
	for _, a := range i.failed {
		res.Failed = append(res.Failed, a.kuid)
	}
	return res
}

// Status returns the archive currently or last being installed.
func (i *Installer) Status() InstallStatus {
	return *i.status.Load()
}

func (i *Installer) mkdirExtract() (string, error) {
	if i.cfg.Staging != nil {
		return i.cfg.Staging.MkdirExtract()
	}
	dir, err := os.MkdirTemp("", "usbi-extract-*")
	if err != nil {
		return "", fmt.Errorf("creating extract dir: %w", err)
	}
	return dir, nil
}

// isToolFailure reports whether err is a rejection by the content tool.
// Crashes, timeouts and cancellation are not.
func isToolFailure(err error) bool {
	var toolErr *domain.ToolError
	return errors.As(err, &toolErr)
}

// isProcessExit reports whether the tool exited non-zero on its own,
// without being cancelled or timing out.
func isProcessExit(err error) bool {
	var procErr *domain.ProcessError
	if !errors.As(err, &procErr) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
