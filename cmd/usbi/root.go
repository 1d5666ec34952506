package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/core"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/domain"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/metrics"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/storage/config"

	"github.com/spf13/cobra"
)

// ErrPartial is returned when a run finished but left assets behind.
// When returned from a command, Execute exits with code 3.
var ErrPartial = errors.New("some assets could not be installed")

var (
	version = "1.0.0"

	// Global flags
	configDir   string
	configFile  string
	dataDir     string
	verbose     bool
	logFormat   string
	noColor     bool
	metricsAddr string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "usbi",
	Short: "U-Bahn Sim Berlin installer - installs and updates the Trainz asset pack",
	Long: `usbi downloads the U-Bahn Sim Berlin assets and installs them into a Trainz
installation through TrainzUtil. Updates only fetch assets published since the
last completed run.

Use subcommands for operations. Run 'usbi --help' for available commands.`,
	Version:       version,
	SilenceUsage:  true, // Runtime errors should not print usage
	SilenceErrors: true, // We handle error output in Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "config directory (default: ~/.config/usbi)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config-file", "", "explicit config file (.yaml or .yml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default: ~/.local/share/usbi)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json (default from config)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during runs (default from config)")
}

// colorEnabled returns true if colored output should be used (respects --no-color and NO_COLOR env).
func colorEnabled() bool {
	if noColor {
		return false
	}
	return os.Getenv("NO_COLOR") == ""
}

const (
	ansiReset  = "\033[0m"
	ansiGreen  = "\033[32m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
)

func colorize(color, s string) string {
	if !colorEnabled() {
		return s
	}
	return color + s + ansiReset
}

// exitCode maps a command error onto the process exit status:
// 0 = success, 1 = error, 2 = cancelled, 3 = partial success.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, domain.ErrCancelled):
		return 2
	case errors.Is(err, ErrPartial):
		return 3
	default:
		return 1
	}
}

// Execute runs the root command and exits with the code from exitCode.
func Execute() {
	err := rootCmd.Execute()
	code := exitCode(err)
	switch code {
	case 0, 2:
	case 3:
		fmt.Fprintln(os.Stderr, colorize(ansiYellow, "Warning: "+err.Error()))
	default:
		fmt.Fprintln(os.Stderr, colorize(ansiRed, "Error: "+err.Error()))
	}
	os.Exit(code)
}

// getServiceConfig returns the service configuration with defaults.
func getServiceConfig() (core.ServiceConfig, error) {
	cfg := core.ServiceConfig{
		ConfigDir: configDir,
		DataDir:   dataDir,
	}

	if cfg.ConfigDir == "" || cfg.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return core.ServiceConfig{}, fmt.Errorf("home directory: %w", err)
		}
		if cfg.ConfigDir == "" {
			cfg.ConfigDir = filepath.Join(homeDir, ".config", "usbi")
		}
		if cfg.DataDir == "" {
			cfg.DataDir = filepath.Join(homeDir, ".local", "share", "usbi")
		}
	}

	if configFile != "" {
		path, err := config.ParseConfigPath(configFile)
		if err != nil {
			return core.ServiceConfig{}, err
		}
		cfg.ConfigFile = path
	}
	return cfg, nil
}

// loadConfig reads the configuration the service will use.
func loadConfig(cfg core.ServiceConfig) (*config.Config, error) {
	if cfg.ConfigFile != "" {
		return config.LoadFile(cfg.ConfigFile)
	}
	return config.Load(cfg.ConfigDir)
}

// serviceOptions tune initService for the command being run.
type serviceOptions struct {
	// interactive sends logs to the log file only so they do not
	// corrupt the terminal UI.
	interactive bool
	// withMetrics serves the run metrics when an address is configured.
	withMetrics bool
}

// initService creates the core service and installs the process logger.
// The returned cleanup closes the service and the log file.
func initService(opts serviceOptions) (*core.Service, func(), error) {
	cfg, err := getServiceConfig()
	if err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(cfg.ConfigDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating data dir: %w", err)
	}

	appConfig, err := loadConfig(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger, closeLog, err := newLogger(appConfig.Log, logOptions{
		verbose:     verbose,
		format:      logFormat,
		interactive: opts.interactive,
		stderr:      os.Stderr,
	})
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)

	stopMetrics := func() {}
	addr := appConfig.MetricsAddr
	if metricsAddr != "" {
		addr = metricsAddr
	}
	if opts.withMetrics && addr != "" {
		collector := metrics.NewCollector()
		stop, err := serveMetrics(addr, collector, logger)
		if err != nil {
			closeLog()
			return nil, nil, fmt.Errorf("starting metrics server: %w", err)
		}
		cfg.Metrics = collector
		stopMetrics = stop
	}

	cfg.Logger = logger
	svc, err := core.NewService(cfg)
	if err != nil {
		stopMetrics()
		closeLog()
		return nil, nil, err
	}

	return svc, func() {
		if err := svc.Close(); err != nil {
			logger.Warn("closing service", "error", err)
		}
		stopMetrics()
		closeLog()
	}, nil
}
