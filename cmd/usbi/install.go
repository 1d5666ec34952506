package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/core"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/domain"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/trainz"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	installPath         string
	installVariant      string
	installDownscale    bool
	installMaxDownloads int
	plainOutput         bool
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install every asset into a Trainz installation",
	Long: `Download and install the full asset pack. The install path and download
options given here are saved to the config file for later updates.

Examples:
  usbi install --path "/games/Trainz 2019"
  usbi install --path ~/trainz --variant low --downscale`,
	RunE: runInstall,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Install assets published since the last run",
	Long: `Fetch the assets published after the installed revision and install them.
Requires a completed 'usbi install'.

Examples:
  usbi update
  usbi update --plain`,
	RunE: runUpdate,
}

func init() {
	installCmd.Flags().StringVarP(&installPath, "path", "p", "", "Trainz installation directory")
	installCmd.Flags().StringVar(&installVariant, "variant", "", "download variant: full or low")
	installCmd.Flags().BoolVar(&installDownscale, "downscale", false, "halve textures larger than 512px")
	installCmd.Flags().IntVar(&installMaxDownloads, "max-downloads", -1, "downloads kept ahead of the installer (0 = unlimited)")

	for _, c := range []*cobra.Command{installCmd, updateCmd} {
		c.Flags().BoolVar(&plainOutput, "plain", false, "print progress lines instead of the interactive view")
		rootCmd.AddCommand(c)
	}
}

func runInstall(cmd *cobra.Command, args []string) error {
	svc, cleanup, err := initService(serviceOptions{interactive: useTUI(), withMetrics: true})
	if err != nil {
		return fmt.Errorf("initializing service: %w", err)
	}
	defer cleanup()

	if err := applyInstallFlags(cmd, svc); err != nil {
		return err
	}
	if err := svc.SaveConfig(); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	return runSession(cmd.Context(), svc, false)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	svc, cleanup, err := initService(serviceOptions{interactive: useTUI(), withMetrics: true})
	if err != nil {
		return fmt.Errorf("initializing service: %w", err)
	}
	defer cleanup()

	return runSession(cmd.Context(), svc, true)
}

// applyInstallFlags copies explicitly set flags into the loaded config.
func applyInstallFlags(cmd *cobra.Command, svc *core.Service) error {
	cfg := svc.Config()
	flags := cmd.Flags()

	if flags.Changed("path") {
		cfg.InstallPath = installPath
	}
	if cfg.InstallPath == "" {
		return fmt.Errorf("no install path; use --path or set install_path in the config")
	}
	if err := trainz.ValidateInstallPath(cfg.InstallPath); err != nil {
		return err
	}
	if flags.Changed("variant") {
		if _, err := domain.ParseVariant(installVariant); err != nil {
			return err
		}
		cfg.Download.Variant = installVariant
	}
	if flags.Changed("downscale") {
		cfg.DownscaleTextures = installDownscale
	}
	if flags.Changed("max-downloads") {
		if installMaxDownloads < 0 {
			return fmt.Errorf("%w: --max-downloads must not be negative", domain.ErrInvalidConfig)
		}
		cfg.Download.MaxDownloads = installMaxDownloads
	}
	return nil
}

func useTUI() bool {
	return !plainOutput && isatty.IsTerminal(os.Stdout.Fd()) && isatty.IsTerminal(os.Stdin.Fd())
}

// runSession runs one install or update and maps its outcome onto the
// command error.
func runSession(ctx context.Context, svc *core.Service, update bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var report core.Report
	if useTUI() {
		r, err := runInteractive(ctx, svc, update)
		if err != nil {
			return err
		}
		report = r
	} else {
		session, err := svc.NewSession(core.SessionOptions{
			Update:   update,
			Reporter: tui.NewPlainReporter(os.Stdout),
		})
		if err != nil {
			return err
		}
		report = session.Run(ctx)
	}

	return reportError(report)
}

func runInteractive(ctx context.Context, svc *core.Service, update bool) (core.Report, error) {
	title := "U-Bahn Sim Berlin: install"
	if update {
		title = "U-Bahn Sim Berlin: update"
	}

	var session *core.Session
	app := tui.NewApp(title, func() { session.Stop() })
	p := tea.NewProgram(app, tea.WithContext(ctx))

	session, err := svc.NewSession(core.SessionOptions{
		Update:   update,
		Reporter: tui.ProgramReporter{Program: p},
	})
	if err != nil {
		return core.Report{}, err
	}
	if err := session.Start(ctx); err != nil {
		return core.Report{}, err
	}

	if _, err := p.Run(); err != nil {
		// The program is gone; stop the run so Wait does not hang on Send.
		session.Stop()
	}
	return session.Wait(), nil
}

func reportError(r core.Report) error {
	switch r.Outcome {
	case core.OutcomeSuccess, core.OutcomeUpToDate:
		return nil
	case core.OutcomePartial:
		return fmt.Errorf("%w: %d commit(s), %d download(s) failed",
			ErrPartial, len(r.FailedAssets), len(r.FailedDownloads))
	case core.OutcomeCancelled:
		return domain.ErrCancelled
	default:
		if r.Problem != nil {
			return fmt.Errorf("%s: %w", r.Problem.Title, r.Err)
		}
		return r.Err
	}
}
