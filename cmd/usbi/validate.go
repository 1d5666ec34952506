package main

import (
	"fmt"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/trainz"

	"github.com/spf13/cobra"
)

var validateProbe bool

var validateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Check that a directory is a usable Trainz installation",
	Long: `Check a Trainz installation for the executables the installer needs. With
--probe, also start TrainzUtil and wait until it answers.

Examples:
  usbi validate "/games/Trainz 2019"
  usbi validate --probe`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateProbe, "probe", false, "start TrainzUtil and check it responds")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	svc, cleanup, err := initService(serviceOptions{})
	if err != nil {
		return fmt.Errorf("initializing service: %w", err)
	}
	defer cleanup()

	cfg := svc.Config()
	if len(args) == 1 {
		cfg.InstallPath = args[0]
	}
	if cfg.InstallPath == "" {
		return fmt.Errorf("no install path; pass one or set install_path in the config")
	}

	if err := trainz.ValidateInstallPath(cfg.InstallPath); err != nil {
		return err
	}
	fmt.Printf("%s %s\n", colorize(ansiGreen, "OK"), cfg.InstallPath)

	if !validateProbe {
		return nil
	}

	tool, err := svc.Tool()
	if err != nil {
		return err
	}
	if err := tool.Echo(cmd.Context(), "usbi", cfg.Tool.ProbeTimeout); err != nil {
		return fmt.Errorf("probing TrainzUtil: %w", err)
	}
	build, err := tool.Version(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("%s TrainzUtil responds (build %d)\n", colorize(ansiGreen, "OK"), build)
	return nil
}
