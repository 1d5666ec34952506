package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/core"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statusRuns int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show installation status and recent runs",
	Long: `Show the installed revision, whether a previous run was interrupted, the
size of leftover downloads and the most recent runs.

Examples:
  usbi status
  usbi status --runs 20`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusRuns, "runs", 5, "number of recent runs to show")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	svc, cleanup, err := initService(serviceOptions{})
	if err != nil {
		return fmt.Errorf("initializing service: %w", err)
	}
	defer cleanup()

	return printStatus(os.Stdout, svc)
}

func printStatus(out io.Writer, svc *core.Service) error {
	cfg := svc.Config()
	store := svc.State()

	installPath := cfg.InstallPath
	if installPath == "" {
		installPath = "(not set)"
	}
	fmt.Fprintf(out, "Install path: %s\n", installPath)

	if store.Installed() {
		rev, err := store.Revision()
		if err != nil {
			return fmt.Errorf("reading installed revision: %w", err)
		}
		fmt.Fprintf(out, "Installed:    %s (revision %d)\n", colorize(ansiGreen, "yes"), rev)
	} else {
		fmt.Fprintf(out, "Installed:    %s\n", colorize(ansiYellow, "no"))
	}

	if store.Aborted() {
		since := "unknown time"
		if t, ok := store.LockedSince(); ok {
			since = humanize.Time(t)
		}
		fmt.Fprintf(out, "Interrupted:  %s (run started %s)\n", colorize(ansiRed, "yes"), since)
	}

	size, err := svc.Staging().Size()
	if err != nil {
		return fmt.Errorf("measuring staging dir: %w", err)
	}
	if size > 0 {
		fmt.Fprintf(out, "Leftovers:    %s in %s\n", humanize.Bytes(uint64(size)), svc.Staging().Dir())
	}

	count, err := svc.History().CountInstalledAssets()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Committed:    %d asset(s)\n", count)

	runs, err := svc.History().RecentRuns(statusRuns)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "\nNo runs recorded.")
		return nil
	}

	fmt.Fprintln(out, "\nRecent runs:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tOUTCOME\tREVISIONS\tINSTALLED\tID")
	fmt.Fprintln(w, "-------\t-------\t---------\t---------\t--")
	for _, r := range runs {
		outcome := r.Outcome
		if !r.Finished() {
			outcome = "unfinished"
		}
		fmt.Fprintf(w, "%s\t%s\t%d -> %d\t%d\t%s\n",
			humanize.Time(r.StartedAt), outcome, r.FromRevision, r.ToRevision, r.Installed, r.ID)
	}
	return w.Flush()
}
