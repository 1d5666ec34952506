package main

import (
	"errors"
	"fmt"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/domain"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether new assets were published",
	Long: `Ask the asset server for assets newer than the installed revision without
downloading anything.

Examples:
  usbi check`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	svc, cleanup, err := initService(serviceOptions{})
	if err != nil {
		return fmt.Errorf("initializing service: %w", err)
	}
	defer cleanup()

	rev, err := svc.State().Revision()
	if err != nil {
		return fmt.Errorf("reading installed revision: %w", err)
	}

	m, err := svc.Manifest().Fetch(cmd.Context(), rev)
	if errors.Is(err, domain.ErrNotFound) {
		fmt.Printf("Up to date (revision %d)\n", rev)
		return nil
	}
	if err != nil {
		return err
	}

	pending := m.Since(rev)
	if len(pending) == 0 {
		fmt.Printf("Up to date (revision %d)\n", rev)
		return nil
	}
	fmt.Printf("Revision %d available: %d new asset(s) since revision %d\n", m.LastRevision, len(pending), rev)
	return nil
}
