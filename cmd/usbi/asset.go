package main

import (
	"fmt"
	"strings"

	"github.com/divadsn/UBahnSimBerlinInstaller/internal/domain"
	"github.com/divadsn/UBahnSimBerlinInstaller/internal/trainz"

	"github.com/spf13/cobra"
)

var assetCmd = &cobra.Command{
	Use:   "asset",
	Short: "Inspect or repair single assets through TrainzUtil",
}

var assetStatusCmd = &cobra.Command{
	Use:   "status <kuid>",
	Short: "Show the content manager flags of an asset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTool(args[0], func(tool *trainz.Util, kuid domain.Kuid) error {
			st, err := tool.Status(cmd.Context(), kuid)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", kuid.Bracketed(), formatAssetStatus(st))
			return nil
		})
	},
}

var assetCommitCmd = &cobra.Command{
	Use:   "commit <kuid>",
	Short: "Commit an asset that failed to commit during install",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTool(args[0], func(tool *trainz.Util, kuid domain.Kuid) error {
			if err := tool.Commit(cmd.Context(), kuid); err != nil {
				return err
			}
			fmt.Printf("Committed %s\n", kuid.Bracketed())
			return nil
		})
	},
}

var assetRevertCmd = &cobra.Command{
	Use:   "revert <kuid>",
	Short: "Revert local changes to an asset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTool(args[0], func(tool *trainz.Util, kuid domain.Kuid) error {
			if err := tool.Revert(cmd.Context(), kuid); err != nil {
				return err
			}
			fmt.Printf("Reverted %s\n", kuid.Bracketed())
			return nil
		})
	},
}

func init() {
	assetCmd.AddCommand(assetStatusCmd, assetCommitCmd, assetRevertCmd)
	rootCmd.AddCommand(assetCmd)
}

// withTool parses the kuid argument and runs fn with a TrainzUtil client.
func withTool(arg string, fn func(*trainz.Util, domain.Kuid) error) error {
	kuid, err := domain.ParseKuid(arg)
	if err != nil {
		return err
	}

	svc, cleanup, err := initService(serviceOptions{})
	if err != nil {
		return fmt.Errorf("initializing service: %w", err)
	}
	defer cleanup()

	tool, err := svc.Tool()
	if err != nil {
		return err
	}
	return fn(tool, kuid)
}

func formatAssetStatus(st trainz.AssetStatus) string {
	var flags []string
	for _, f := range []struct {
		set  bool
		name string
	}{
		{st.OpenForEdit, "open for edit"},
		{st.Installed, "installed"},
		{st.Archived, "archived"},
		{st.DownloadStation, "download station"},
		{st.Modified, "modified"},
		{st.MissingDependencies, "missing dependencies"},
		{st.Faulty, "faulty"},
	} {
		if f.set {
			flags = append(flags, f.name)
		}
	}
	if len(flags) == 0 {
		return "no flags"
	}
	return strings.Join(flags, ", ")
}
