package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath  string
	directory   string
	autoApprove bool
	varFiles    []string
	format      string
	outputPath  string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "quarry",
		Short: "Quarry - Infrastructure Provisioning Pipeline",
		Long: `Quarry orchestrates declarative infrastructure provisioning.

Every mutating run walks the same pipeline: policy validation,
cost estimation, an exclusive workspace lock, plan, apply, and a
versioned state record. Drift detection runs lock-free against the
last committed snapshot.

Features:
  - Versioned state with optimistic concurrency and bounded history
  - Exclusive TTL locks with renewal heartbeat
  - OPA Rego policy validation with suppressions
  - Pre-apply cost estimation and budget gating
  - Read-only drift detection with scoped remediation`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "workspace config file path")
	rootCmd.PersistentFlags().StringVar(&directory, "directory", "", "override the declared configuration root")
	rootCmd.PersistentFlags().BoolVar(&autoApprove, "auto-approve", false, "skip confirmation and override the budget gate")
	rootCmd.PersistentFlags().StringSliceVar(&varFiles, "var-file", nil, "additional variable file (repeatable)")
	rootCmd.PersistentFlags().StringVar(&format, "format", "text", "report format (json, text, html)")
	rootCmd.PersistentFlags().StringVarP(&outputPath, "output", "o", "", "write the report to a file instead of stdout")

	// Add subcommands
	rootCmd.AddCommand(newProvisionCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newDetectDriftCommand())
	rootCmd.AddCommand(newEstimateCostCommand())
	rootCmd.AddCommand(newDestroyCommand())

	return rootCmd
}
