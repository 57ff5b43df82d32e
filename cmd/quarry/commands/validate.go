package commands

import (
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Run policy checks against the declared configuration",
		Long: `Validate runs every configured scanner over the declared
configuration without touching live infrastructure or state.

Findings are deduplicated by (rule, resource) keeping the highest
severity, suppressions with valid justifications are applied, and
any remaining finding at or above the threshold fails the command.`,
		Example: `  # Validate and print findings
  quarry validate --config quarry.yaml

  # Machine-readable findings for CI
  quarry validate --config quarry.yaml --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			findings, runErr := app.validator.Validate(cmd.Context(), app.ws)
			if err := emit(findingsReport{Workspace: app.ws.ID, Findings: findings}); err != nil && runErr == nil {
				runErr = err
			}
			return runErr
		},
	}
	return cmd
}
