package commands

import (
	"github.com/spf13/cobra"
)

func newProvisionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Run the full provisioning pipeline",
		Long: `Provision walks the full pipeline for the workspace:

  validate -> estimate cost -> acquire lock -> plan -> apply ->
  record state -> release lock

Every gate is fail-closed. Validation findings at or above the
configured threshold stop the run, as does an estimated monthly
delta above the budget (unless --auto-approve is supplied).`,
		Example: `  # Provision the workspace declared in quarry.yaml
  quarry provision --config quarry.yaml

  # Override the budget gate and write a JSON report
  quarry provision --config quarry.yaml --auto-approve --format json --output run.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			result, runErr := app.orch.Provision(cmd.Context(), app.ws, app.provisionOptions())
			if result != nil {
				if err := emit(provisionReport{Workspace: app.ws.ID, Result: result}); err != nil && runErr == nil {
					runErr = err
				}
			}
			return runErr
		},
	}
	return cmd
}
