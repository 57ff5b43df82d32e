package commands

import (
	"github.com/spf13/cobra"
)

func newDestroyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Tear down all managed resources",
		Long: `Destroy removes every resource the workspace manages, under the
same lock and record discipline as provision: the run holds the
exclusive workspace lock, and the resulting state version reflects
exactly what was destroyed.

Requires --auto-approve.`,
		Example: `  # Destroy the workspace
  quarry destroy --config quarry.yaml --auto-approve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireApproval("destroy"); err != nil {
				return err
			}

			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			result, runErr := app.orch.Destroy(cmd.Context(), app.ws)
			if result != nil && result.Apply != nil {
				if err := emit(provisionReport{Workspace: app.ws.ID, Result: result}); err != nil && runErr == nil {
					runErr = err
				}
			}
			return runErr
		},
	}
	return cmd
}
