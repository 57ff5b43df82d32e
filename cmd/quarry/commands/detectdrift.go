package commands

import (
	"github.com/spf13/cobra"
)

func newDetectDriftCommand() *cobra.Command {
	var remediate bool

	cmd := &cobra.Command{
		Use:   "detect-drift",
		Short: "Compare the recorded state against live infrastructure",
		Long: `Detect-drift reads live attribute values for every tracked
resource and reports divergences from the last committed snapshot.

Detection is read-only and lock-free: it may run alongside an
in-progress apply. Individual unreadable resources are reported in
the error section without failing the whole run.

With --remediate, drifted resources re-enter the provisioning
pipeline scoped to exactly those resources. Remediation is never
triggered automatically.`,
		Example: `  # Report drift
  quarry detect-drift --config quarry.yaml

  # Report and remediate drifted resources
  quarry detect-drift --config quarry.yaml --remediate --auto-approve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.orch.Detect(cmd.Context(), app.ws)
			if err != nil {
				return err
			}
			if err := emit(driftReportView{Report: report}); err != nil {
				return err
			}

			if !remediate || !report.Drifted() {
				return nil
			}
			_, err = app.orch.Remediate(cmd.Context(), app.ws, report.ResourceIDs(), app.provisionOptions())
			return err
		},
	}

	cmd.Flags().BoolVar(&remediate, "remediate", false, "re-provision drifted resources")
	return cmd
}
