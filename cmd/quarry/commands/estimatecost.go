package commands

import (
	"github.com/spf13/cobra"
)

func newEstimateCostCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "estimate-cost",
		Short: "Price the pending change-set",
		Long: `Estimate-cost computes a plan for the workspace and prices every
planned operation against the pricing table. The monthly delta per
resource is new cost minus removed cost; resources without a
pricing entry are reported with approximate confidence.

The command is read-only: no lock is taken and nothing is applied.`,
		Example: `  # Print the estimated monthly delta
  quarry estimate-cost --config quarry.yaml

  # Estimate against a custom pricing table
  quarry estimate-cost --config quarry.yaml --format json --output cost.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			changes, err := app.tool.Plan(cmd.Context(), app.ws)
			if err != nil {
				return err
			}
			report, err := app.estimator.Estimate(cmd.Context(), changes)
			if err != nil {
				return err
			}
			return emit(costReportView{Report: report})
		},
	}
	return cmd
}
