package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run a single tick of a job and print the result",
	Long: `Run one evaluation of a configured job, exactly as the scheduler would.

Example:
  tradeguard tick -f tradeguard.yaml --job entry`,
	Args: cobra.NoArgs,
	RunE: runTick,
}

var tickJob string

func init() {
	rootCmd.AddCommand(tickCmd)
	tickCmd.Flags().StringVar(&tickJob, "job", "entry", "job name from the config")
}

func runTick(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer closeApp(a)

	job, ok := a.Config.Job(tickJob)
	if !ok {
		return fmt.Errorf("no job named %q", tickJob)
	}

	res, err := a.Orchestrator.Tick(cmd.Context(), job)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", job.Name, res)
	for _, act := range res.Actions {
		fmt.Fprintf(out, "  %s %s %.8f @ %.8f (%s) pnl %.4f%% order %s\n",
			act.Side, act.Asset, act.Quantity, act.Price, act.Reason, act.PnLPct, act.OrderID)
	}
	return err
}
