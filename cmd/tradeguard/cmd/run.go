package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler until interrupted",
	Long: `Start the entry and management cadences, idempotency garbage collection
and, when enabled, the Prometheus /metrics endpoint.

SIGINT or SIGTERM stops new ticks; a tick already running completes.

Example:
  tradeguard run -f tradeguard.yaml`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer closeApp(a)

	a.Log.Info("tradeguard starting", zap.String("config", configPath), zap.String("version", version))
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.Log.Info("tradeguard stopped")
	return nil
}
