package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/tradeguard/config"
	"github.com/rustyeddy/tradeguard/internal/app"
	"github.com/rustyeddy/tradeguard/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "tradeguard",
	Short: "Risk-adaptive execution core for an automated trading client",
	Long: `Tradeguard runs scheduled evaluation ticks for an automated trading client.

Every tick is guarded by:
  - a per-job distributed lock, so runs of one job never interleave
  - an idempotency key per (asset, timeframe, candle, action), so no side
    effect executes twice
  - a persisted daily/weekly loss ledger and circuit breaker

Orders go to the built-in paper exchange; decisions can be deferred to an
HTTP advisor when a position is in an ambiguous zone.`,
	SilenceUsage: true,
}

var configPath string

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "f", "tradeguard.yaml", "path to config file (YAML or JSON)")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openApp loads the config, builds the logger and assembles the app.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}
	return a, nil
}

func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		a.Log.Warn("close", zap.Error(err))
	}
	_ = a.Log.Sync()
}
