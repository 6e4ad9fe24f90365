package main

import (
	"os"

	"github.com/dunamismax/mediaflow/internal/config"
	"github.com/dunamismax/mediaflow/internal/telemetry"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := telemetry.NewLogger(cfg.AppEnv, cfg.LogLevel).With().Str("service", "mediactl").Logger()

	rootCmd := &cobra.Command{
		Use:           "mediactl",
		Short:         "Submit, inspect and plan media jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(RunCmd(&cfg, logger))
	rootCmd.AddCommand(PlanCmd(&cfg))
	rootCmd.AddCommand(JobsCmd(&cfg))
	rootCmd.AddCommand(ProvidersCmd(&cfg, logger))

	if err := rootCmd.Execute(); err != nil {
		logger.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
