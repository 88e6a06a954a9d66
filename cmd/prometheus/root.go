package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dwallach1/prometheus/internal/config"
	"github.com/dwallach1/prometheus/internal/database"
	"github.com/dwallach1/prometheus/internal/model"
)

// newRootCmd creates the root command
func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "prometheus",
		Short: "Prometheus - dip buying crypto trading bot",
		Long: `Prometheus watches the 24h price change of configured assets on Coinbase,
buys dips once they start to recover and sells open positions at a profit
threshold. Every evaluation is recorded in the decision log.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "Directory holding config.yaml")

	rootCmd.AddCommand(newRunCmd(&configPath))
	rootCmd.AddCommand(newDecisionsCmd(&configPath))
	rootCmd.AddCommand(newMigrateCmd(&configPath))
	rootCmd.AddCommand(newBacktestCmd())

	return rootCmd
}

// app carries what every config-backed command needs.
type app struct {
	cfg    config.Config
	env    model.Environment
	logger *slog.Logger
	repo   database.Repository
	close  func()
}

func setup(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("cannot load config: %w", err)
	}
	env, err := cfg.Environment()
	if err != nil {
		return nil, err
	}
	logger := config.NewLogger(os.Stdout, cfg.Logging).With("environment", string(env))

	a := &app{cfg: cfg, env: env, logger: logger, close: func() {}}
	switch cfg.Database.Driver {
	case "memory":
		logger.Warn("Using the in-memory repository, decisions are lost on exit")
		a.repo = database.NewMemoryRepository()
	default:
		pool, err := database.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("cannot connect to database: %w", err)
		}
		a.repo = database.NewPostgresRepository(pool)
		a.close = pool.Close
	}
	return a, nil
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.repo.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			a.logger.Info("Database schema is up to date")
			return nil
		},
	}
}
