package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"activity-queue/config"
	"activity-queue/monitoring"
	"activity-queue/utils"
)

var (
	// Global flags
	backend     string
	seedFile    string
	jsonOutput  bool
	metricsAddr string

	app         *App
	stopMetrics context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "activity-queue",
	Short: "Route users through a weighted category tree into event queues",
	Long: `activity-queue places users into event queues by walking a tree of
categories. At each level one child is picked at random, weighted by its
tokens and current occupancy; at the leaves the user joins a bounded queue
for one of the category's events.

Configuration comes from the environment (and an optional .env file).
STORE_BACKEND selects memory, redis or postgres.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.LoadConfig()
		if backend != "" {
			cfg.StoreBackend = backend
		}
		if seedFile != "" {
			cfg.SeedFile = seedFile
		}

		logger, err := utils.NewLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		app, err = NewApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}

		if metricsAddr != "" && cfg.EnableMetrics {
			var ctx context.Context
			ctx, stopMetrics = context.WithCancel(cmd.Context())
			server := monitoring.NewServer(metricsAddr, logger)
			go func() {
				if err := server.Start(ctx); err != nil {
					logger.Error("metrics server stopped", "error", err)
				}
			}()
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if stopMetrics != nil {
			stopMetrics()
			stopMetrics = nil
		}
		if app == nil {
			return nil
		}
		err := app.Close()
		app = nil
		return err
	},
}

// Execute runs the root command until it finishes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "store backend (memory, redis, postgres); overrides STORE_BACKEND")
	rootCmd.PersistentFlags().StringVar(&seedFile, "seed-file", "", "YAML tree applied before the command runs; overrides SEED_FILE")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the command runs")

	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(tokensCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(treeCmd)
}
