package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/statsbridge/internal/config"
	"github.com/JakeFAU/statsbridge/internal/logging"
)

type envKeyType string

const envKey envKeyType = "env"

// env carries what every subcommand needs once configuration is loaded.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

// loadConfig is swapped out in tests.
var loadConfig = config.Load

func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		dev     bool
		level   string
	)
	cmd := &cobra.Command{
		Use:   "statsbridge",
		Short: "Mirror application stats into Prometheus metrics",
		Long: `statsbridge keeps a key/value stats snapshot in sync with Prometheus
metrics, serves them for scraping and pushes them to a Pushgateway when
an entity (a spider, a site, a worker) closes.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("dev") {
				cfg.Logging.Development = dev
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = level
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); STATSBRIDGE_* env vars override it")
	cmd.PersistentFlags().BoolVar(&dev, "dev", false, "human readable development logging")
	cmd.PersistentFlags().StringVar(&level, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(newServeCmd(), newCrawlCmd(), newConfigCmd())
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}
