package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the effective settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			cfg := e.cfg
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "metrics:  prefix=%s strategy=%s partitioning=%s default_metrics=%t\n",
				cfg.Metrics.Prefix, cfg.Metrics.Strategy, cfg.Metrics.Partitioning, cfg.Metrics.DefaultMetrics)
			if cfg.Push.Address == "" {
				fmt.Fprintln(out, "push:     disabled")
			} else {
				fmt.Fprintf(out, "push:     %s job=%s method=%s timeout=%s\n",
					cfg.Push.Address, cfg.Push.Job, cfg.PushMethod(), cfg.PushTimeout())
			}
			if cfg.Endpoint.Enabled {
				fmt.Fprintf(out, "endpoint: http://%s%s\n", cfg.PullConfig().Addr(), cfg.Endpoint.Path)
			} else {
				fmt.Fprintln(out, "endpoint: disabled")
			}
			fmt.Fprintf(out, "persist:  %s\n", cfg.Persist.Backend)
			return nil
		},
	}
}
