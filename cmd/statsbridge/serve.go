package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/statsbridge/internal/bridge"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var exitOnEOF bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Apply stat updates read from stdin and serve the metrics",
		Long: `serve reads one update per line from stdin:

  inc downloader/request_count 1 news
  set queue/size 42
  open news
  close news finished

The scrape endpoint stays up until SIGINT/SIGTERM, or until stdin closes
when --exit-on-eof is set. On shutdown the final snapshot is persisted and
the default partition is pushed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, exitOnEOF)
		},
	}
	cmd.Flags().BoolVar(&exitOnEOF, "exit-on-eof", false, "stop once stdin is exhausted")
	return cmd
}

func runServe(cmd *cobra.Command, exitOnEOF bool) error {
	ctx := cmd.Context()
	e, err := resolveEnv(ctx)
	if err != nil {
		return err
	}
	b, err := openBridge(ctx, e)
	if err != nil {
		return err
	}
	if err := b.OnStart(ctx); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	logger := e.logger.Named("serve")

	done := make(chan error, 1)
	go func() {
		done <- readLines(cmd.InOrStdin(),
			func(lineNo int, c command) error {
				if err := apply(ctx, b, c); err != nil {
					logger.Debug("stat update rejected", zap.Int("line", lineNo), zap.Error(err))
				}
				return nil
			},
			func(lineNo int, err error) {
				logger.Warn("stats line rejected", zap.Int("line", lineNo), zap.Error(err))
			},
		)
	}()

	var readErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case readErr = <-done:
		if readErr == nil && !exitOnEOF {
			logger.Info("stats input closed, serving until signalled")
			<-ctx.Done()
		}
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return errors.Join(readErr, b.OnStop(stopCtx))
}

// openBridge connects the configured persister and builds the bridge on it.
func openBridge(ctx context.Context, e *env) (*bridge.Bridge, error) {
	persister, err := bridge.OpenPersister(ctx, e.cfg, e.logger.Named("persist"))
	if err != nil {
		return nil, err
	}
	b, err := bridge.New(e.cfg,
		bridge.WithLogger(e.logger),
		bridge.WithPersister(persister),
	)
	if err != nil {
		_ = persister.Close()
		return nil, err
	}
	return b, nil
}
