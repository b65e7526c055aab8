package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/statsbridge/internal/bridge"
	"github.com/JakeFAU/statsbridge/internal/config"
	"github.com/JakeFAU/statsbridge/internal/crawl"
	"github.com/JakeFAU/statsbridge/internal/stats"
)

// Close reasons recorded for crawl entities.
const (
	reasonFinished = "finished"
	reasonShutdown = "shutdown"
	reasonFailed   = "failed"
)

func newCrawlCmd() *cobra.Command {
	var seeds []string
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run an instrumented crawl and export its stats",
		Long: `crawl visits crawl.seeds with Colly and reports downloader stats,
responses and scraped/dropped pages through the bridge. Each site is its
own entity unless crawl.entity names one for the whole run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, seeds)
		},
	}
	cmd.Flags().StringSliceVar(&seeds, "seed", nil, "seed URL (repeatable); replaces crawl.seeds")
	return cmd
}

func runCrawl(cmd *cobra.Command, seeds []string) error {
	ctx := cmd.Context()
	e, err := resolveEnv(ctx)
	if err != nil {
		return err
	}
	if len(seeds) > 0 {
		e.cfg.Crawl.Seeds = seeds
	}
	jobs, err := crawlJobs(e.cfg.Crawl)
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

	logger := e.logger.Named("crawl")
	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		g.Go(func() error {
			return crawlEntity(gctx, b, crawlConfig(e.cfg, job.seeds), job.entity, logger)
		})
	}
	crawlErr := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return errors.Join(crawlErr, b.OnStop(stopCtx))
}

type crawlJob struct {
	entity stats.Entity
	seeds  []string
}

// crawlJobs groups seeds by entity, preserving first-seen order.
func crawlJobs(cfg config.CrawlConfig) ([]crawlJob, error) {
	if len(cfg.Seeds) == 0 {
		return nil, fmt.Errorf("%w: crawl.seeds is empty", stats.ErrConfiguration)
	}
	if cfg.Entity != "" {
		return []crawlJob{{entity: stats.Entity{Name: cfg.Entity}, seeds: cfg.Seeds}}, nil
	}
	var jobs []crawlJob
	index := make(map[string]int)
	for _, seed := range cfg.Seeds {
		name := crawl.EntityFromURL(seed)
		i, ok := index[name]
		if !ok {
			i = len(jobs)
			index[name] = i
			jobs = append(jobs, crawlJob{entity: stats.Entity{Name: name}})
		}
		jobs[i].seeds = append(jobs[i].seeds, seed)
	}
	return jobs, nil
}

func crawlConfig(cfg config.Config, seeds []string) crawl.Config {
	return crawl.Config{
		Seeds:          seeds,
		AllowedDomains: cfg.Crawl.AllowedDomains,
		MaxDepth:       cfg.Crawl.MaxDepth,
		UserAgent:      cfg.Crawl.UserAgent,
		Parallelism:    cfg.Crawl.Parallelism,
		Delay:          time.Duration(cfg.Crawl.DelayMs) * time.Millisecond,
		Timeout:        cfg.CrawlTimeout(),
	}
}

// crawlEntity brackets one crawl with the entity lifecycle. A cancelled
// context closes the entity as shut down rather than failing the group.
func crawlEntity(ctx context.Context, b *bridge.Bridge, cfg crawl.Config, entity stats.Entity, logger *zap.Logger) error {
	b.OnEntityOpened(entity)
	err := crawl.Run(ctx, cfg, b, entity, logger.With(zap.String("entity", entity.Name)))

	reason := reasonFinished
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		reason = reasonShutdown
		err = nil
	default:
		reason = reasonFailed
	}
	b.OnEntityClosed(context.WithoutCancel(ctx), entity, reason)
	if err != nil {
		return fmt.Errorf("crawl %s: %w", entity.Name, err)
	}
	return nil
}
