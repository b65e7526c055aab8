package bridge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/statsbridge/internal/config"
	"github.com/JakeFAU/statsbridge/internal/persist"
	"github.com/JakeFAU/statsbridge/internal/persist/gcs"
	"github.com/JakeFAU/statsbridge/internal/persist/postgres"
	"github.com/JakeFAU/statsbridge/internal/persist/pubsub"
	"github.com/JakeFAU/statsbridge/internal/stats"
)

// OpenPersister builds the backend selected by persist.backend, connecting
// to external services where needed.
func OpenPersister(ctx context.Context, cfg config.Config, logger *zap.Logger) (persist.Persister, error) {
	switch cfg.Persist.Backend {
	case config.BackendPostgres:
		store, err := postgres.New(ctx, postgres.Config{DSN: cfg.Persist.DB.DSN, MaxConns: cfg.Persist.DB.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("open postgres persister: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("open postgres persister: %w", err)
		}
		return store, nil
	case config.BackendGCS:
		store, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.Persist.GCS.Bucket, Prefix: cfg.Persist.GCS.Prefix})
		if err != nil {
			return nil, fmt.Errorf("open gcs persister: %w", err)
		}
		return store, nil
	case config.BackendPubSub:
		pub, err := pubsub.Open(ctx, cfg.Persist.PubSub.ProjectID, cfg.Persist.PubSub.TopicName)
		if err != nil {
			return nil, fmt.Errorf("open pubsub persister: %w", err)
		}
		return pub, nil
	default:
		return localPersister(cfg, logger)
	}
}

func localPersister(cfg config.Config, logger *zap.Logger) (persist.Persister, error) {
	switch cfg.Persist.Backend {
	case config.BackendNone:
		return persist.Nop{}, nil
	case config.BackendMemory, "":
		return persist.NewMemory(), nil
	case config.BackendLog:
		return persist.NewLog(logger), nil
	default:
		return nil, fmt.Errorf("%w: persist.backend %q needs OpenPersister or WithPersister",
			stats.ErrConfiguration, cfg.Persist.Backend)
	}
}
