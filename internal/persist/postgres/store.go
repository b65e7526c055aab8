// Package postgres persists closed-entity snapshots as JSONB rows.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/statsbridge/internal/persist"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultTable is used when Config.Table is empty.
const DefaultTable = "stats_snapshots"

// Config controls the Postgres connection pool used for snapshot rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Store writes snapshot rows into Postgres.
type Store struct {
	pool  execCloser
	table string
}

var _ persist.Persister = (*Store)(nil)

// New connects a Store using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("persist.db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool execCloser, table string) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: pool, table: table}, nil
}

// EnsureSchema creates the snapshot table when it is missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	entity TEXT NOT NULL,
	reason TEXT NOT NULL,
	closed_at TIMESTAMPTZ NOT NULL,
	stats JSONB NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Persist inserts one snapshot row.
func (s *Store) Persist(ctx context.Context, rec persist.Record) error {
	values := rec.Stats
	if values == nil {
		values = map[string]any{}
	}
	statsJSON, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshal stats for %q: %w", rec.Entity, err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	entity,
	reason,
	closed_at,
	stats
) VALUES (
	$1,$2,$3,$4
)`, s.table)
	if _, err := s.pool.Exec(ctx, query, rec.Entity, rec.Reason, rec.ClosedAt, statsJSON); err != nil {
		return fmt.Errorf("insert snapshot for %q: %w", rec.Entity, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
