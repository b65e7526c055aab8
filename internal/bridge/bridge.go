// Package bridge wires the ingestion core, the export drivers and snapshot
// persistence to an instrumented application's lifecycle. The application
// reports stat updates and entity open/close events; the bridge keeps the
// metrics current, serves them for scraping and pushes them on close.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/JakeFAU/statsbridge/internal/clock"
	"github.com/JakeFAU/statsbridge/internal/clock/system"
	"github.com/JakeFAU/statsbridge/internal/config"
	"github.com/JakeFAU/statsbridge/internal/export/pull"
	"github.com/JakeFAU/statsbridge/internal/export/push"
	"github.com/JakeFAU/statsbridge/internal/ingest"
	"github.com/JakeFAU/statsbridge/internal/metrics"
	"github.com/JakeFAU/statsbridge/internal/naming"
	"github.com/JakeFAU/statsbridge/internal/persist"
	"github.com/JakeFAU/statsbridge/internal/registry"
	"github.com/JakeFAU/statsbridge/internal/stats"
)

// Core stat keys maintained by the lifecycle hooks.
const (
	KeyStartTime          = "start_time"
	KeyFinishTime         = "finish_time"
	KeyFinishReason       = "finish_reason"
	KeyElapsedSeconds     = "elapsed_time_seconds"
	KeyItemScrapedCount   = "item_scraped_count"
	KeyItemDroppedCount   = "item_dropped_count"
	KeyItemDroppedReasons = "item_dropped_reasons_count"
	KeyResponseCount      = "response_received_count"
)

// Default lifecycle metric keys, emitted when metrics.default_metrics is set.
const (
	MetricEntityOpened     = "entity_opened"
	MetricEntityClosed     = "entity_closed"
	MetricItemScraped      = "item_scraped"
	MetricItemDropped      = "item_dropped"
	MetricResponseReceived = "response_received"
)

// ReasonShutdown is recorded for the final snapshot persisted by OnStop.
const ReasonShutdown = "shutdown"

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the root logger. Components get named children.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock overrides the wall clock used for lifecycle timestamps.
func WithClock(c clock.Clock) Option {
	return func(b *Bridge) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithPersister sets where closed-entity snapshots go. Without it the
// in-process backend named by persist.backend is used.
func WithPersister(p persist.Persister) Option {
	return func(b *Bridge) {
		b.persister = p
	}
}

// WithMetrics shares an existing self-metrics set.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// WithPushTransport overrides the HTTP transport used for pushes.
func WithPushTransport(rt http.RoundTripper) Option {
	return func(b *Bridge) {
		b.pushTransport = rt
	}
}

// Bridge is safe for concurrent use.
type Bridge struct {
	cfg           config.Config
	logger        *zap.Logger
	clock         clock.Clock
	registry      *registry.Registry
	strategy      naming.Strategy
	collector     *ingest.Collector
	pusher        *push.Pusher
	pushTransport http.RoundTripper
	persister     persist.Persister
	metrics       *metrics.Metrics
	endpoint      *pull.Server
	instance      string

	mu     sync.Mutex
	opened map[string]time.Time
}

// New validates cfg and assembles a Bridge. Only configuration problems are
// reported as errors.
func New(cfg config.Config, opts ...Option) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Bridge{
		cfg:    cfg,
		logger: zap.NewNop(),
		clock:  system.New(),
		opened: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.persister == nil {
		p, err := localPersister(cfg, b.logger.Named("persist"))
		if err != nil {
			return nil, err
		}
		b.persister = p
	}
	if b.metrics == nil {
		var mopts []metrics.Option
		if cfg.Metrics.RuntimeMetrics {
			mopts = append(mopts, metrics.WithRuntimeCollectors())
		}
		b.metrics = metrics.New(mopts...)
	}

	strategy, err := naming.New(cfg.NamingConfig())
	if err != nil {
		return nil, err
	}
	b.strategy = strategy
	b.registry = registry.New(
		registry.WithSuppressTypeCheck(cfg.Metrics.SuppressTypeCheck),
		registry.WithLogger(b.logger.Named("registry")),
	)
	b.collector, err = ingest.New(b.registry, strategy, b.logger.Named("ingest"), ingest.WithObserver(b.metrics))
	if err != nil {
		return nil, err
	}
	b.pusher = push.New(
		push.WithLogger(b.logger.Named("push")),
		push.WithObserver(b.metrics),
		push.WithTransport(b.pushTransport),
	)
	if cfg.Endpoint.Enabled {
		b.endpoint = pull.New(cfg.PullConfig(), b.Gatherer(),
			pull.WithLogger(b.logger.Named("pull")),
			pull.WithMetrics(b.metrics),
		)
	}
	b.instance = cfg.Metrics.DefaultLabels["instance"]
	if b.instance == "" {
		b.instance = config.Hostname()
	}
	return b, nil
}

// Collector returns the ingestion core.
func (b *Bridge) Collector() *ingest.Collector {
	return b.collector
}

// Registry returns the metric registry.
func (b *Bridge) Registry() *registry.Registry {
	return b.registry
}

// Metrics returns the self-metrics set.
func (b *Bridge) Metrics() *metrics.Metrics {
	return b.metrics
}

// Persister returns the snapshot persister.
func (b *Bridge) Persister() persist.Persister {
	return b.persister
}

// Endpoint returns the pull server, or nil when the endpoint is disabled.
func (b *Bridge) Endpoint() *pull.Server {
	return b.endpoint
}

// Gatherer merges the default partition with the self metrics. It is what
// the pull endpoint serves.
func (b *Bridge) Gatherer() prometheus.Gatherer {
	return prometheus.Gatherers{b.registry.Gatherer(naming.DefaultPartition), b.metrics.Gatherer()}
}

// ForEntity returns a scope that attributes every update to entity.
func (b *Bridge) ForEntity(entity stats.Entity) *ingest.Scope {
	return b.collector.ForEntity(entity)
}

// OnStatUpdate applies one stat update on behalf of entity. Inc uses value
// as the count. The returned error is informational; the snapshot is always
// updated for well typed values.
func (b *Bridge) OnStatUpdate(op stats.Op, key string, value any, entity stats.Entity, labels stats.Labels) error {
	return b.collector.Update(op, key, value, ingest.WithEntity(entity), ingest.WithLabels(labels))
}

// OnStart starts the pull endpoint when enabled.
func (b *Bridge) OnStart(_ context.Context) error {
	if b.endpoint != nil {
		if err := b.endpoint.Start(); err != nil {
			return err
		}
	}
	b.logger.Info("stats bridge started",
		zap.Bool("endpoint", b.endpoint != nil),
		zap.Bool("push", b.pushEnabled()),
		zap.String("strategy", b.cfg.Metrics.Strategy),
		zap.String("partitioning", b.cfg.Metrics.Partitioning),
	)
	return nil
}

// OnEntityOpened records the entity's start time.
func (b *Bridge) OnEntityOpened(entity stats.Entity) {
	now := b.clock.Now()
	b.mu.Lock()
	b.opened[entity.Name] = now
	b.mu.Unlock()

	scope := b.collector.ForEntity(entity)
	_ = scope.SetValue(KeyStartTime, now)
	b.defaultMetric(scope, MetricEntityOpened)
	b.logger.Info("entity opened", zap.String("entity", entity.Name))
}

// OnResponseReceived counts one downloaded response.
func (b *Bridge) OnResponseReceived(entity stats.Entity) {
	scope := b.collector.ForEntity(entity)
	_ = scope.Inc(KeyResponseCount)
	b.defaultMetric(scope, MetricResponseReceived)
}

// OnItemScraped counts one produced item.
func (b *Bridge) OnItemScraped(entity stats.Entity) {
	scope := b.collector.ForEntity(entity)
	_ = scope.Inc(KeyItemScrapedCount)
	b.defaultMetric(scope, MetricItemScraped)
}

// OnItemDropped counts one rejected item and its reason.
func (b *Bridge) OnItemDropped(entity stats.Entity, reason string) {
	scope := b.collector.ForEntity(entity)
	_ = scope.Inc(KeyItemDroppedCount)
	if reason != "" {
		_ = scope.Inc(KeyItemDroppedReasons + stats.KeySeparator + reason)
	}
	b.defaultMetric(scope, MetricItemDropped)
}

// OnEntityClosed finalizes the entity's core stats, persists the entity's
// own snapshot and pushes the entity's series. Failures are logged, never
// returned.
func (b *Bridge) OnEntityClosed(ctx context.Context, entity stats.Entity, reason string) {
	now := b.clock.Now()
	b.mu.Lock()
	started, ok := b.opened[entity.Name]
	delete(b.opened, entity.Name)
	b.mu.Unlock()

	scope := b.collector.ForEntity(entity)
	_ = scope.SetValue(KeyFinishTime, now)
	_ = scope.SetValue(KeyFinishReason, reason)
	if ok {
		_ = scope.SetValue(KeyElapsedSeconds, now.Sub(started).Seconds())
	}
	b.defaultMetric(scope, MetricEntityClosed)

	snapshot := scope.Stats()
	b.persist(ctx, persist.Record{Entity: entity.Name, Reason: reason, ClosedAt: now, Stats: snapshot})
	b.pushEntity(ctx, entity)
	if b.cfg.Metrics.Report {
		b.pushReport(ctx, entity, snapshot)
	}
	if !entity.IsZero() {
		b.collector.ForgetEntity(entity)
	}
	b.logger.Info("entity closed",
		zap.String("entity", entity.Name),
		zap.String("reason", reason),
	)
}

// OnStop persists the final snapshot, pushes every entity's series once more
// under its own grouping key plus the entity-less series, and stops the pull
// endpoint. Only the endpoint shutdown error is returned.
func (b *Bridge) OnStop(ctx context.Context) error {
	b.persist(ctx, persist.Record{
		Reason:   ReasonShutdown,
		ClosedAt: b.clock.Now(),
		Stats:    b.collector.Stats(),
	})
	if b.pushEnabled() {
		if b.groupingOverridden() {
			b.push(ctx, stats.Entity{}, naming.DefaultPartition, b.registry.Gatherer(naming.DefaultPartition))
		} else {
			for _, name := range b.knownEntities() {
				b.pushEntity(ctx, stats.Entity{Name: name})
			}
			b.pushEntity(ctx, stats.Entity{})
		}
	}

	var errs []error
	if b.endpoint != nil {
		errs = append(errs, b.endpoint.Shutdown(ctx))
	}
	if err := b.persister.Close(); err != nil {
		b.logger.Warn("close persister failed",
			zap.String("destination", b.cfg.Persist.Backend),
			zap.Error(err),
		)
	}
	b.logger.Info("stats bridge stopped")
	return errors.Join(errs...)
}

// pushEntity pushes the series owned by entity under its grouping key. In a
// shared partition only series whose entity label matches are sent, so each
// series lives in exactly one gateway group. A fixed grouping key cannot
// separate entities, so the whole partition is sent under it.
func (b *Bridge) pushEntity(ctx context.Context, entity stats.Entity) {
	if !b.pushEnabled() {
		return
	}
	partition := naming.PartitionFor(naming.Partitioning(b.cfg.Metrics.Partitioning), entity)
	p, found := b.registry.Lookup(partition)
	if !found {
		if !entity.IsZero() {
			b.logger.Warn("entity has no metric partition",
				zap.String("entity", entity.Name),
				zap.String("partition", partition),
			)
		}
		return
	}
	g := p.Gatherer()
	if partition == naming.DefaultPartition && !b.groupingOverridden() {
		g = ownedBy(g, entity.Name)
	}
	b.push(ctx, entity, partition, g)
}

// knownEntities lists every entity with series in the registry: entity
// partitions by name, plus the entity label values of the default partition.
func (b *Bridge) knownEntities() []string {
	seen := make(map[string]struct{})
	for _, name := range b.registry.Partitions() {
		if name != naming.DefaultPartition {
			seen[name] = struct{}{}
		}
	}
	if families, err := b.registry.Gatherer(naming.DefaultPartition).Gather(); err == nil {
		for _, mf := range families {
			for _, m := range mf.GetMetric() {
				if name := entityOf(m); name != "" {
					seen[name] = struct{}{}
				}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ownedBy keeps only the series attributed to entity. Series without an
// entity label belong to the empty entity.
func ownedBy(g prometheus.Gatherer, entity string) prometheus.Gatherer {
	return prometheus.GathererFunc(func() ([]*dto.MetricFamily, error) {
		families, err := g.Gather()
		if err != nil {
			return nil, err
		}
		out := families[:0]
		for _, mf := range families {
			kept := mf.Metric[:0]
			for _, m := range mf.GetMetric() {
				if entityOf(m) == entity {
					kept = append(kept, m)
				}
			}
			if len(kept) > 0 {
				mf.Metric = kept
				out = append(out, mf)
			}
		}
		return out, nil
	})
}

func entityOf(m *dto.Metric) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == naming.EntityLabel {
			return lp.GetValue()
		}
	}
	return ""
}

func (b *Bridge) defaultMetric(scope *ingest.Scope, key string) {
	if b.cfg.Metrics.DefaultMetrics {
		_ = scope.Inc(key)
	}
}

func (b *Bridge) persist(ctx context.Context, rec persist.Record) {
	if err := b.persister.Persist(ctx, rec); err != nil {
		b.logger.Warn("persist stats failed",
			zap.String("entity", rec.Entity),
			zap.String("destination", b.cfg.Persist.Backend),
			zap.Error(err),
		)
	}
}

func (b *Bridge) pushEnabled() bool {
	return b.cfg.Push.Address != ""
}

func (b *Bridge) groupingOverridden() bool {
	return len(b.cfg.Push.GroupingKey) > 0
}

// GroupingKey returns the grouping labels used when pushing for entity.
func (b *Bridge) GroupingKey(entity stats.Entity) map[string]string {
	if b.groupingOverridden() {
		out := make(map[string]string, len(b.cfg.Push.GroupingKey))
		for k, v := range b.cfg.Push.GroupingKey {
			out[k] = v
		}
		return out
	}
	return map[string]string{"entity": entity.Name, "instance": b.instance}
}

func (b *Bridge) push(ctx context.Context, entity stats.Entity, partition string, g prometheus.Gatherer) {
	if !b.pushEnabled() {
		return
	}
	families, err := g.Gather()
	if err != nil {
		b.logger.Warn("gather for push failed",
			zap.String("entity", entity.Name),
			zap.String("partition", partition),
			zap.Error(err),
		)
	}
	if len(families) == 0 {
		return
	}
	err = b.pusher.Push(ctx, push.Request{
		Gatherer: prometheus.GathererFunc(func() ([]*dto.MetricFamily, error) { return families, nil }),
		URL:      b.cfg.Push.Address,
		Job:      b.cfg.Push.Job,
		Grouping: b.GroupingKey(entity),
		Timeout:  b.cfg.PushTimeout(),
		Method:   b.cfg.PushMethod(),
	})
	if err != nil {
		// Already logged by the pusher with the destination.
		return
	}
	b.logger.Info("pushed metrics",
		zap.String("entity", entity.Name),
		zap.String("partition", partition),
		zap.String("destination", b.cfg.Push.Address),
	)
}

// Report converts values into substat gauges on a fresh registry and
// returns its gatherer.
func (b *Bridge) Report(values map[string]any, entity stats.Entity) (prometheus.Gatherer, error) {
	strategy, err := naming.New(naming.Config{
		Policy:       naming.PolicySubstat,
		Partitioning: naming.PartitionGlobal,
		Prefix:       b.cfg.Metrics.Prefix,
	})
	if err != nil {
		return nil, err
	}
	reg := registry.New(registry.WithLogger(b.logger.Named("report")))
	if err := ingest.MetricsFromStats(reg, strategy, values, entity); err != nil {
		return reg.Gatherer(naming.DefaultPartition), fmt.Errorf("stats report for %q: %w", entity.Name, err)
	}
	return reg.Gatherer(naming.DefaultPartition), nil
}

func (b *Bridge) pushReport(ctx context.Context, entity stats.Entity, values map[string]any) {
	g, err := b.Report(values, entity)
	if err != nil {
		b.logger.Warn("stats report incomplete",
			zap.String("entity", entity.Name),
			zap.Error(err),
		)
		if g == nil {
			return
		}
	}
	b.push(ctx, entity, "report", g)
}
