// Package ingest implements the stats ingestion core. A Collector receives
// set/inc/max/min updates from the instrumented application, records them in
// a plain snapshot, and mirrors numeric updates into typed metrics through a
// naming strategy and the registry adapter.
//
// Metric failures never roll back the snapshot and never panic: they are
// logged and returned so the caller can ignore them without losing data.
package ingest

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/statsbridge/internal/naming"
	"github.com/JakeFAU/statsbridge/internal/registry"
	"github.com/JakeFAU/statsbridge/internal/stats"
)

// Observer is notified of the outcome of every metric update.
type Observer interface {
	ObserveUpdate(op stats.Op, err error)
	ObserveSkipped(op stats.Op)
}

// Option configures a Collector.
type Option func(*Collector)

// WithSnapshot shares an existing snapshot instead of allocating one.
func WithSnapshot(s *stats.Snapshot) Option {
	return func(c *Collector) {
		if s != nil {
			c.snapshot = s
		}
	}
}

// WithObserver registers an Observer for metric update outcomes.
func WithObserver(o Observer) Option {
	return func(c *Collector) {
		c.observer = o
	}
}

// Collector is the ingestion entry point. It holds a registry rather than
// being one, and is safe for concurrent use.
//
// The process-wide snapshot sees every update. Updates attributed to an
// entity are also recorded in that entity's own snapshot.
type Collector struct {
	snapshot *stats.Snapshot
	registry *registry.Registry
	strategy naming.Strategy
	observer Observer
	logger   *zap.Logger

	mu       sync.Mutex
	entities map[string]*stats.Snapshot
}

// New builds a Collector writing metrics into reg using strategy.
func New(reg *registry.Registry, strategy naming.Strategy, logger *zap.Logger, opts ...Option) (*Collector, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: registry is required", stats.ErrConfiguration)
	}
	if strategy == nil {
		return nil, fmt.Errorf("%w: naming strategy is required", stats.ErrConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		snapshot: stats.NewSnapshot(),
		registry: reg,
		strategy: strategy,
		logger:   logger,
		entities: make(map[string]*stats.Snapshot),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CallOption adjusts a single update.
type CallOption func(*call)

type call struct {
	entity stats.Entity
	labels stats.Labels
}

// WithEntity attributes the update to entity.
func WithEntity(entity stats.Entity) CallOption {
	return func(c *call) {
		c.entity = entity
	}
}

// WithLabels adds labels to the update, overriding strategy labels with the
// same name. The map is copied.
func WithLabels(labels stats.Labels) CallOption {
	return func(c *call) {
		c.labels = c.labels.Merge(labels)
	}
}

func newCall(opts []CallOption) call {
	c := call{labels: stats.Labels{}}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// SetValue stores value under key and sets the matching gauge. Non-numeric
// values are kept in the snapshot only.
func (c *Collector) SetValue(key string, value any, opts ...CallOption) error {
	cl := newCall(opts)
	for _, snap := range c.snapshotsFor(cl.entity) {
		snap.Set(key, value)
	}
	v, ok := stats.Float(value)
	if !ok {
		return nil
	}
	return c.apply(stats.OpSet, key, v, cl)
}

// IncValue adds count to key and to the matching counter. start seeds the
// snapshot when key is new; exported counters always begin at zero.
func (c *Collector) IncValue(key string, count, start any, opts ...CallOption) error {
	cl := newCall(opts)
	snapErr := c.eachSnapshot(cl.entity, func(snap *stats.Snapshot) error {
		return snap.Inc(key, count, start)
	})
	if snapErr != nil {
		c.logFailure(stats.OpInc, key, cl.entity, "", snapErr)
	}
	v, ok := stats.Float(count)
	if !ok {
		return snapErr
	}
	return errors.Join(snapErr, c.apply(stats.OpInc, key, v, cl))
}

// MaxValue keeps the larger of the stored and given values, in the snapshot
// and in the matching gauge.
func (c *Collector) MaxValue(key string, value any, opts ...CallOption) error {
	return c.keep(stats.OpMax, key, value, opts)
}

// MinValue keeps the smaller of the stored and given values, in the snapshot
// and in the matching gauge.
func (c *Collector) MinValue(key string, value any, opts ...CallOption) error {
	return c.keep(stats.OpMin, key, value, opts)
}

func (c *Collector) keep(op stats.Op, key string, value any, opts []CallOption) error {
	cl := newCall(opts)
	snapErr := c.eachSnapshot(cl.entity, func(snap *stats.Snapshot) error {
		if op == stats.OpMax {
			return snap.Max(key, value)
		}
		return snap.Min(key, value)
	})
	if snapErr != nil {
		c.logFailure(op, key, cl.entity, "", snapErr)
	}
	v, ok := stats.Float(value)
	if !ok {
		return snapErr
	}
	return errors.Join(snapErr, c.apply(op, key, v, cl))
}

// snapshotsFor returns the process-wide snapshot followed by entity's own
// snapshot, creating the latter on first use.
func (c *Collector) snapshotsFor(entity stats.Entity) []*stats.Snapshot {
	if entity.IsZero() {
		return []*stats.Snapshot{c.snapshot}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.entities[entity.Name]
	if !ok {
		snap = stats.NewSnapshot()
		c.entities[entity.Name] = snap
	}
	return []*stats.Snapshot{c.snapshot, snap}
}

// eachSnapshot applies fn to every snapshot the update belongs to and
// returns the first failure.
func (c *Collector) eachSnapshot(entity stats.Entity, fn func(*stats.Snapshot) error) error {
	var first error
	for _, snap := range c.snapshotsFor(entity) {
		if err := fn(snap); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Update dispatches op to the matching operation. Inc uses value as the count
// and a zero start.
func (c *Collector) Update(op stats.Op, key string, value any, opts ...CallOption) error {
	switch op {
	case stats.OpSet:
		return c.SetValue(key, value, opts...)
	case stats.OpInc:
		return c.IncValue(key, value, 0, opts...)
	case stats.OpMax:
		return c.MaxValue(key, value, opts...)
	case stats.OpMin:
		return c.MinValue(key, value, opts...)
	default:
		return fmt.Errorf("unknown stat operation %q", op)
	}
}

func (c *Collector) apply(op stats.Op, key string, v float64, cl call) error {
	res, err := c.strategy.Resolve(key, cl.entity)
	if err != nil {
		return c.fail(op, key, cl.entity, "", err)
	}
	labels := res.Labels.Merge(cl.labels)
	kind := registry.KindGauge
	if op == stats.OpInc {
		kind = registry.KindCounter
	}
	entry, _, err := c.registry.GetOrCreate(res.Partition, res.Name, kind, res.Help, labels.Names())
	if err != nil {
		return c.fail(op, key, cl.entity, res.Partition, err)
	}
	if entry == nil {
		if c.observer != nil {
			c.observer.ObserveSkipped(op)
		}
		return nil
	}
	switch op {
	case stats.OpInc:
		err = entry.Inc(labels, v)
	case stats.OpSet:
		err = entry.Set(labels, v)
	case stats.OpMax:
		err = entry.Max(labels, v)
	case stats.OpMin:
		err = entry.Min(labels, v)
	}
	if err != nil {
		return c.fail(op, key, cl.entity, res.Partition, err)
	}
	if c.observer != nil {
		c.observer.ObserveUpdate(op, nil)
	}
	return nil
}

func (c *Collector) fail(op stats.Op, key string, entity stats.Entity, partition string, err error) error {
	c.logFailure(op, key, entity, partition, err)
	if c.observer != nil {
		c.observer.ObserveUpdate(op, err)
	}
	return fmt.Errorf("%s %q: %w", op, key, err)
}

func (c *Collector) logFailure(op stats.Op, key string, entity stats.Entity, partition string, err error) {
	c.logger.Warn("stat update not exported",
		zap.String("op", string(op)),
		zap.String("key", key),
		zap.String("entity", entity.Name),
		zap.String("partition", partition),
		zap.Error(err),
	)
}

// GetValue returns the snapshot value under key.
func (c *Collector) GetValue(key string) (any, bool) {
	return c.snapshot.Get(key)
}

// Stats returns a copy of the plain snapshot.
func (c *Collector) Stats() map[string]any {
	return c.snapshot.All()
}

// EntityStats returns a copy of the stats attributed to entity. The zero
// entity yields the process-wide snapshot.
func (c *Collector) EntityStats(entity stats.Entity) map[string]any {
	if entity.IsZero() {
		return c.snapshot.All()
	}
	c.mu.Lock()
	snap, ok := c.entities[entity.Name]
	c.mu.Unlock()
	if !ok {
		return map[string]any{}
	}
	return snap.All()
}

// ForgetEntity drops the per-entity snapshot of entity. The process-wide
// snapshot and the metrics are not touched.
func (c *Collector) ForgetEntity(entity stats.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entities, entity.Name)
}

// SetStats replaces the plain snapshot. Metrics are not touched.
func (c *Collector) SetStats(values map[string]any) {
	c.snapshot.Replace(values)
}

// ClearStats empties the plain snapshot and every per-entity snapshot.
// Metrics are not touched.
func (c *Collector) ClearStats() {
	c.snapshot.Clear()
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entities)
}

// Registry returns the registry metrics are written to.
func (c *Collector) Registry() *registry.Registry {
	return c.registry
}

// Snapshot returns the plain snapshot backing the collector.
func (c *Collector) Snapshot() *stats.Snapshot {
	return c.snapshot
}

// ForEntity returns a Scope that attributes every update to entity unless a
// call passes its own WithEntity.
func (c *Collector) ForEntity(entity stats.Entity) *Scope {
	return &Scope{collector: c, entity: entity}
}
