package ingest

import "github.com/JakeFAU/statsbridge/internal/stats"

// Scope pins an owning entity for a unit of work, so instrumentation code
// does not have to thread the entity through every call site.
type Scope struct {
	collector *Collector
	entity    stats.Entity
}

// Entity returns the pinned entity.
func (s *Scope) Entity() stats.Entity {
	return s.entity
}

// Collector returns the underlying collector.
func (s *Scope) Collector() *Collector {
	return s.collector
}

func (s *Scope) with(opts []CallOption) []CallOption {
	return append([]CallOption{WithEntity(s.entity)}, opts...)
}

// SetValue is Collector.SetValue attributed to the pinned entity.
func (s *Scope) SetValue(key string, value any, opts ...CallOption) error {
	return s.collector.SetValue(key, value, s.with(opts)...)
}

// IncValue is Collector.IncValue attributed to the pinned entity.
func (s *Scope) IncValue(key string, count, start any, opts ...CallOption) error {
	return s.collector.IncValue(key, count, start, s.with(opts)...)
}

// Inc increments key by one.
func (s *Scope) Inc(key string, opts ...CallOption) error {
	return s.IncValue(key, 1, 0, opts...)
}

// MaxValue is Collector.MaxValue attributed to the pinned entity.
func (s *Scope) MaxValue(key string, value any, opts ...CallOption) error {
	return s.collector.MaxValue(key, value, s.with(opts)...)
}

// MinValue is Collector.MinValue attributed to the pinned entity.
func (s *Scope) MinValue(key string, value any, opts ...CallOption) error {
	return s.collector.MinValue(key, value, s.with(opts)...)
}

// Stats returns a copy of the stats attributed to the pinned entity.
func (s *Scope) Stats() map[string]any {
	return s.collector.EntityStats(s.entity)
}
