// Package persist keeps the plain stats snapshot of an entity once it
// closes. Backends live in subpackages; this package holds the shared record
// type plus the in-process backends.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record is one persisted snapshot.
type Record struct {
	Entity   string         `json:"entity"`
	Reason   string         `json:"reason"`
	ClosedAt time.Time      `json:"closed_at"`
	Stats    map[string]any `json:"stats"`
}

// Marshal encodes the record as JSON. time.Time values inside Stats are
// encoded in RFC 3339.
func (r Record) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal stats for %q: %w", r.Entity, err)
	}
	return data, nil
}

// Persister stores closed-entity snapshots.
type Persister interface {
	Persist(ctx context.Context, rec Record) error
	Close() error
}

// Nop discards every record.
type Nop struct{}

// Persist implements Persister.
func (Nop) Persist(context.Context, Record) error { return nil }

// Close implements Persister.
func (Nop) Close() error { return nil }

// Memory keeps the last record per entity, like an in-process stats
// collector that remembers finished runs.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemory returns an empty Memory persister.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

// Persist stores rec, replacing any earlier record for the same entity.
func (m *Memory) Persist(_ context.Context, rec Record) error {
	stats := make(map[string]any, len(rec.Stats))
	for k, v := range rec.Stats {
		stats[k] = v
	}
	rec.Stats = stats

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Entity] = rec
	return nil
}

// Get returns the last record stored for entity.
func (m *Memory) Get(entity string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[entity]
	return rec, ok
}

// Entities returns the sorted names of every entity with a record.
func (m *Memory) Entities() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.records))
	for name := range m.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close implements Persister.
func (m *Memory) Close() error { return nil }

// Log dumps each record through zap.
type Log struct {
	logger *zap.Logger
}

// NewLog returns a Log persister writing at info level.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// Persist logs rec.
func (l *Log) Persist(_ context.Context, rec Record) error {
	l.logger.Info("dumping stats",
		zap.String("entity", rec.Entity),
		zap.String("reason", rec.Reason),
		zap.Time("closed_at", rec.ClosedAt),
		zap.Any("stats", rec.Stats),
	)
	return nil
}

// Close implements Persister.
func (l *Log) Close() error { return nil }
