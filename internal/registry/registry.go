// Package registry adapts Prometheus registries into a get-or-create store
// of typed metric families. Each partition owns one prometheus.Registry; a
// metric name is bound to exactly one kind per partition for the lifetime of
// the process.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"

	"github.com/JakeFAU/statsbridge/internal/naming"
	"github.com/JakeFAU/statsbridge/internal/stats"
)

// Kind is the metric type an entry is bound to.
type Kind int

// Supported metric kinds.
const (
	KindCounter Kind = iota + 1
	KindGauge
)

func (k Kind) String() string {
	switch k {
	case KindCounter:
		return "counter"
	case KindGauge:
		return "gauge"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithSuppressTypeCheck makes kind conflicts resolve to a skipped observation
// instead of an ErrTypeConflict.
func WithSuppressTypeCheck(suppress bool) Option {
	return func(r *Registry) {
		r.suppressTypeCheck = suppress
	}
}

// WithLogger sets the logger used to report adopted and conflicting entries.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Registry holds every partition. It is safe for concurrent use.
type Registry struct {
	mu                sync.Mutex
	partitions        map[string]*Partition
	suppressTypeCheck bool
	logger            *zap.Logger
}

// New returns an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		partitions: make(map[string]*Partition),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Partition returns the named partition, creating it on first reference.
func (r *Registry) Partition(name string) *Partition {
	if name == "" {
		name = naming.DefaultPartition
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.partitions[name]
	if !ok {
		p = newPartition(name)
		r.partitions[name] = p
	}
	return p
}

// Lookup returns the named partition without creating it.
func (r *Registry) Lookup(name string) (*Partition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.partitions[name]
	return p, ok
}

// Partitions returns the sorted names of every partition created so far.
func (r *Registry) Partitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.partitions))
	for name := range r.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetOrCreate returns the entry called name in partition, creating it with
// kind and labelNames when it does not exist yet. created reports whether
// this call created it. When the name is already bound to another kind the
// call fails with ErrTypeConflict, or returns a nil entry and no error when
// type checks are suppressed.
func (r *Registry) GetOrCreate(
	partition, name string,
	kind Kind,
	help string,
	labelNames []string,
) (*Entry, bool, error) {
	p := r.Partition(partition)
	entry, created, err := p.getOrCreate(name, kind, help, labelNames)
	if errors.Is(err, stats.ErrTypeConflict) && r.suppressTypeCheck {
		r.logger.Debug("suppressed metric type conflict",
			zap.String("partition", p.name),
			zap.String("metric", name),
			zap.Error(err),
		)
		return nil, false, nil
	}
	return entry, created, err
}

// Gatherer returns the gatherer for partition, creating the partition if needed.
func (r *Registry) Gatherer(partition string) prometheus.Gatherer {
	return r.Partition(partition).Gatherer()
}

// ExportText renders partition in the text exposition format.
func (r *Registry) ExportText(partition string) ([]byte, error) {
	return r.Partition(partition).ExportText()
}

// Partition is one independently exported collection of entries.
type Partition struct {
	name string
	reg  *prometheus.Registry

	mu      sync.RWMutex
	entries map[string]*Entry
}

func newPartition(name string) *Partition {
	return &Partition{
		name:    name,
		reg:     prometheus.NewRegistry(),
		entries: make(map[string]*Entry),
	}
}

// Name returns the partition key.
func (p *Partition) Name() string {
	return p.name
}

// Gatherer exposes the partition's collectors for export.
func (p *Partition) Gatherer() prometheus.Gatherer {
	return p.reg
}

// Entry returns the entry called name.
func (p *Partition) Entry(name string) (*Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[name]
	return e, ok
}

// Len returns the number of entries in the partition.
func (p *Partition) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// ExportText renders the partition in the text exposition format.
func (p *Partition) ExportText() ([]byte, error) {
	families, err := p.reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather partition %q: %w", p.name, err)
	}
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return nil, fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}

func (p *Partition) getOrCreate(name string, kind Kind, help string, labelNames []string) (*Entry, bool, error) {
	p.mu.RLock()
	existing, ok := p.entries[name]
	p.mu.RUnlock()
	if ok {
		return checkKind(existing, kind)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring the write lock.
	if existing, ok = p.entries[name]; ok {
		return checkKind(existing, kind)
	}

	for _, label := range labelNames {
		if !naming.ValidLabelName(label) {
			return nil, false, fmt.Errorf("%w: label %q on %s", stats.ErrInvalidLabels, label, name)
		}
	}
	if help == "" {
		help = name
	}
	entry := newEntry(name, help, kind, labelNames)
	if err := p.reg.Register(entry.collector()); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, false, fmt.Errorf("%w: register %s: %v", stats.ErrMalformedKey, name, err)
		}
		adopted, adoptErr := adopt(name, help, kind, labelNames, are.ExistingCollector)
		if adoptErr != nil {
			return nil, false, adoptErr
		}
		p.entries[name] = adopted
		return adopted, false, nil
	}
	p.entries[name] = entry
	return entry, true, nil
}

func checkKind(entry *Entry, kind Kind) (*Entry, bool, error) {
	if entry.kind != kind {
		return nil, false, fmt.Errorf("%w: %s is a %s, requested %s",
			stats.ErrTypeConflict, entry.name, entry.kind, kind)
	}
	return entry, false, nil
}

// adopt wraps a collector that was registered outside of this package under
// the same name, provided it is a vector of the requested kind.
func adopt(name, help string, kind Kind, labelNames []string, existing prometheus.Collector) (*Entry, error) {
	entry := &Entry{
		name:       name,
		help:       help,
		kind:       kind,
		labelNames: append([]string(nil), labelNames...),
		observed:   make(map[string]struct{}),
	}
	switch vec := existing.(type) {
	case *prometheus.CounterVec:
		if kind == KindCounter {
			entry.counter = vec
			return entry, nil
		}
	case *prometheus.GaugeVec:
		if kind == KindGauge {
			entry.gauge = vec
			return entry, nil
		}
	}
	return nil, fmt.Errorf("%w: %s is already registered as %T, requested %s",
		stats.ErrTypeConflict, name, existing, kind)
}
