// Package naming resolves stat keys into metric names, label sets and
// registry partitions. Strategies are pure: the same key, entity and
// configuration always resolve to the same result.
package naming

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/statsbridge/internal/stats"
)

// Policy selects how a hierarchical key is split into name and labels.
type Policy string

// Supported naming policies.
const (
	// PolicySubstat names the metric after the first key segment and carries
	// the remaining path in the "substat" label.
	PolicySubstat Policy = "substat"
	// PolicyEntity folds the full key into the metric name and labels the
	// observation with the owning entity.
	PolicyEntity Policy = "entity"
)

// Partitioning selects how observations are grouped into registries.
type Partitioning string

// Supported partitioning modes.
const (
	// PartitionGlobal keeps every observation in DefaultPartition.
	PartitionGlobal Partitioning = "global"
	// PartitionEntity keeps one registry per owning entity. It cannot be
	// combined with a shared pull endpoint.
	PartitionEntity Partitioning = "entity"
)

// Label names attached by the strategies.
const (
	SubstatLabel = "substat"
	EntityLabel  = "entity_name"
)

// DefaultPartition names the registry used when no entity partition applies.
const DefaultPartition = "default"

// Resolution is the outcome of mapping one stat key.
type Resolution struct {
	Partition string
	Name      string
	Help      string
	Labels    stats.Labels
}

// Strategy maps a stat key and its owning entity to a Resolution.
type Strategy interface {
	Resolve(key string, entity stats.Entity) (Resolution, error)
}

// Config carries the inputs every strategy is built from.
type Config struct {
	Policy        Policy
	Partitioning  Partitioning
	Prefix        string
	DefaultLabels stats.Labels
}

// New builds the Strategy described by cfg.
func New(cfg Config) (Strategy, error) {
	if !ValidMetricName(cfg.Prefix) {
		return nil, fmt.Errorf("%w: metric prefix %q is not a valid metric name", stats.ErrConfiguration, cfg.Prefix)
	}
	for name := range cfg.DefaultLabels {
		if !ValidLabelName(name) {
			return nil, fmt.Errorf("%w: default label %q is not a valid label name", stats.ErrConfiguration, name)
		}
	}
	switch cfg.Partitioning {
	case PartitionGlobal, PartitionEntity:
	case "":
		cfg.Partitioning = PartitionGlobal
	default:
		return nil, fmt.Errorf("%w: unknown partitioning %q", stats.ErrConfiguration, cfg.Partitioning)
	}
	switch cfg.Policy {
	case PolicySubstat:
		return &SubstatStrategy{
			prefix:       cfg.Prefix,
			partitioning: cfg.Partitioning,
			defaults:     cfg.DefaultLabels.Clone(),
		}, nil
	case PolicyEntity, "":
		return &EntityStrategy{
			prefix:       cfg.Prefix,
			partitioning: cfg.Partitioning,
			defaults:     cfg.DefaultLabels.Clone(),
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown naming policy %q", stats.ErrConfiguration, cfg.Policy)
	}
}

// SubstatStrategy implements the "name plus residual as label value" policy:
// "foo/bar/baz" becomes metric prefix_foo with substat="bar/baz". The owning
// entity only selects the partition; with global partitioning two entities
// writing the same key share one point.
type SubstatStrategy struct {
	prefix       string
	partitioning Partitioning
	defaults     stats.Labels
}

// Resolve implements Strategy.
func (s *SubstatStrategy) Resolve(key string, entity stats.Entity) (Resolution, error) {
	base, residual, err := stats.SplitKey(key)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{
		Partition: PartitionFor(s.partitioning, entity),
		Name:      s.prefix + "_" + Sanitize(base),
		Help:      base,
		Labels:    s.defaults.Merge(stats.Labels{SubstatLabel: residual}),
	}, nil
}

// EntityStrategy implements the "full path folded into the name" policy with
// the owning entity and the default labels attached to every observation.
type EntityStrategy struct {
	prefix       string
	partitioning Partitioning
	defaults     stats.Labels
}

// Resolve implements Strategy.
func (s *EntityStrategy) Resolve(key string, entity stats.Entity) (Resolution, error) {
	if _, _, err := stats.SplitKey(key); err != nil {
		return Resolution{}, err
	}
	return Resolution{
		Partition: PartitionFor(s.partitioning, entity),
		Name:      MetricName(s.prefix, key),
		Help:      key,
		Labels:    s.defaults.Merge(stats.Labels{EntityLabel: entity.Name}),
	}, nil
}

// PartitionFor returns the partition an entity's metrics live in.
func PartitionFor(p Partitioning, entity stats.Entity) string {
	if p == PartitionEntity && !entity.IsZero() {
		return entity.Name
	}
	return DefaultPartition
}

// MetricName joins prefix and the sanitized key.
func MetricName(prefix, key string) string {
	return prefix + "_" + Sanitize(key)
}

// Sanitize replaces key separators, and any other byte that is not legal in
// a metric name, with underscores.
func Sanitize(key string) string {
	return strings.Map(func(r rune) rune {
		if isNameRune(r) {
			return r
		}
		return '_'
	}, key)
}

// ValidMetricName reports whether name matches [a-zA-Z_:][a-zA-Z0-9_:]*.
func ValidMetricName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		if !isNameRune(r) || (i == 0 && r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// ValidLabelName reports whether name matches [a-zA-Z_][a-zA-Z0-9_]* and is
// not reserved.
func ValidLabelName(name string) bool {
	if name == "" || strings.HasPrefix(name, "__") {
		return false
	}
	for i, r := range name {
		if r == ':' || !isNameRune(r) || (i == 0 && r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func isNameRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == ':'
}
