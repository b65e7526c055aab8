package ingest

import (
	"errors"
	"fmt"
	"sort"

	"github.com/JakeFAU/statsbridge/internal/naming"
	"github.com/JakeFAU/statsbridge/internal/registry"
	"github.com/JakeFAU/statsbridge/internal/stats"
)

// MetricsFromStats writes one gauge per numeric stat in values into reg,
// resolving names through strategy. Non-numeric stats are ignored. Failures
// for individual keys are joined; the remaining keys are still written.
func MetricsFromStats(
	reg *registry.Registry,
	strategy naming.Strategy,
	values map[string]any,
	entity stats.Entity,
) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var errs []error
	for _, key := range keys {
		v, ok := stats.Float(values[key])
		if !ok {
			continue
		}
		res, err := strategy.Resolve(key, entity)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		entry, _, err := reg.GetOrCreate(res.Partition, res.Name, registry.KindGauge, res.Help, res.Labels.Names())
		if err != nil {
			errs = append(errs, fmt.Errorf("stat %q: %w", key, err))
			continue
		}
		if entry == nil {
			continue
		}
		if err := entry.Set(res.Labels, v); err != nil {
			errs = append(errs, fmt.Errorf("stat %q: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
