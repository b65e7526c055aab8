package registry

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/JakeFAU/statsbridge/internal/stats"
)

// ErrNoPoint reports a read of a label set that was never written through
// the entry.
var ErrNoPoint = errors.New("metric point not observed")

// Entry is one named metric family bound to a kind and a label schema.
// Counter increments are atomic; gauge updates are serialized by mu so that
// max/min read-modify-write cycles never lose an update.
type Entry struct {
	name       string
	help       string
	kind       Kind
	labelNames []string

	counter *prometheus.CounterVec
	gauge   *prometheus.GaugeVec

	mu       sync.Mutex
	observed map[string]struct{}
}

func newEntry(name, help string, kind Kind, labelNames []string) *Entry {
	e := &Entry{
		name:       name,
		help:       help,
		kind:       kind,
		labelNames: append([]string(nil), labelNames...),
		observed:   make(map[string]struct{}),
	}
	switch kind {
	case KindCounter:
		e.counter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, e.labelNames)
	case KindGauge:
		e.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, e.labelNames)
	}
	return e
}

// Name returns the metric name.
func (e *Entry) Name() string { return e.name }

// Help returns the metric help text.
func (e *Entry) Help() string { return e.help }

// Kind returns the bound metric kind.
func (e *Entry) Kind() Kind { return e.kind }

// LabelNames returns a copy of the label schema fixed at creation.
func (e *Entry) LabelNames() []string {
	return append([]string(nil), e.labelNames...)
}

func (e *Entry) collector() prometheus.Collector {
	if e.kind == KindCounter {
		return e.counter
	}
	return e.gauge
}

// Inc adds v to the counter point selected by labels.
func (e *Entry) Inc(labels stats.Labels, v float64) error {
	if e.kind != KindCounter {
		return fmt.Errorf("%w: inc on %s %s", stats.ErrTypeConflict, e.kind, e.name)
	}
	if v < 0 || math.IsNaN(v) {
		return fmt.Errorf("%w: counter %s cannot be incremented by %v", stats.ErrInvalidValue, e.name, v)
	}
	c, err := e.counter.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return e.labelError(labels, err)
	}
	c.Add(v)

	e.mu.Lock()
	e.observed[e.pointKey(labels)] = struct{}{}
	e.mu.Unlock()
	return nil
}

// Set stores v in the gauge point selected by labels.
func (e *Entry) Set(labels stats.Labels, v float64) error {
	return e.updateGauge(labels, func(float64, bool) (float64, bool) { return v, true })
}

// Max raises the gauge point to v when v is larger than its current value.
func (e *Entry) Max(labels stats.Labels, v float64) error {
	return e.updateGauge(labels, func(current float64, seen bool) (float64, bool) {
		return v, !seen || v > current
	})
}

// Min lowers the gauge point to v when v is smaller than its current value.
func (e *Entry) Min(labels stats.Labels, v float64) error {
	return e.updateGauge(labels, func(current float64, seen bool) (float64, bool) {
		return v, !seen || v < current
	})
}

// updateGauge applies fn to the current value of a gauge point. seen is false
// until the point has been written once, so the first max/min stores the
// candidate rather than comparing against the zero value.
func (e *Entry) updateGauge(labels stats.Labels, fn func(current float64, seen bool) (float64, bool)) error {
	if e.kind != KindGauge {
		return fmt.Errorf("%w: gauge update on %s %s", stats.ErrTypeConflict, e.kind, e.name)
	}
	g, err := e.gauge.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return e.labelError(labels, err)
	}
	point := e.pointKey(labels)

	e.mu.Lock()
	defer e.mu.Unlock()
	_, seen := e.observed[point]
	current, err := readValue(g)
	if err != nil {
		return err
	}
	if next, ok := fn(current, seen); ok {
		g.Set(next)
	}
	e.observed[point] = struct{}{}
	return nil
}

// Value reads the current value of the point selected by labels. Points
// that were never written report ErrNoPoint; reading does not create them.
func (e *Entry) Value(labels stats.Labels) (float64, error) {
	if err := e.checkLabels(labels); err != nil {
		return 0, err
	}
	e.mu.Lock()
	_, seen := e.observed[e.pointKey(labels)]
	e.mu.Unlock()
	if !seen {
		return 0, fmt.Errorf("%w: %s%v", ErrNoPoint, e.name, map[string]string(labels))
	}

	var (
		m   prometheus.Metric
		err error
	)
	if e.kind == KindCounter {
		m, err = e.counter.GetMetricWith(prometheus.Labels(labels))
	} else {
		m, err = e.gauge.GetMetricWith(prometheus.Labels(labels))
	}
	if err != nil {
		return 0, e.labelError(labels, err)
	}
	return readValue(m)
}

func readValue(m prometheus.Metric) (float64, error) {
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		return 0, fmt.Errorf("read metric: %w", err)
	}
	switch {
	case out.Counter != nil:
		return out.GetCounter().GetValue(), nil
	case out.Gauge != nil:
		return out.GetGauge().GetValue(), nil
	default:
		return 0, fmt.Errorf("read metric: unsupported metric type")
	}
}

func (e *Entry) pointKey(labels stats.Labels) string {
	values := make([]string, len(e.labelNames))
	for i, name := range e.labelNames {
		values[i] = labels[name]
	}
	return strings.Join(values, "\xff")
}

func (e *Entry) checkLabels(labels stats.Labels) error {
	if len(labels) != len(e.labelNames) {
		return e.labelError(labels, errors.New("label count mismatch"))
	}
	for _, name := range e.labelNames {
		if _, ok := labels[name]; !ok {
			return e.labelError(labels, fmt.Errorf("missing label %q", name))
		}
	}
	return nil
}

func (e *Entry) labelError(labels stats.Labels, err error) error {
	return fmt.Errorf("%w: %s expects %v, got %v: %v",
		stats.ErrInvalidLabels, e.name, e.labelNames, labels.Names(), err)
}
