package stats

import (
	"fmt"
	"maps"
	"sort"
	"strings"
)

// KeySeparator splits a stat key into its hierarchical segments.
const KeySeparator = "/"

// Op is one of the four stat update operations.
type Op string

// Supported update operations.
const (
	OpSet Op = "set"
	OpInc Op = "inc"
	OpMax Op = "max"
	OpMin Op = "min"
)

// ParseOp converts a textual operation into an Op.
func ParseOp(raw string) (Op, error) {
	switch op := Op(strings.ToLower(strings.TrimSpace(raw))); op {
	case OpSet, OpInc, OpMax, OpMin:
		return op, nil
	default:
		return "", fmt.Errorf("unknown stat operation %q", raw)
	}
}

// Entity identifies the unit of work that owns a stat, such as a named spider
// or worker. The zero value means "no owning entity".
type Entity struct {
	Name string
}

// IsZero reports whether the entity is unset.
func (e Entity) IsZero() bool {
	return e.Name == ""
}

// String returns the entity name.
func (e Entity) String() string {
	return e.Name
}

// SplitKey validates key and returns its base segment and the residual path.
// The residual is empty when key has a single segment.
func SplitKey(key string) (base string, residual string, err error) {
	if key == "" {
		return "", "", fmt.Errorf("%w: empty key", ErrMalformedKey)
	}
	segments := strings.Split(key, KeySeparator)
	for _, seg := range segments {
		if seg == "" {
			return "", "", fmt.Errorf("%w: empty segment in %q", ErrMalformedKey, key)
		}
	}
	return segments[0], strings.Join(segments[1:], KeySeparator), nil
}

// Labels maps label names to values.
type Labels map[string]string

// Clone returns an independent copy. A nil receiver yields an empty map.
func (l Labels) Clone() Labels {
	out := make(Labels, len(l))
	maps.Copy(out, l)
	return out
}

// Merge returns a new map holding l overlaid by overrides.
func (l Labels) Merge(overrides Labels) Labels {
	out := l.Clone()
	maps.Copy(out, overrides)
	return out
}

// Names returns the sorted label names.
func (l Labels) Names() []string {
	names := make([]string, 0, len(l))
	for name := range l {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
