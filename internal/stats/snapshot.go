package stats

import (
	"fmt"
	"maps"
	"sync"
)

// Snapshot is the plain key/value view of every stat, kept for introspection
// independently of metric emission. It is safe for concurrent use.
type Snapshot struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewSnapshot returns an empty Snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{values: make(map[string]any)}
}

// Get returns the value stored under key and whether it exists.
func (s *Snapshot) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key.
func (s *Snapshot) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Inc adds count to the value under key, seeding it with start when absent.
func (s *Snapshot) Inc(key string, count, start any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.values[key]
	if !ok {
		current = start
	}
	sum, ok := add(current, count)
	if !ok {
		return fmt.Errorf("%w: inc %q by %v from %v", ErrNonNumeric, key, count, current)
	}
	s.values[key] = sum
	return nil
}

// Max keeps the larger of the stored value and value.
func (s *Snapshot) Max(key string, value any) error {
	return s.keep(key, value, 1)
}

// Min keeps the smaller of the stored value and value.
func (s *Snapshot) Min(key string, value any) error {
	return s.keep(key, value, -1)
}

func (s *Snapshot) keep(key string, value any, want int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.values[key]
	if !ok {
		s.values[key] = value
		return nil
	}
	cmp, ok := compare(value, current)
	if !ok {
		return fmt.Errorf("%w: compare %q value %v with %v", ErrNonNumeric, key, value, current)
	}
	if cmp == want {
		s.values[key] = value
	}
	return nil
}

// All returns a copy of every stored stat.
func (s *Snapshot) All() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

// Replace swaps the stored stats for a copy of values.
func (s *Snapshot) Replace(values map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]any, len(values))
	maps.Copy(s.values, values)
}

// Clear drops every stored stat.
func (s *Snapshot) Clear() {
	s.Replace(nil)
}

// Len returns the number of stored stats.
func (s *Snapshot) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
