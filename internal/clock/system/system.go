// Package system provides the wall clock used outside of tests.
package system

import "time"

// Clock implements clock.Clock on top of time.Now, normalized to UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
