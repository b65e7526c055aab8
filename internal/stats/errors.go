package stats

import "errors"

// Error kinds. Callers wrap these with context and classify them with errors.Is.
var (
	// ErrTypeConflict reports a metric name reused with an incompatible kind.
	ErrTypeConflict = errors.New("metric type conflict")
	// ErrMalformedKey reports an empty or structurally invalid stat key.
	ErrMalformedKey = errors.New("malformed stat key")
	// ErrInvalidLabels reports label names that do not match a metric's schema.
	ErrInvalidLabels = errors.New("invalid metric labels")
	// ErrInvalidValue reports a value the metric primitive cannot accept,
	// such as a negative counter increment.
	ErrInvalidValue = errors.New("invalid metric value")
	// ErrNonNumeric reports an arithmetic stat update against a non-numeric value.
	ErrNonNumeric = errors.New("non-numeric stat value")
	// ErrTransport reports a failed push to a remote collector.
	ErrTransport = errors.New("metrics transport failure")
	// ErrConfiguration reports an invalid configuration supplied at startup.
	ErrConfiguration = errors.New("invalid configuration")
)
