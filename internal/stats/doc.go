// Package stats holds the plain key/value statistics model shared by the
// ingestion core and the metric strategies: hierarchical stat keys, owning
// entities, label sets, the in-memory snapshot, and the error kinds that the
// bridge classifies failures with.
package stats
