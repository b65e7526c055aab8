// Package id defines the identifier source used for request correlation.
package id

// Generator produces unique identifiers.
type Generator interface {
	NewID() (string, error)
}
