package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks bad or missing required arguments such as an
	// empty root. It is never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrTraversal marks a filesystem failure while enumerating a directory.
	ErrTraversal = errors.New("traversal error")

	ErrNotFound = errors.New("not found")

	ErrDecode = errors.New("decode error")
)

// TraversalPolicy selects what ListFiles does when a directory or link
// cannot be read.
type TraversalPolicy int

const (
	// TraversalSkip logs a warning and leaves the directory out of the result.
	TraversalSkip TraversalPolicy = iota
	// TraversalAbort stops the enumeration and returns the error.
	TraversalAbort
)

func ParseTraversalPolicy(s string) (TraversalPolicy, error) {
	switch s {
	case "", "skip":
		return TraversalSkip, nil
	case "abort":
		return TraversalAbort, nil
	}
	return 0, fmt.Errorf("%w: unknown traversal policy %q", ErrConfiguration, s)
}
