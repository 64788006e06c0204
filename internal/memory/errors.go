package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed node or a temporal-range violation.
	ErrValidation = errors.New("validation failed")

	// ErrBusy is returned when a consolidation cycle is already running.
	ErrBusy = errors.New("consolidation cycle already in progress")

	// ErrStorage wraps failures reported by the node store.
	ErrStorage = errors.New("storage operation failed")

	// ErrStoreUnavailable means the store cannot be reached at all; a cycle
	// that sees it aborts instead of skipping the node.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConfig marks an invalid engine configuration.
	ErrConfig = errors.New("invalid configuration")

	// ErrInvalidRating is returned for ratings outside Again..Easy.
	ErrInvalidRating = errors.New("invalid rating")

	// ErrUninitializedState is returned when a schedule update is requested
	// before the first review.
	ErrUninitializedState = errors.New("schedule state not initialized")

	// ErrNotFound indicates the requested node does not exist.
	ErrNotFound = errors.New("node not found")
)

// NodeError attaches the failing node and operation to an error.
type NodeError struct {
	NodeID string
	Op     string
	Err    error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %s: %v", e.NodeID, e.Op, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err should abort a whole cycle rather than skip a
// single node.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
