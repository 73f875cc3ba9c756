package status

import "errors"

var (
	ErrNotFound = errors.New("storage: not found")

	// integrity errors: the tree itself is broken
	ErrInvalidTopology       = errors.New("topology: invalid topology")
	ErrCycleDetected         = errors.New("topology: cycle detected")
	ErrUninitializedCategory = errors.New("topology: uninitialized category")

	// routing dead-ends, reported as rejected results
	ErrCategoryDisabled = errors.New("routing: category disabled")
	ErrNoChildren       = errors.New("routing: category has no children")
	ErrNoEvents         = errors.New("routing: category has no events")

	ErrEventDisabled = errors.New("admission: event disabled")
	ErrNoCapacity    = errors.New("admission: no queue capacity")

	ErrStorageTimeout     = errors.New("storage: timeout")
	ErrStorageUnavailable = errors.New("storage: unavailable")

	ErrEmptySet      = errors.New("selector: empty set")
	ErrInvalidWeight = errors.New("selector: invalid weight")
)

// IsIntegrity reports whether err means the category tree is broken,
// as opposed to a user simply not getting a slot.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrInvalidTopology) ||
		errors.Is(err, ErrCycleDetected) ||
		errors.Is(err, ErrUninitializedCategory)
}

// IsRetryable reports whether the caller may retry the same operation.
// Admission is idempotent, so a retry never double-books a user.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageTimeout) || errors.Is(err, ErrStorageUnavailable)
}
