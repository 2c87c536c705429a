package ranking

import "errors"

var (
	// ErrInvalidMethod is returned when a ranking method does not name a
	// Host field.
	ErrInvalidMethod = errors.New("invalid ranking method")

	// ErrInvalidRecord is returned when an update carries a non-positive Wmax,
	// a non-finite value or an empty host identifier.
	ErrInvalidRecord = errors.New("invalid host record")

	// ErrNotSorted is returned when a ranking is read for a method that was
	// never sorted.
	ErrNotSorted = errors.New("ranking not sorted")

	// ErrStale is returned when a ranking is read after a mutation
	// invalidated it. Call Sort again.
	ErrStale = errors.New("ranking is stale")
)
