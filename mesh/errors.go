package mesh

import "errors"

var (
	// ErrInvalidRadius is returned when the activation radius is not a
	// positive finite number no larger than MaxRadius.
	ErrInvalidRadius = errors.New("activation radius must be positive and at most MaxRadius")

	// ErrOutOfWorld is returned for a point beyond MaxCoordinate on some axis.
	ErrOutOfWorld = errors.New("point outside world bounds")

	// ErrInvalidSortMode is returned for an unrecognised sort mode name.
	ErrInvalidSortMode = errors.New("invalid sort mode")

	// ErrEmptyPayload is returned when a scan payload has no bytes.
	ErrEmptyPayload = errors.New("empty payload")
)
