package guard

import "errors"

var (
	// ErrNoFallback indicates that no recent enough history entry exists.
	ErrNoFallback = errors.New("no usable fallback")
	// ErrInvalidConfig indicates an invalid guard parameter.
	ErrInvalidConfig = errors.New("invalid guard config")
)
