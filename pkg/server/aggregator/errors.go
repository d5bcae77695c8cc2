package aggregator

import "errors"

var (
	// ErrNoViableSources indicates that every observation was discarded.
	ErrNoViableSources = errors.New("no viable sources")
	// ErrInvalidConfig indicates an invalid aggregation parameter.
	ErrInvalidConfig = errors.New("invalid aggregation config")
)
