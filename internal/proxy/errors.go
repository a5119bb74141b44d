package proxy

import "errors"

// Sentinel errors for proxy operations.
var (
	// ErrResponseTooLarge indicates the backend response exceeded the
	// buffered response limit.
	ErrResponseTooLarge = errors.New("upstream response too large")

	// ErrInvalidTargetURL indicates the backend URL could not be built.
	ErrInvalidTargetURL = errors.New("invalid target URL")
)
