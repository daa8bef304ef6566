package addrspace

import "errors"

// ErrInvalidLen is returned by Insert when the requested range has zero length.
var ErrInvalidLen = errors.New("zero-length range")

// ErrOverlap is returned by Insert when the requested range intersects an
// already-registered range.
var ErrOverlap = errors.New("overlapping range")
