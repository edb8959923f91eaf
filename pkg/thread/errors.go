package thread

import (
	"errors"
	"fmt"
)

// Common errors for reconciliation.
var (
	// ErrGap is returned when a delta does not start at the stream's cursor.
	ErrGap = errors.New("delta gap")
	// ErrInvalidDelta is returned for a delta whose range is malformed.
	ErrInvalidDelta = errors.New("invalid delta")
	// ErrMalformedPart is returned when a delta part cannot be decoded.
	ErrMalformedPart = errors.New("malformed delta part")
	// ErrClosed is returned when operating on a closed component.
	ErrClosed = errors.New("closed")
	// ErrNotFound is returned when a thread, message or stream doesn't exist.
	ErrNotFound = errors.New("not found")
)

// GapError reports a delta that arrived ahead of the stream's cursor.
type GapError struct {
	StreamID string
	Cursor   int
	Start    int
}

func (e *GapError) Error() string {
	return fmt.Sprintf("delta gap in stream %s: cursor at %d, delta starts at %d", e.StreamID, e.Cursor, e.Start)
}

// Is makes errors.Is(err, ErrGap) match.
func (e *GapError) Is(target error) bool {
	return target == ErrGap
}
