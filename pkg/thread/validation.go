package thread

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidID is returned for a thread or stream ID that cannot be used
// as part of a storage key.
var ErrInvalidID = errors.New("invalid id")

// MaxIDLength bounds thread and stream IDs.
const MaxIDLength = 128

// IDs: letters, digits, dots, underscores and hyphens. Must start with a
// letter or digit.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateID checks a thread or stream ID.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrInvalidID, len(id), MaxIDLength)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q must contain only letters, digits, '.', '_' and '-'", ErrInvalidID, id)
	}
	return nil
}
