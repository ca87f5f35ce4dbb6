package download

import (
	"errors"
	"fmt"
)

// ErrCancelled marks a download that was stopped on purpose. The UI must be
// able to tell it apart from a real failure.
var ErrCancelled = errors.New("download cancelled")

// ErrNotFound is returned when deleting a cached file that doesn't exist.
var ErrNotFound = errors.New("no cached file for consumable id")

// FailedError represents a download that died mid-transfer from a network
// or write error. The partial file has already been removed when this
// surfaces.
type FailedError struct {
	ConsumableID string
	Err          error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("download failed for %s: %v", e.ConsumableID, e.Err)
}

func (e *FailedError) Unwrap() error {
	return e.Err
}
