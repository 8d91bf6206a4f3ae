package analysis

import (
	"errors"
	"fmt"
)

// ErrNotCancelable is returned by Cancel when the job is already canceling or
// terminal. Cancellation is not idempotent at the API level; the second call
// surfaces a conflict.
var ErrNotCancelable = errors.New("job is not in a cancelable state")

// ErrNotDeletable is returned by Delete when the job is still active.
var ErrNotDeletable = errors.New("job is not in a deletable state")

// ValidationError rejects a submission before any job row is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
