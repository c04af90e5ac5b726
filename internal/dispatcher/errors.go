package dispatcher

import (
	"errors"
	"fmt"
)

// ErrJobCancelled is the cancel cause set by the cancel watcher.
var ErrJobCancelled = errors.New("job cancelled by request")

// ValidationError represents a fatal validation error
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Message)
}
