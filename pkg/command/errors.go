package command

import (
	"errors"
	"fmt"
	"time"
)

// TimeoutError reports a step that was terminated because it exceeded its
// time bound while the owning action was still live.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// IsTimeout reports whether err is or wraps a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
