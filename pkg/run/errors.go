package run

import (
	"errors"
	"fmt"
)

// PreconditionError rejects a request before any process is spawned.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed: %s", e.Reason)
}

// IsPrecondition reports whether err is or wraps a PreconditionError.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}

// ErrDeviceNotFound is returned when the simulator list has no entry for the
// target device.
var ErrDeviceNotFound = errors.New("simulator device not found")
