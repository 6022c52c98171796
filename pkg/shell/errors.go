package shell

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUserTerminated is returned when the owning scope was signaled before or
// while a task ran. It is a benign termination, never a bug.
var ErrUserTerminated = errors.New("task terminated by user")

// TaskError reports a process that ran and exited abnormally.
type TaskError struct {
	Command  string
	ExitCode int
	Signal   string
	Stdout   string
	Stderr   string
}

func (e *TaskError) Error() string {
	var sb strings.Builder
	sb.WriteString("task ")
	sb.WriteString(e.Command)
	if e.Signal != "" {
		sb.WriteString(" killed by signal ")
		sb.WriteString(e.Signal)
	} else {
		fmt.Fprintf(&sb, " exited with code %d", e.ExitCode)
	}
	if msg := lastLine(e.Stderr); msg != "" {
		sb.WriteString(": ")
		sb.WriteString(msg)
	}
	return sb.String()
}

// SpawnError reports a process that could not be started at all.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// IsTaskError reports whether err is a TaskError and returns it.
func IsTaskError(err error) (*TaskError, bool) {
	var te *TaskError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
