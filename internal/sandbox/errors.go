package sandbox

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoEntry is returned when source does not define the entry function.
var ErrNoEntry = errors.New("no " + EntryName + " function defined")

// TimeoutError reports that execution did not finish before its deadline.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timed out after %s", e.Timeout)
}

// ExitError is a command-backed task that exited non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command exited with status %d", e.Code)
	}
	return fmt.Sprintf("command exited with status %d: %s", e.Code, e.Stderr)
}
