package adhoc

import (
	"errors"

	"github.com/nugget/wright-agent/internal/sandbox"
)

// SynthesisError is a failure to obtain runnable code: the model refused,
// its reply had no doTask function, or the request itself failed. The
// message is the underlying error's so it reads naturally in retry
// diagnostics.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string { return e.Err.Error() }
func (e *SynthesisError) Unwrap() error { return e.Err }

// ExecutionError is generated code that failed while running, including
// timeouts.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string { return e.Err.Error() }
func (e *ExecutionError) Unwrap() error { return e.Err }

// Timeout reports whether the code was stopped at its deadline.
func (e *ExecutionError) Timeout() bool {
	var te *sandbox.TimeoutError
	return errors.As(e.Err, &te)
}

// RetryExhaustedError ends a run that failed on every attempt.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return "Max retries reached. Last error: " + e.Last.Error()
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }
