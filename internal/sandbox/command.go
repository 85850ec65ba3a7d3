package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// MaxCommandTimeout caps any single command-backed task.
const MaxCommandTimeout = 5 * time.Minute

// Command describes a command-backed task.
type Command struct {
	Argv []string
	Dir  string
	Env  []string
}

// CommandRunner runs command-backed tasks. Arguments are written to the
// process's stdin as a JSON object and also exported as WRIGHT_ARGS;
// stdout is coerced with ParseOutput like interpreted code.
type CommandRunner struct {
	defaultTimeout time.Duration
	maxOutputBytes int
	logger         *slog.Logger
}

// NewCommandRunner creates a CommandRunner.
func NewCommandRunner(defaultTimeout time.Duration, logger *slog.Logger) *CommandRunner {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRunner{
		defaultTimeout: defaultTimeout,
		maxOutputBytes: DefaultMaxOutputBytes,
		logger:         logger.With("component", "command"),
	}
}

// Run executes cmd with args. A zero timeout uses the runner default.
func (r *CommandRunner) Run(ctx context.Context, cmd Command, args map[string]any, timeout time.Duration) (any, error) {
	if len(cmd.Argv) == 0 {
		return nil, errors.New("empty command")
	}
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	if timeout > MaxCommandTimeout {
		timeout = MaxCommandTimeout
	}
	if args == nil {
		args = map[string]any{}
	}
	input, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode arguments: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := exec.CommandContext(runCtx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	c.Env = append(append(os.Environ(), cmd.Env...), "WRIGHT_ARGS="+string(input))
	c.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err = c.Run()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		r.logger.Warn("command timed out", "command", cmd.Argv[0], "timeout", timeout)
		return nil, &TimeoutError{Timeout: timeout}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	r.logger.Debug("command finished",
		"command", cmd.Argv[0],
		"elapsed", time.Since(start),
		"stdout_bytes", stdout.Len(),
	)

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ExitError{
				Code:   exitErr.ExitCode(),
				Stderr: strings.TrimSpace(truncateOutput(stderr.String(), 4096)),
			}
		}
		return nil, fmt.Errorf("run %s: %w", cmd.Argv[0], err)
	}

	return ParseOutput(truncateOutput(stdout.String(), r.maxOutputBytes)), nil
}

func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + truncatedNote
}
