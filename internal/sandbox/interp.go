package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"reflect"
	"slices"
	"testing/fstest"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// DefaultTimeout bounds a single execution.
const DefaultTimeout = 60 * time.Second

// Runner executes a synthesized entry function against a library.
type Runner interface {
	Run(ctx context.Context, source string, lib *Library, timeout time.Duration) (any, error)
}

// Interpreter runs generated Go source in a fresh yaegi interpreter per
// call.
type Interpreter struct {
	allowed        []string
	symbols        interp.Exports
	maxOutputBytes int
	logger         *slog.Logger
}

// NewInterpreter creates an Interpreter that lets generated code import
// only the allowed standard library packages. An empty list selects
// DefaultAllowedPackages.
func NewInterpreter(allowed []string, logger *slog.Logger) (*Interpreter, error) {
	if len(allowed) == 0 {
		allowed = DefaultAllowedPackages
	}
	if logger == nil {
		logger = slog.Default()
	}

	// fmt is always loaded: its presence is what redirects the
	// interpreter's print functions to the capture buffer.
	symbols := interp.Exports{"fmt/fmt": stdlib.Symbols["fmt/fmt"]}
	for _, p := range allowed {
		switch p {
		case "os", "os/exec", "syscall", "unsafe", "reflect", "plugin", "net", "net/http":
			return nil, fmt.Errorf("package %q cannot be allowed in the sandbox", p)
		}
		key := p + "/" + path.Base(p)
		syms, ok := stdlib.Symbols[key]
		if !ok {
			return nil, fmt.Errorf("package %q is not available to the sandbox", p)
		}
		symbols[key] = syms
	}
	if !slices.Contains(allowed, "fmt") {
		allowed = append(slices.Clone(allowed), "fmt")
	}

	return &Interpreter{
		allowed:        allowed,
		symbols:        symbols,
		maxOutputBytes: DefaultMaxOutputBytes,
		logger:         logger.With("component", "sandbox"),
	}, nil
}

// Allowed returns the standard library packages generated code may use.
func (r *Interpreter) Allowed() []string {
	out := make([]string, len(r.allowed))
	copy(out, r.allowed)
	return out
}

// Run assembles source around its entry function, evaluates it, calls
// the entry function and returns its parsed stdout. Errors raised by the
// code, including panics, are returned as-is; exceeding timeout yields a
// *TimeoutError and discards any partial output.
func (r *Interpreter) Run(ctx context.Context, source string, lib *Library, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	program, err := Assemble(source, r.allowed, lib.Len() > 0)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := newCapture(r.maxOutputBytes)
	defer out.release()

	i := interp.New(interp.Options{
		Stdout: out,
		Stderr: io.Discard,
		// No filesystem: only binary packages can be imported.
		SourcecodeFilesystem: fstest.MapFS{},
		Env:                  []string{},
	})
	if err := i.Use(r.symbols); err != nil {
		return nil, fmt.Errorf("load stdlib symbols: %w", err)
	}
	if lib.Len() > 0 {
		if err := i.Use(lib.exports()); err != nil {
			return nil, fmt.Errorf("load library: %w", err)
		}
	}

	start := time.Now()
	if _, err := i.EvalWithContext(runCtx, program); err != nil {
		return nil, r.classify(ctx, runCtx, err, timeout)
	}
	v, err := i.EvalWithContext(runCtx, programPackage+"."+wrapperName+"()")
	if err != nil {
		return nil, r.classify(ctx, runCtx, err, timeout)
	}

	text := out.release()
	r.logger.Debug("entry function returned",
		"elapsed", time.Since(start),
		"output_bytes", len(text),
	)

	if v.IsValid() && v.Kind() == reflect.String && v.String() != "" {
		return nil, errors.New(v.String())
	}
	return ParseOutput(text), nil
}

func (r *Interpreter) classify(parent, run context.Context, err error, timeout time.Duration) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(run.Err(), context.DeadlineExceeded) {
		r.logger.Warn("execution timed out", "timeout", timeout)
		return &TimeoutError{Timeout: timeout}
	}
	return err
}
