// Package adhoc fulfils a natural-language task by having a model write
// a doTask function, running it in the sandbox, and retrying with the
// accumulated errors until it succeeds or the attempt limit is reached.
//
// Each run moves through SYNTHESIZING and EXECUTING. A failure in either
// moves to FAILED, which loops back to SYNTHESIZING while attempts
// remain and otherwise ends in ABORTED. Success ends in SUCCEEDED.
package adhoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/wright-agent/internal/audit"
	"github.com/nugget/wright-agent/internal/events"
	"github.com/nugget/wright-agent/internal/fewshot"
	"github.com/nugget/wright-agent/internal/prompts"
	"github.com/nugget/wright-agent/internal/sandbox"
	"github.com/nugget/wright-agent/internal/synth"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultMaxRetries = 5
	DefaultRetryDelay = 500 * time.Millisecond
)

// State is a step of the retry state machine.
type State int

const (
	StateSynthesizing State = iota
	StateExecuting
	StateSucceeded
	StateFailed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateSynthesizing:
		return "SYNTHESIZING"
	case StateExecuting:
		return "EXECUTING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	case StateAborted:
		return "ABORTED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Synthesizer writes entry-function source for a task.
type Synthesizer interface {
	Synthesize(ctx context.Context, task, diagnostics string, examples []fewshot.Example) (string, error)
}

// Config tunes the orchestrator.
type Config struct {
	MaxRetries int
	Timeout    time.Duration // per execution; zero uses the sandbox default
	RetryDelay time.Duration
	Examples   int // few-shot examples per task; zero uses fewshot.DefaultK
}

// Result is a successful run.
type Result struct {
	Value    any
	Source   string
	Attempts int
}

// Orchestrator drives synthesis and execution for ad-hoc tasks. It is
// safe for concurrent use; each Run owns its own attempt history.
type Orchestrator struct {
	synth  Synthesizer
	runner sandbox.Runner
	lib    *sandbox.Library
	ranker fewshot.Ranker
	sink   audit.Sink
	bus    *events.Bus
	cfg    Config
	logger *slog.Logger

	// wait pauses between attempts; replaced in tests.
	wait func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator. lib holds the bindings generated code may
// call; a lib.Info progress binding is added to it for every run.
func New(s Synthesizer, runner sandbox.Runner, lib *sandbox.Library, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.Examples <= 0 {
		cfg.Examples = fewshot.DefaultK
	}
	return &Orchestrator{
		synth:  s,
		runner: runner,
		lib:    lib,
		cfg:    cfg,
		logger: logger.With("component", "adhoc"),
		wait:   sleep,
	}
}

// SetRanker sets where few-shot examples come from.
func (o *Orchestrator) SetRanker(r fewshot.Ranker) { o.ranker = r }

// SetAuditSink sets where terminal transitions are recorded.
func (o *Orchestrator) SetAuditSink(s audit.Sink) { o.sink = s }

// SetEventBus sets the bus attempt events are published on.
func (o *Orchestrator) SetEventBus(b *events.Bus) { o.bus = b }

// MaxRetries returns the attempt limit.
func (o *Orchestrator) MaxRetries() int { return o.cfg.MaxRetries }

// Run executes task and returns the parsed output of the generated code.
func (o *Orchestrator) Run(ctx context.Context, task string) (any, error) {
	res, err := o.Execute(ctx, task)
	if err != nil {
		return nil, err
	}
	return res.Value, nil
}

// Execute is Run with the winning source and attempt count.
func (o *Orchestrator) Execute(ctx context.Context, task string) (*Result, error) {
	start := time.Now()
	examples := o.examples(ctx, task)
	lib, err := o.runLibrary(ctx)
	if err != nil {
		return nil, err
	}

	var (
		failures []error
		source   string
	)
	state := StateSynthesizing

	for attempt := 1; ; attempt++ {
		o.transition(&state, StateSynthesizing, attempt)
		o.bus.Emit(events.SourceAdhoc, events.KindAttemptStart, map[string]any{"attempt": attempt, "task_len": len(task)})

		diagnostics := ""
		if len(failures) > 0 {
			diagnostics = BuildDiagnostics(failures, source)
		}

		code, err := o.synth.Synthesize(ctx, task, diagnostics, examples)
		if err == nil {
			source = code
			o.transition(&state, StateExecuting, attempt)
			var value any
			value, err = o.runner.Run(ctx, code, lib, o.cfg.Timeout)
			if err == nil {
				o.transition(&state, StateSucceeded, attempt)
				o.finish(ctx, task, source, value, nil, attempt, start)
				return &Result{Value: value, Source: source, Attempts: attempt}, nil
			}
			err = &ExecutionError{Err: err}
		} else {
			err = &SynthesisError{Err: err}
		}

		// The caller going away is not a retryable failure.
		if ctx.Err() != nil {
			o.transition(&state, StateAborted, attempt)
			o.finish(ctx, task, source, nil, ctx.Err(), attempt, start)
			return nil, ctx.Err()
		}

		o.transition(&state, StateFailed, attempt)
		failures = append(failures, err)
		o.logger.Warn("ad-hoc attempt failed", "attempt", attempt, "max", o.cfg.MaxRetries, "error", err)
		o.bus.Emit(events.SourceAdhoc, events.KindAttemptFailed, map[string]any{"attempt": attempt, "error": err.Error()})

		if attempt >= o.cfg.MaxRetries {
			final := &RetryExhaustedError{Attempts: attempt, Last: err}
			o.transition(&state, StateAborted, attempt)
			o.finish(ctx, task, source, nil, final, attempt, start)
			return nil, final
		}
		if err := o.wait(ctx, o.cfg.RetryDelay); err != nil {
			o.transition(&state, StateAborted, attempt)
			o.finish(ctx, task, source, nil, err, attempt, start)
			return nil, err
		}
	}
}

func (o *Orchestrator) transition(state *State, next State, attempt int) {
	o.logger.Debug("ad-hoc transition", "from", state.String(), "to", next.String(), "attempt", attempt)
	*state = next
}

func (o *Orchestrator) examples(ctx context.Context, task string) []fewshot.Example {
	if o.ranker == nil {
		return nil
	}
	ex, err := o.ranker.Rank(ctx, task, o.cfg.Examples)
	if err != nil {
		o.logger.Warn("few-shot ranking failed, continuing without examples", "error", err)
		return nil
	}
	return ex
}

// runLibrary adds the lib.Info binding, routed to the run's progress
// function.
func (o *Orchestrator) runLibrary(ctx context.Context) (*sandbox.Library, error) {
	progress := progressFrom(ctx)
	logger := o.logger
	return o.lib.With(sandbox.Binding{
		Name:        "Info",
		Signature:   "func Info(message string)",
		Description: "Info reports progress to the user. It is not part of the result.",
		Func: func(message string) {
			logger.Info("ad-hoc progress", "message", message)
			if progress != nil {
				progress(message)
			}
		},
	})
}

// finish records a terminal transition. Audit failures are logged only.
func (o *Orchestrator) finish(ctx context.Context, task, source string, value any, runErr error, attempts int, start time.Time) {
	elapsed := time.Since(start)
	data := map[string]any{"attempts": attempts, "elapsed_ms": elapsed.Milliseconds(), "state": StateSucceeded.String()}
	if runErr != nil {
		data["state"] = StateAborted.String()
		data["error"] = runErr.Error()
	}
	o.bus.Emit(events.SourceAdhoc, events.KindAdhocComplete, data)

	if o.sink == nil {
		return
	}
	rec := audit.Record{
		Task:     task,
		Source:   source,
		Attempts: attempts,
		Duration: elapsed,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	} else {
		rec.Result = FormatResult(value)
	}
	if err := o.sink.Write(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Warn("failed to write audit record", "error", err)
	}
}

// FormatResult renders a run's value as the ad-hoc tool's string
// result: strings as-is, everything else as JSON.
func FormatResult(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// BuildDiagnostics renders the retry context for the next synthesis
// call from every failure so far and the latest generated source.
// Refusals are relabeled "Syntax error" so the model does not simply
// repeat them.
func BuildDiagnostics(failures []error, previousSource string) string {
	labels := make([]string, len(failures))
	for i, err := range failures {
		labels[i] = diagnosticLabel(err)
	}
	return prompts.AdhocRetryContext(len(failures), labels, previousSource)
}

func diagnosticLabel(err error) string {
	if errors.Is(err, synth.ErrInfeasible) {
		return "Syntax error"
	}
	return err.Error()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type progressKey struct{}

// ProgressFunc receives lib.Info messages from generated code.
type ProgressFunc func(message string)

// WithProgress routes lib.Info calls made during runs under ctx to fn.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

func progressFrom(ctx context.Context) ProgressFunc {
	fn, _ := ctx.Value(progressKey{}).(ProgressFunc)
	return fn
}
