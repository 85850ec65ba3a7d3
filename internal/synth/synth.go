// Package synth asks a model to write the doTask function for a
// natural-language task and extracts it from the reply.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/wright-agent/internal/fewshot"
	"github.com/nugget/wright-agent/internal/llm"
	"github.com/nugget/wright-agent/internal/prompts"
	"github.com/nugget/wright-agent/internal/sandbox"
)

// ErrInfeasible matches replies where the model declined the task.
var ErrInfeasible = errors.New(prompts.InfeasibleSentinel)

// InfeasibleError carries the model's refusal. Its message is the full
// reply so retry diagnostics can recognize the sentinel phrase.
type InfeasibleError struct {
	Response string
}

func (e *InfeasibleError) Error() string { return e.Response }

// Is makes errors.Is(err, ErrInfeasible) true.
func (e *InfeasibleError) Is(target error) bool { return target == ErrInfeasible }

// ParseError reports a reply with no usable entry function.
type ParseError struct {
	Response string
	Err      error // syntax error, if the code did not parse
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("Failed to parse function code: %v", e.Err)
	}
	return "Failed to parse function code: " + e.Response
}

func (e *ParseError) Unwrap() error { return e.Err }

// Config configures a Synthesizer.
type Config struct {
	Model string

	// Library is rendered into the instructions so the model knows which
	// lib functions exist.
	Library *sandbox.Library

	// Packages are the importable standard library packages.
	Packages []string

	// Instructions are appended to the built-in prompt.
	Instructions string

	MaxTokens   int
	Temperature *float64
}

// Synthesizer turns task descriptions into entry-function source.
type Synthesizer struct {
	client llm.Client
	cfg    Config
	system string
	logger *slog.Logger
}

// New creates a Synthesizer.
func New(client llm.Client, cfg Config, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		client: client,
		cfg:    cfg,
		system: prompts.AdhocInstructions(cfg.Library.Describe(), cfg.Packages, cfg.Instructions),
		logger: logger.With("component", "synth"),
	}
}

// Messages builds the synthesis conversation: instructions, example
// pairs, then the task with any retry diagnostics.
func (s *Synthesizer) Messages(task, diagnostics string, examples []fewshot.Example) []llm.Message {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: prompts.AdhocPreamble},
		{Role: llm.RoleSystem, Content: s.system},
	}
	for _, ex := range examples {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: ex.Task},
			llm.Message{Role: llm.RoleAssistant, Content: ex.Code},
		)
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: task + "\n\n" + diagnostics})
}

// Synthesize returns the source of the entry function the model wrote
// for task. It is always a single non-streaming call.
func (s *Synthesizer) Synthesize(ctx context.Context, task, diagnostics string, examples []fewshot.Example) (string, error) {
	resp, err := s.client.Chat(ctx, llm.Request{
		Model:       s.cfg.Model,
		Messages:    s.Messages(task, diagnostics, examples),
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("synthesis request: %w", err)
	}
	text := resp.Message.Content

	if strings.Contains(text, prompts.InfeasibleSentinel) {
		s.logger.Debug("model declined task", "model", resp.Model)
		return "", &InfeasibleError{Response: text}
	}

	code, err := ExtractFunction(text, sandbox.EntryName)
	if err != nil {
		return "", &ParseError{Response: text, Err: err}
	}
	if code == "" {
		return "", &ParseError{Response: text}
	}

	s.logger.Debug("code synthesized",
		"model", resp.Model,
		"code_len", len(code),
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
	)
	s.logger.Log(ctx, llm.LevelTrace, "synthesized code", "code", code)
	return code, nil
}
