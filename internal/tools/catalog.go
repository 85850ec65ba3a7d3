// Package tools holds the catalog of tools the conversational model may
// call. An entry is either a registered task with its own handler or the
// reserved ad-hoc tool, which hands a natural-language description to
// the code synthesis orchestrator.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"text/template"

	"github.com/nugget/wright-agent/internal/adhoc"
	"github.com/nugget/wright-agent/internal/llm"
	"github.com/nugget/wright-agent/internal/prompts"
)

// AdhocToolName is the reserved name of the ad-hoc tool.
const AdhocToolName = "run_adhoc_task"

// ErrToolNotFound is returned by Invoke for names not in the catalog.
var ErrToolNotFound = errors.New("Tool not found")

// Kind tags an Entry.
type Kind int

const (
	// KindRegistered entries run their Handler.
	KindRegistered Kind = iota
	// KindAdhoc is the reserved ad-hoc tool.
	KindAdhoc
)

func (k Kind) String() string {
	if k == KindAdhoc {
		return "adhoc"
	}
	return "registered"
}

// Handler runs a registered tool.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// AdhocRunner fulfils a task description by writing and running code.
type AdhocRunner interface {
	Run(ctx context.Context, description string) (any, error)
}

// Entry is one catalog tool.
type Entry struct {
	Kind        Kind
	Name        string
	Description string
	Parameters  map[string]any // JSON schema of the arguments object
	Output      string         // declared output type, informational only

	// Handler is set for KindRegistered entries.
	Handler Handler

	// CallDescription renders a progress note from the call arguments,
	// e.g. "Looking up the weather in {{.city}}". Optional.
	CallDescription *template.Template
}

// Catalog is the set of tools offered to the model. Build it with
// Register before serving; it is read-only afterwards.
type Catalog struct {
	entries map[string]*Entry
	adhoc   AdhocRunner
	logger  *slog.Logger
}

// NewCatalog creates a catalog. When adhoc is non-nil the reserved
// run_adhoc_task entry is present.
func NewCatalog(adhoc AdhocRunner, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{
		entries: make(map[string]*Entry),
		adhoc:   adhoc,
		logger:  logger.With("component", "tools"),
	}
	if adhoc != nil {
		c.entries[AdhocToolName] = &Entry{
			Kind:        KindAdhoc,
			Name:        AdhocToolName,
			Description: prompts.AdhocToolDescription,
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"description": map[string]any{
						"type":        "string",
						"description": "The task to perform, in plain language, with every detail needed to do it.",
					},
				},
				"required": []string{"description"},
			},
			Output: "any",
		}
	}
	return c
}

// Register adds a registered tool. The reserved ad-hoc name and
// duplicate names are rejected.
func (c *Catalog) Register(e Entry) error {
	if e.Name == "" {
		return errors.New("tool name is required")
	}
	if e.Name == AdhocToolName {
		return fmt.Errorf("tool name %q is reserved", e.Name)
	}
	if _, ok := c.entries[e.Name]; ok {
		return fmt.Errorf("tool %q already registered", e.Name)
	}
	if e.Handler == nil {
		return fmt.Errorf("tool %q: handler is required", e.Name)
	}
	e.Kind = KindRegistered
	if e.Parameters == nil {
		e.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	c.entries[e.Name] = &e
	return nil
}

// Lookup returns the entry for name.
func (c *Catalog) Lookup(name string) (*Entry, bool) {
	e, ok := c.entries[name]
	return e, ok
}

// Names returns the entry names, sorted.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.entries))
	for n := range c.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of entries.
func (c *Catalog) Len() int { return len(c.entries) }

// Specs returns the tool definitions for a provider request, in the
// OpenAI function-tool format, sorted by name.
func (c *Catalog) Specs() []map[string]any {
	out := make([]map[string]any, 0, len(c.entries))
	for _, name := range c.Names() {
		e := c.entries[name]
		desc := e.Description
		if e.Output != "" && e.Kind == KindRegistered {
			desc += " Returns: " + e.Output
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        e.Name,
				"description": desc,
				"parameters":  e.Parameters,
			},
		})
	}
	return out
}

// Describe renders the entry's call description for args. It returns ""
// when the entry has none or the template fails.
func (c *Catalog) Describe(name string, args map[string]any) string {
	e, ok := c.entries[name]
	if !ok || e.CallDescription == nil {
		return ""
	}
	var buf bytes.Buffer
	if err := e.CallDescription.Execute(&buf, args); err != nil {
		c.logger.Debug("call description failed", "tool", name, "error", err)
		return ""
	}
	return buf.String()
}

// Invoke dispatches a tool call. Unknown names yield ErrToolNotFound.
// The ad-hoc tool always returns a string: the formatted result, or
// "Error during execution: ..." when the run failed.
func (c *Catalog) Invoke(ctx context.Context, call llm.ToolCall) (any, error) {
	e, ok := c.entries[call.Function.Name]
	if !ok {
		return nil, ErrToolNotFound
	}
	args, err := call.DecodeArguments()
	if err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	switch e.Kind {
	case KindAdhoc:
		description, _ := args["description"].(string)
		if description == "" {
			return nil, errors.New("description is required")
		}
		v, err := c.adhoc.Run(ctx, description)
		if err != nil {
			c.logger.Warn("ad-hoc task failed", "error", err)
			return "Error during execution: " + err.Error(), nil
		}
		return adhoc.FormatResult(v), nil
	case KindRegistered:
		return e.Handler(ctx, args)
	}
	return nil, fmt.Errorf("tool %q has unknown kind %d", e.Name, e.Kind)
}
