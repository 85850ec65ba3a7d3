package tools

import (
	"context"
	"fmt"
	"text/template"
	"time"

	"github.com/nugget/wright-agent/internal/config"
	"github.com/nugget/wright-agent/internal/sandbox"
)

// RegisterTasks adds a command-backed entry for every configured task.
func RegisterTasks(c *Catalog, tasks []config.TaskConfig, runner *sandbox.CommandRunner) error {
	for _, t := range tasks {
		e, err := taskEntry(t, runner)
		if err != nil {
			return err
		}
		if err := c.Register(e); err != nil {
			return err
		}
		c.logger.Debug("registered task", "task", t.Name, "command", t.Command[0])
	}
	return nil
}

func taskEntry(t config.TaskConfig, runner *sandbox.CommandRunner) (Entry, error) {
	if len(t.Command) == 0 {
		return Entry{}, fmt.Errorf("task %q: command is required", t.Name)
	}
	e := Entry{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.Parameters,
		Output:      t.Output,
		Handler:     commandHandler(t, runner),
	}
	if t.CallDescription != "" {
		tmpl, err := template.New(t.Name).Option("missingkey=zero").Parse(t.CallDescription)
		if err != nil {
			return Entry{}, fmt.Errorf("task %q: call_description: %w", t.Name, err)
		}
		e.CallDescription = tmpl
	}
	return e, nil
}

func commandHandler(t config.TaskConfig, runner *sandbox.CommandRunner) Handler {
	cmd := sandbox.Command{Argv: t.Command, Dir: t.WorkingDir}
	timeout := time.Duration(t.TimeoutSec) * time.Second
	return func(ctx context.Context, args map[string]any) (any, error) {
		return runner.Run(ctx, cmd, args, timeout)
	}
}

// TaskBindings exposes the configured tasks marked library: true to
// generated code as lib.Task_<name>(args). Calls run without the
// caller's context since interpreted code has none to pass; the task's
// own timeout still applies.
func TaskBindings(tasks []config.TaskConfig, runner *sandbox.CommandRunner) []sandbox.Binding {
	var out []sandbox.Binding
	for _, t := range tasks {
		if !t.Library || len(t.Command) == 0 {
			continue
		}
		h := commandHandler(t, runner)
		desc := t.Description
		if t.Output != "" {
			desc += " Returns: " + t.Output
		}
		out = append(out, sandbox.Binding{
			Name:        "Task_" + t.Name,
			Signature:   "func Task_" + t.Name + "(args map[string]any) (any, error)",
			Description: desc,
			Func: func(args map[string]any) (any, error) {
				return h(context.Background(), args)
			},
		})
	}
	return out
}
