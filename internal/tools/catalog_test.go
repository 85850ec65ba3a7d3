package tools

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/nugget/wright-agent/internal/config"
	"github.com/nugget/wright-agent/internal/llm"
	"github.com/nugget/wright-agent/internal/sandbox"
)

type stubAdhoc struct {
	got   []string
	value any
	err   error
}

func (s *stubAdhoc) Run(_ context.Context, description string) (any, error) {
	s.got = append(s.got, description)
	return s.value, s.err
}

func echoHandler(_ context.Context, args map[string]any) (any, error) { return args, nil }

func TestCatalog_AdhocEntry(t *testing.T) {
	if NewCatalog(nil, nil).Len() != 0 {
		t.Error("catalog without an ad-hoc runner should be empty")
	}

	c := NewCatalog(&stubAdhoc{}, nil)
	e, ok := c.Lookup(AdhocToolName)
	if !ok || e.Kind != KindAdhoc {
		t.Fatalf("Lookup(%q) = %+v, %v", AdhocToolName, e, ok)
	}
	if e.Kind.String() != "adhoc" || KindRegistered.String() != "registered" {
		t.Error("unexpected kind names")
	}
}

func TestCatalog_Register(t *testing.T) {
	c := NewCatalog(&stubAdhoc{}, nil)

	tests := []struct {
		name    string
		entry   Entry
		wantErr bool
	}{
		{"ok", Entry{Name: "get_weather", Handler: echoHandler}, false},
		{"duplicate", Entry{Name: "get_weather", Handler: echoHandler}, true},
		{"reserved", Entry{Name: AdhocToolName, Handler: echoHandler}, true},
		{"empty name", Entry{Handler: echoHandler}, true},
		{"no handler", Entry{Name: "lonely"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Register(tt.entry)
			if (err != nil) != tt.wantErr {
				t.Errorf("Register() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if got := strings.Join(c.Names(), ","); got != "get_weather,run_adhoc_task" {
		t.Errorf("Names = %s", got)
	}
}

func TestCatalog_InvokeNotFound(t *testing.T) {
	c := NewCatalog(&stubAdhoc{}, nil)
	_, err := c.Invoke(context.Background(), llm.NewToolCall("c1", "nope", nil))
	if !errors.Is(err, ErrToolNotFound) || err.Error() != "Tool not found" {
		t.Errorf("err = %v, want ErrToolNotFound", err)
	}
}

func TestCatalog_InvokeRegistered(t *testing.T) {
	c := NewCatalog(nil, nil)
	if err := c.Register(Entry{Name: "echo", Handler: echoHandler}); err != nil {
		t.Fatal(err)
	}
	got, err := c.Invoke(context.Background(), llm.NewToolCall("c1", "echo", map[string]any{"x": "y"}))
	if err != nil {
		t.Fatal(err)
	}
	if m, ok := got.(map[string]any); !ok || m["x"] != "y" {
		t.Errorf("result = %#v", got)
	}

	bad := llm.ToolCall{ID: "c2", Function: llm.FunctionCall{Name: "echo", Arguments: "{not json"}}
	if _, err := c.Invoke(context.Background(), bad); err == nil {
		t.Error("expected error for malformed arguments")
	}
}

func TestCatalog_InvokeAdhoc(t *testing.T) {
	tests := []struct {
		name  string
		value any
		err   error
		want  string
	}{
		{"string result", "four", nil, "four"},
		{"structured result", map[string]any{"sum": float64(4)}, nil, `{"sum":4}`},
		{"failure", nil, errors.New("Max retries reached. Last error: boom"), "Error during execution: Max retries reached. Last error: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubAdhoc{value: tt.value, err: tt.err}
			c := NewCatalog(stub, nil)

			got, err := c.Invoke(context.Background(), llm.NewToolCall("c1", AdhocToolName, map[string]any{"description": "add 2 and 2"}))
			if err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			if got != tt.want {
				t.Errorf("result = %#v, want %q", got, tt.want)
			}
			if len(stub.got) != 1 || stub.got[0] != "add 2 and 2" {
				t.Errorf("descriptions = %v", stub.got)
			}
		})
	}

	c := NewCatalog(&stubAdhoc{}, nil)
	if _, err := c.Invoke(context.Background(), llm.NewToolCall("c1", AdhocToolName, nil)); err == nil {
		t.Error("expected error for missing description")
	}
}

func TestCatalog_Specs(t *testing.T) {
	c := NewCatalog(&stubAdhoc{}, nil)
	_ = c.Register(Entry{Name: "get_weather", Description: "Current weather.", Output: "dict", Handler: echoHandler})

	specs := c.Specs()
	if len(specs) != 2 {
		t.Fatalf("len(Specs) = %d", len(specs))
	}
	fn := specs[0]["function"].(map[string]any)
	if fn["name"] != "get_weather" || fn["description"] != "Current weather. Returns: dict" {
		t.Errorf("spec[0] = %v", fn)
	}
	if params, ok := fn["parameters"].(map[string]any); !ok || params["type"] != "object" {
		t.Errorf("default parameters = %v", fn["parameters"])
	}
	if specs[1]["type"] != "function" {
		t.Errorf("spec[1] = %v", specs[1])
	}
}

func TestRegisterTasks(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	c := NewCatalog(nil, nil)
	runner := sandbox.NewCommandRunner(5*time.Second, nil)
	tasks := []config.TaskConfig{{
		Name:            "echo_city",
		Description:     "Echoes its arguments.",
		Command:         []string{"cat"},
		CallDescription: "Looking up {{.city}}",
		Library:         true,
	}}
	if err := RegisterTasks(c, tasks, runner); err != nil {
		t.Fatalf("RegisterTasks: %v", err)
	}

	args := map[string]any{"city": "Austin"}
	got, err := c.Invoke(context.Background(), llm.NewToolCall("c1", "echo_city", args))
	if err != nil {
		t.Fatal(err)
	}
	if m, ok := got.(map[string]any); !ok || m["city"] != "Austin" {
		t.Errorf("result = %#v", got)
	}
	if d := c.Describe("echo_city", args); d != "Looking up Austin" {
		t.Errorf("Describe = %q", d)
	}
	if d := c.Describe(AdhocToolName, args); d != "" {
		t.Errorf("Describe(unknown) = %q", d)
	}

	bindings := TaskBindings(tasks, runner)
	if len(bindings) != 1 || bindings[0].Name != "Task_echo_city" {
		t.Fatalf("bindings = %+v", bindings)
	}
	fn := bindings[0].Func.(func(map[string]any) (any, error))
	v, err := fn(args)
	if err != nil {
		t.Fatal(err)
	}
	if m, ok := v.(map[string]any); !ok || m["city"] != "Austin" {
		t.Errorf("binding result = %#v", v)
	}
}

func TestRegisterTasks_Invalid(t *testing.T) {
	runner := sandbox.NewCommandRunner(0, nil)
	tests := []struct {
		name string
		task config.TaskConfig
	}{
		{"no command", config.TaskConfig{Name: "x"}},
		{"bad template", config.TaskConfig{Name: "x", Command: []string{"true"}, CallDescription: "{{.city"}},
		{"reserved", config.TaskConfig{Name: AdhocToolName, Command: []string{"true"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCatalog(&stubAdhoc{}, nil)
			if err := RegisterTasks(c, []config.TaskConfig{tt.task}, runner); err == nil {
				t.Error("expected error")
			}
		})
	}
}
