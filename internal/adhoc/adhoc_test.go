package adhoc

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nugget/wright-agent/internal/audit"
	"github.com/nugget/wright-agent/internal/fewshot"
	"github.com/nugget/wright-agent/internal/sandbox"
	"github.com/nugget/wright-agent/internal/synth"
)

// scriptedSynth returns its replies in order; an error reply fails the
// call. The last reply repeats.
type scriptedSynth struct {
	replies     []any // string or error
	calls       int
	diagnostics []string
	examples    [][]fewshot.Example
}

func (s *scriptedSynth) Synthesize(_ context.Context, _, diagnostics string, examples []fewshot.Example) (string, error) {
	r := s.replies[min(s.calls, len(s.replies)-1)]
	s.calls++
	s.diagnostics = append(s.diagnostics, diagnostics)
	s.examples = append(s.examples, examples)
	if err, ok := r.(error); ok {
		return "", err
	}
	return r.(string), nil
}

// scriptedRunner fails while the source contains "bad".
type scriptedRunner struct {
	calls int
	libs  []*sandbox.Library
}

func (r *scriptedRunner) Run(_ context.Context, source string, lib *sandbox.Library, _ time.Duration) (any, error) {
	r.calls++
	r.libs = append(r.libs, lib)
	if strings.Contains(source, "bad") {
		return nil, errors.New("runtime error: index out of range [3] with length 3")
	}
	return map[string]any{"answer": float64(4)}, nil
}

type memSink struct{ recs []audit.Record }

func (m *memSink) Write(_ context.Context, rec audit.Record) error {
	m.recs = append(m.recs, rec)
	return nil
}

func newTestOrchestrator(s Synthesizer, r sandbox.Runner, max int) (*Orchestrator, *memSink) {
	o := New(s, r, nil, Config{MaxRetries: max}, nil)
	o.wait = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	sink := &memSink{}
	o.SetAuditSink(sink)
	return o, sink
}

func TestRun_SucceedsAfterFailures(t *testing.T) {
	parseErr := &synth.ParseError{Response: "no code here"}
	tests := []struct {
		name    string
		replies []any
	}{
		{"first attempt", []any{"func doTask() error { return nil }"}},
		{"after one synthesis failure", []any{parseErr, "func doTask() error { return nil }"}},
		{"after execution failures", []any{"// bad\nfunc doTask() error { return nil }", "// bad", "func doTask() error { return nil }"}},
		{"mixed, k = max-1", []any{parseErr, "// bad", parseErr, "// bad", "func doTask() error { return nil }"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &scriptedSynth{replies: tt.replies}
			o, sink := newTestOrchestrator(s, &scriptedRunner{}, 5)

			res, err := o.Execute(context.Background(), "what is 2+2")
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			k := len(tt.replies) - 1
			if s.calls != k+1 || res.Attempts != k+1 {
				t.Errorf("synthesis calls = %d, attempts = %d, want %d", s.calls, res.Attempts, k+1)
			}
			if m, ok := res.Value.(map[string]any); !ok || m["answer"] != float64(4) {
				t.Errorf("value = %#v", res.Value)
			}
			if len(sink.recs) != 1 || !sink.recs[0].Succeeded() || sink.recs[0].Result != `{"answer":4}` {
				t.Errorf("audit = %+v", sink.recs)
			}
			if s.diagnostics[0] != "" {
				t.Errorf("first attempt had diagnostics %q", s.diagnostics[0])
			}
		})
	}
}

func TestRun_RetryExhausted(t *testing.T) {
	for _, max := range []int{1, 3, 5} {
		s := &scriptedSynth{replies: []any{"// bad\nfunc doTask() error { return nil }"}}
		r := &scriptedRunner{}
		o, sink := newTestOrchestrator(s, r, max)

		_, err := o.Run(context.Background(), "impossible")
		var re *RetryExhaustedError
		if !errors.As(err, &re) {
			t.Fatalf("max=%d: err = %v, want RetryExhaustedError", max, err)
		}
		if s.calls != max || r.calls != max || re.Attempts != max {
			t.Errorf("max=%d: synthesis calls = %d, runs = %d, attempts = %d", max, s.calls, r.calls, re.Attempts)
		}
		if !strings.HasPrefix(err.Error(), "Max retries reached. Last error: runtime error") {
			t.Errorf("message = %q", err.Error())
		}
		var ee *ExecutionError
		if !errors.As(err, &ee) {
			t.Error("last error is not an ExecutionError")
		}
		if len(sink.recs) != 1 || sink.recs[0].Succeeded() || sink.recs[0].Source == "" {
			t.Errorf("max=%d: audit = %+v", max, sink.recs)
		}
	}
}

func TestRun_DiagnosticsAccumulate(t *testing.T) {
	refusal := &synth.InfeasibleError{Response: "The request cannot be fulfilled using the available functions."}
	s := &scriptedSynth{replies: []any{
		refusal,
		"// bad first\nfunc doTask() error { return nil }",
		"func doTask() error { return nil }",
	}}
	o, _ := newTestOrchestrator(s, &scriptedRunner{}, 5)

	if _, err := o.Run(context.Background(), "sum"); err != nil {
		t.Fatal(err)
	}

	second := s.diagnostics[1]
	if !strings.HasPrefix(second, "This is retry attempt 1.\nPrevious errors:\n1. ") {
		t.Errorf("second diagnostics = %q", second)
	}
	if !strings.Contains(second, "Syntax error") || strings.Contains(second, "cannot be fulfilled") {
		t.Errorf("refusal not relabeled:\n%s", second)
	}

	third := s.diagnostics[2]
	if !strings.Contains(third, "This is retry attempt 2.") ||
		!strings.Contains(third, "1. "+strings.Repeat("-", 40)+"\nSyntax error") ||
		!strings.Contains(third, "2. "+strings.Repeat("-", 40)+"\nruntime error") {
		t.Errorf("third diagnostics:\n%s", third)
	}
	if !strings.Contains(third, "Previous code:\n```go\n// bad first\nfunc doTask()") {
		t.Errorf("previous code missing:\n%s", third)
	}
}

func TestRun_CancelledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &scriptedSynth{replies: []any{"// bad"}}
	o, sink := newTestOrchestrator(s, &scriptedRunner{}, 5)
	o.wait = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := o.Run(ctx, "t")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if s.calls != 1 {
		t.Errorf("synthesis calls = %d, want 1", s.calls)
	}
	if len(sink.recs) != 1 || sink.recs[0].Succeeded() {
		t.Errorf("audit = %+v", sink.recs)
	}
}

type staticRanker []fewshot.Example

func (r staticRanker) Rank(context.Context, string, int) ([]fewshot.Example, error) { return r, nil }

type failingRanker struct{}

func (failingRanker) Rank(context.Context, string, int) ([]fewshot.Example, error) {
	return nil, errors.New("embedding service down")
}

func TestRun_Examples(t *testing.T) {
	s := &scriptedSynth{replies: []any{parseErrOnce(), "func doTask() error { return nil }"}}
	o, _ := newTestOrchestrator(s, &scriptedRunner{}, 5)
	o.SetRanker(staticRanker{{Task: "t", Code: "c"}})

	if _, err := o.Run(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	for i, ex := range s.examples {
		if len(ex) != 1 {
			t.Errorf("attempt %d got %d examples", i+1, len(ex))
		}
	}

	s2 := &scriptedSynth{replies: []any{"func doTask() error { return nil }"}}
	o2, _ := newTestOrchestrator(s2, &scriptedRunner{}, 5)
	o2.SetRanker(failingRanker{})
	if _, err := o2.Run(context.Background(), "x"); err != nil {
		t.Fatalf("ranking failure should not fail the run: %v", err)
	}
}

func parseErrOnce() error { return &synth.ParseError{Response: "?"} }

func TestRun_InfoBinding(t *testing.T) {
	r := &scriptedRunner{}
	o, _ := newTestOrchestrator(&scriptedSynth{replies: []any{"func doTask() error { return nil }"}}, r, 5)

	if _, err := o.Run(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, b := range r.libs[0].Bindings() {
		if b.Name == "Info" {
			found = true
		}
	}
	if !found {
		t.Error("Info binding missing from run library")
	}
}

func TestRun_Sandbox(t *testing.T) {
	interp, err := sandbox.NewInterpreter(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := &scriptedSynth{replies: []any{
		"func doTask() error {\n\tlib.Info(\"adding\")\n\tfmt.Println(2 + 2)\n\treturn nil\n}",
	}}
	o, sink := newTestOrchestrator(s, interp, 5)

	var notes []string
	ctx := WithProgress(context.Background(), func(msg string) { notes = append(notes, msg) })
	v, err := o.Run(ctx, "what is 2+2")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v != float64(4) {
		t.Errorf("value = %#v, want 4", v)
	}
	if len(notes) != 1 || notes[0] != "adding" {
		t.Errorf("progress = %v", notes)
	}
	if len(sink.recs) != 1 || sink.recs[0].Result != "4" {
		t.Errorf("audit = %+v", sink.recs)
	}
}

func TestFormatResult(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"plain text", "plain text"},
		{float64(4), "4"},
		{map[string]any{"a": float64(1)}, `{"a":1}`},
		{[]any{"x", true}, `["x",true]`},
		{nil, "null"},
	}
	for _, tt := range tests {
		if got := FormatResult(tt.in); got != tt.want {
			t.Errorf("FormatResult(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateAborted.String() != "ABORTED" || State(42).String() != "State(42)" {
		t.Error("unexpected state names")
	}
}
