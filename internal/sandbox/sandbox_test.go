package sandbox

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func newTestInterpreter(t *testing.T) *Interpreter {
	t.Helper()
	r, err := NewInterpreter(nil, nil)
	if err != nil {
		t.Fatalf("NewInterpreter: %v", err)
	}
	return r
}

func TestInterpreter_JSONOutput(t *testing.T) {
	r := newTestInterpreter(t)
	src := `func doTask() error {
	fmt.Println(` + "`" + `{"a": 1}` + "`" + `)
	return nil
}`

	got, err := r.Run(context.Background(), src, nil, time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := map[string]any{"a": float64(1)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("result = %#v, want %#v", got, want)
	}
}

func TestInterpreter_TextOutput(t *testing.T) {
	r := newTestInterpreter(t)
	src := `func doTask() {
	fmt.Println("  hello world  ")
}`

	got, err := r.Run(context.Background(), src, nil, time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "hello world" {
		t.Errorf("result = %#v, want %q", got, "hello world")
	}
}

func TestInterpreter_UsesAllowedPackages(t *testing.T) {
	r := newTestInterpreter(t)
	src := `func doTask() error {
	parts := strings.Split("3,1,2", ",")
	sort.Strings(parts)
	b, err := json.Marshal(map[string]any{"sorted": parts, "n": strconv.Itoa(len(parts))})
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}`

	got, err := r.Run(context.Background(), src, nil, time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("result = %#v, want object", got)
	}
	if m["n"] != "3" {
		t.Errorf("n = %v", m["n"])
	}
}

func TestInterpreter_LibraryBinding(t *testing.T) {
	r := newTestInterpreter(t)
	lib, err := NewLibrary(Binding{
		Name:        "Add",
		Description: "Add returns a+b.",
		Func:        func(a, b int) int { return a + b },
	})
	if err != nil {
		t.Fatal(err)
	}

	src := "func doTask() {\n\tfmt.Println(lib.Add(2, 2))\n}"
	got, err := r.Run(context.Background(), src, lib, time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != float64(4) {
		t.Errorf("result = %#v, want 4", got)
	}
}

func TestInterpreter_ReturnedError(t *testing.T) {
	r := newTestInterpreter(t)
	src := `func doTask() error {
	fmt.Println("partial")
	return errors.New("upstream said no")
}`

	_, err := r.Run(context.Background(), src, nil, time.Second)
	if err == nil || err.Error() != "upstream said no" {
		t.Fatalf("err = %v, want upstream said no", err)
	}
}

func TestInterpreter_Panic(t *testing.T) {
	r := newTestInterpreter(t)
	src := `func doTask() {
	var m map[string]int
	m["x"] = 1
}`

	if _, err := r.Run(context.Background(), src, nil, time.Second); err == nil {
		t.Fatal("expected error from panicking code")
	}
}

func TestInterpreter_PanicInGoroutine(t *testing.T) {
	r := newTestInterpreter(t)
	src := `func doTask() {
	go func() { panic("boom") }()
	time.Sleep(50 * time.Millisecond)
	fmt.Println("ok")
}`

	got, err := r.Run(context.Background(), src, nil, 2*time.Second)
	if !errors.Is(err, ErrConcurrency) {
		t.Fatalf("err = %v, want ErrConcurrency", err)
	}
	if got != nil {
		t.Errorf("result = %#v, want nil", got)
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("err = %q, want the offending line", err)
	}
}

func TestAssemble_Concurrency(t *testing.T) {
	tests := []struct {
		name    string
		fn      string
		wantErr bool
	}{
		{"go statement", "func doTask() {\n\tgo fmt.Println(1)\n}", true},
		{"go in closure", "func doTask() {\n\tf := func() {\n\t\tgo func() {}()\n\t}\n\tf()\n}", true},
		{"go in helper", "func helper() {\n\tgo helper()\n}\n\nfunc doTask() {\n\thelper()\n}", true},
		{"time.AfterFunc", "func doTask() {\n\ttime.AfterFunc(time.Second, func() { panic(1) })\n}", true},
		{"time.Sleep allowed", "func doTask() {\n\ttime.Sleep(time.Millisecond)\n}", false},
		{"local named time", "func doTask() {\n\ttime := struct{ AfterFunc int }{}\n\t_ = time.AfterFunc\n}", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Assemble(tt.fn, DefaultAllowedPackages, false)
			if tt.wantErr != errors.Is(err, ErrConcurrency) {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestInterpreter_Timeout(t *testing.T) {
	r := newTestInterpreter(t)
	src := `func doTask() {
	fmt.Println("started")
	time.Sleep(5 * time.Second)
	fmt.Println("done")
}`

	start := time.Now()
	got, err := r.Run(context.Background(), src, nil, 100*time.Millisecond)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if got != nil {
		t.Errorf("result = %#v, want nil on timeout", got)
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("Run took %s, deadline not enforced", time.Since(start))
	}
}

func TestInterpreter_NoAmbientAccess(t *testing.T) {
	r := newTestInterpreter(t)
	tests := map[string]string{
		"os":      "func doTask() {\n\tfmt.Println(os.Getenv(\"HOME\"))\n}",
		"lib":     "func doTask() {\n\tfmt.Println(lib.Secret())\n}",
		"imports": "import \"os\"\n\nfunc doTask() {\n\tos.Exit(1)\n}",
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := r.Run(context.Background(), src, nil, time.Second); err == nil {
				t.Error("expected error reaching outside the sandbox")
			}
		})
	}
}

func TestNewInterpreter_RejectsDangerousPackages(t *testing.T) {
	for _, p := range []string{"os", "os/exec", "unsafe", "net/http"} {
		if _, err := NewInterpreter([]string{"fmt", p}, nil); err == nil {
			t.Errorf("NewInterpreter allowed %q", p)
		}
	}
	if _, err := NewInterpreter([]string{"not/a/package"}, nil); err == nil {
		t.Error("NewInterpreter accepted unknown package")
	}
}

func TestAssemble(t *testing.T) {
	fn := "func doTask() error {\n\tstrings := []string{\"a\"}\n\tfmt.Println(strings, math.Pi, lib.X())\n\treturn nil\n}"
	got, err := Assemble(fn, DefaultAllowedPackages, true)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	for _, want := range []string{`"fmt"`, `"math"`, `"wright/lib"`, "func WrightEntry() string"} {
		if !strings.Contains(got, want) {
			t.Errorf("program missing %s:\n%s", want, got)
		}
	}
	// A local named strings shadows the package.
	if strings.Contains(got, `"strings"`) {
		t.Errorf("shadowed package imported:\n%s", got)
	}
}

func TestAssemble_Errors(t *testing.T) {
	tests := map[string]string{
		"no entry":     "func other() {}",
		"arguments":    "func doTask(n int) {}",
		"bad result":   "func doTask() int { return 1 }",
		"syntax":       "func doTask() {",
		"method entry": "type T struct{}\n\nfunc (T) doTask() {}",
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Assemble(fn, DefaultAllowedPackages, false); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := Assemble("func other() {}", nil, false); !errors.Is(err, ErrNoEntry) {
		t.Errorf("err = %v, want ErrNoEntry", err)
	}
}

func TestParseOutput(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{`{"a": 1}`, map[string]any{"a": float64(1)}},
		{"  [1, 2]\n", []any{float64(1), float64(2)}},
		{"4\n", float64(4)},
		{`"quoted"`, "quoted"},
		{"plain text\n", "plain text"},
		{"1\n2", "1\n2"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ParseOutput(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseOutput(%q) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}

func TestCapture(t *testing.T) {
	c := newCapture(8)
	_, _ = c.Write([]byte("12345"))
	_, _ = c.Write([]byte("67890"))
	got := c.release()
	if !strings.HasPrefix(got, "12345678") || !strings.HasSuffix(got, truncatedNote) {
		t.Errorf("release = %q", got)
	}

	if n, err := c.Write([]byte("late")); n != 4 || err != nil {
		t.Errorf("Write after release = %d, %v", n, err)
	}
	if got := c.release(); got != "" {
		t.Errorf("second release = %q, want empty", got)
	}
}

func TestLibrary(t *testing.T) {
	lib, err := NewLibrary(
		Binding{Name: "FetchText", Signature: "func FetchText(url string) (string, error)", Description: "Fetch a page.", Func: func(string) (string, error) { return "", nil }},
		Binding{Name: "Info", Func: func(string) {}},
	)
	if err != nil {
		t.Fatal(err)
	}

	desc := lib.Describe()
	for _, want := range []string{"// Fetch a page.", "func FetchText(url string) (string, error)", "func Info(string)"} {
		if !strings.Contains(desc, want) {
			t.Errorf("Describe missing %q:\n%s", want, desc)
		}
	}

	replaced, err := lib.With(Binding{Name: "Info", Func: func(string, ...any) {}})
	if err != nil {
		t.Fatal(err)
	}
	if replaced.Len() != 2 {
		t.Errorf("Len = %d, want 2 after replacement", replaced.Len())
	}
	if lib.Len() != 2 || reflect.TypeOf(lib.Bindings()[1].Func).NumIn() != 1 {
		t.Error("With modified the original library")
	}

	for _, bad := range []Binding{
		{Name: "lower", Func: func() {}},
		{Name: "NotFunc", Func: 3},
		{Name: "Bad Name", Func: func() {}},
	} {
		if _, err := NewLibrary(bad); err == nil {
			t.Errorf("NewLibrary(%q) accepted invalid binding", bad.Name)
		}
	}

	var none *Library
	if none.Len() != 0 || none.Describe() == "" {
		t.Error("nil library should be usable")
	}
}

func TestCommandRunner(t *testing.T) {
	r := NewCommandRunner(time.Second, nil)
	ctx := context.Background()

	got, err := r.Run(ctx, Command{Argv: []string{"cat"}}, map[string]any{"city": "Austin"}, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m, ok := got.(map[string]any); !ok || m["city"] != "Austin" {
		t.Errorf("result = %#v", got)
	}

	got, err = r.Run(ctx, Command{Argv: []string{"sh", "-c", `echo "$WRIGHT_ARGS" | grep -c Austin`}}, map[string]any{"city": "Austin"}, 0)
	if err != nil {
		t.Fatalf("Run env: %v", err)
	}
	if got != float64(1) {
		t.Errorf("env result = %#v", got)
	}

	_, err = r.Run(ctx, Command{Argv: []string{"sh", "-c", "echo boom >&2; exit 3"}}, nil, 0)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 3 || exitErr.Stderr != "boom" {
		t.Errorf("err = %#v, want ExitError{3, boom}", err)
	}

	_, err = r.Run(ctx, Command{Argv: []string{"sleep", "10"}}, nil, 100*time.Millisecond)
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Errorf("err = %v, want *TimeoutError", err)
	}

	if _, err := r.Run(ctx, Command{}, nil, 0); err == nil {
		t.Error("expected error for empty command")
	}
}
