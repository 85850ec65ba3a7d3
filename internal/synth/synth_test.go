package synth

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nugget/wright-agent/internal/fewshot"
	"github.com/nugget/wright-agent/internal/llm"
	"github.com/nugget/wright-agent/internal/sandbox"
)

type replyClient struct {
	reply string
	err   error
	reqs  []llm.Request
}

func (c *replyClient) Chat(_ context.Context, req llm.Request) (*llm.ChatResponse, error) {
	c.reqs = append(c.reqs, req)
	if c.err != nil {
		return nil, c.err
	}
	return &llm.ChatResponse{Model: req.Model, Message: llm.Message{Role: llm.RoleAssistant, Content: c.reply}}, nil
}

func (c *replyClient) ChatStream(ctx context.Context, req llm.Request, _ llm.StreamCallback) (*llm.ChatResponse, error) {
	return c.Chat(ctx, req)
}

func (c *replyClient) Ping(context.Context) error { return nil }

func TestExtractFunction(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    string
		wantErr bool
	}{
		{
			name: "fenced with prose",
			text: "Here you go:\n\n```go\nfunc doTask() error {\n\tfmt.Println(4)\n\treturn nil\n}\n```\n\nThis prints 4.",
			want: "func doTask() error {\n\tfmt.Println(4)\n\treturn nil\n}",
		},
		{
			name: "unfenced",
			text: "func doTask() {\n\tfmt.Println(\"x\")\n}\n",
			want: "func doTask() {\n\tfmt.Println(\"x\")\n}",
		},
		{
			name: "helper before entry",
			text: "```go\n// helper\nfunc helper() int { return 2 }\n\n// doTask does it.\nfunc doTask() error { return nil }\n```",
			want: "func doTask() error { return nil }",
		},
		{
			name: "full file with package and imports",
			text: "```go\npackage main\n\nimport \"fmt\"\n\nfunc doTask() { fmt.Println(1) }\n```",
			want: "func doTask() { fmt.Println(1) }",
		},
		{
			name: "second block holds entry",
			text: "```bash\necho hi\n```\n\n```go\nfunc doTask() {}\n```",
			want: "func doTask() {}",
		},
		{
			name: "no entry",
			text: "```go\nfunc other() {}\n```",
			want: "",
		},
		{
			name: "method named doTask ignored",
			text: "```go\ntype T struct{}\n\nfunc (T) doTask() {}\n```",
			want: "",
		},
		{
			name:    "syntax error",
			text:    "```go\nfunc doTask() {\n```",
			wantErr: true,
		},
		{
			name: "empty",
			text: "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractFunction(tt.text, "doTask")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func newTestSynth(t *testing.T, c llm.Client) *Synthesizer {
	t.Helper()
	lib, err := sandbox.NewLibrary(sandbox.Binding{
		Name:        "FetchText",
		Signature:   "func FetchText(url string) (string, error)",
		Description: "FetchText returns the readable text of a web page.",
		Func:        func(string) (string, error) { return "", nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	return New(c, Config{Model: "gpt-4o", Library: lib, Packages: []string{"fmt", "strings"}}, nil)
}

func TestSynthesize(t *testing.T) {
	c := &replyClient{reply: "```go\nfunc doTask() error {\n\tfmt.Println(2 + 2)\n\treturn nil\n}\n```"}
	s := newTestSynth(t, c)

	examples := []fewshot.Example{{Task: "say hi", Code: "func doTask() error { fmt.Println(\"hi\"); return nil }"}}
	code, err := s.Synthesize(context.Background(), "what is 2+2", "", examples)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !strings.HasPrefix(code, "func doTask() error {") {
		t.Errorf("code = %q", code)
	}

	if len(c.reqs) != 1 {
		t.Fatalf("requests = %d", len(c.reqs))
	}
	msgs := c.reqs[0].Messages
	if len(msgs) != 5 {
		t.Fatalf("messages = %d, want system, system, example pair, task", len(msgs))
	}
	if msgs[0].Content != "You are a useful technical assistant." {
		t.Errorf("preamble = %q", msgs[0].Content)
	}
	if !strings.Contains(msgs[1].Content, "func FetchText(url string) (string, error)") {
		t.Errorf("instructions missing library:\n%s", msgs[1].Content)
	}
	if msgs[2].Role != llm.RoleUser || msgs[3].Role != llm.RoleAssistant {
		t.Errorf("example roles = %s/%s", msgs[2].Role, msgs[3].Role)
	}
	if msgs[4].Content != "what is 2+2\n\n" {
		t.Errorf("task message = %q", msgs[4].Content)
	}
}

func TestSynthesize_Infeasible(t *testing.T) {
	c := &replyClient{reply: "The request cannot be fulfilled using the available functions."}
	_, err := newTestSynth(t, c).Synthesize(context.Background(), "launch rockets", "", nil)
	if !errors.Is(err, ErrInfeasible) {
		t.Fatalf("err = %v, want ErrInfeasible", err)
	}
	if !strings.Contains(err.Error(), "cannot be fulfilled") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestSynthesize_ParseFailure(t *testing.T) {
	c := &replyClient{reply: "I would compute it by adding the numbers."}
	_, err := newTestSynth(t, c).Synthesize(context.Background(), "sum", "", nil)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ParseError", err)
	}
	if !strings.HasPrefix(err.Error(), "Failed to parse function code: ") {
		t.Errorf("message = %q", err.Error())
	}
}

func TestSynthesize_ProviderError(t *testing.T) {
	c := &replyClient{err: errors.New("connection refused")}
	_, err := newTestSynth(t, c).Synthesize(context.Background(), "sum", "", nil)
	if err == nil || errors.Is(err, ErrInfeasible) {
		t.Fatalf("err = %v", err)
	}
}
