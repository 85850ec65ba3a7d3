package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantNames []string
	}{
		{
			name:      "single object",
			content:   `{"name": "run_adhoc_task", "arguments": {"description": "sum"}}`,
			wantNames: []string{"run_adhoc_task"},
		},
		{
			name:      "array",
			content:   `[{"name": "a", "arguments": {}}, {"name": "b", "arguments": {"x": 1}}]`,
			wantNames: []string{"a", "b"},
		},
		{
			name:      "tagged",
			content:   "<tool_call>\n{\"name\": \"web_fetch\", \"arguments\": {\"url\": \"https://example.com\"}}\n</tool_call>",
			wantNames: []string{"web_fetch"},
		},
		{
			name:      "tagged without close",
			content:   `<tool_call>{"name": "web_fetch", "arguments": {}}`,
			wantNames: []string{"web_fetch"},
		},
		{
			name:    "plain text",
			content: "The answer is 4.",
		},
		{
			name:    "json without name",
			content: `{"result": 4}`,
		},
		{
			name:    "empty",
			content: "   ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTextToolCalls(tt.content)
			if len(got) != len(tt.wantNames) {
				t.Fatalf("got %d calls, want %d", len(got), len(tt.wantNames))
			}
			for i, name := range tt.wantNames {
				if got[i].Function.Name != name {
					t.Errorf("call %d name = %q, want %q", i, got[i].Function.Name, name)
				}
				if got[i].ID == "" {
					t.Errorf("call %d has no ID", i)
				}
			}
		})
	}
}

func TestParseTextToolCalls_Arguments(t *testing.T) {
	got := parseTextToolCalls(`{"name": "run_adhoc_task", "arguments": {"description": "add 2 and 2", "n": 3}}`)
	if len(got) != 1 {
		t.Fatalf("expected 1 call, got %d", len(got))
	}
	args, err := got[0].DecodeArguments()
	if err != nil {
		t.Fatalf("DecodeArguments: %v", err)
	}
	if args["description"] != "add 2 and 2" {
		t.Errorf("description = %v", args["description"])
	}
	if args["n"] != float64(3) {
		t.Errorf("n = %v", args["n"])
	}
}

func TestConvertToOllama_ArgumentsAsObject(t *testing.T) {
	msgs := convertToOllama([]Message{{
		Role:      RoleAssistant,
		ToolCalls: []ToolCall{NewToolCall("c1", "web_fetch", map[string]any{"url": "https://example.com"})},
	}})

	data, err := json.Marshal(msgs[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var wire struct {
		ToolCalls []struct {
			Function struct {
				Arguments map[string]any `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire.ToolCalls[0].Function.Arguments["url"] != "https://example.com" {
		t.Errorf("arguments = %v", wire.ToolCalls[0].Function.Arguments)
	}
}

func TestOllamaChat_NativeToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{
			"model": "qwen3:4b",
			"message": {"role": "assistant", "content": "", "tool_calls": [
				{"function": {"name": "run_adhoc_task", "arguments": {"description": "sum"}}}
			]},
			"done": true,
			"prompt_eval_count": 42,
			"eval_count": 15
		}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	resp, err := c.Chat(context.Background(), Request{Model: "qwen3:4b", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish = %q", resp.FinishReason)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Function.Arguments != `{"description":"sum"}` {
		t.Errorf("tool calls = %+v", resp.Message.ToolCalls)
	}
	if resp.InputTokens != 42 || resp.OutputTokens != 15 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOllamaChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if !req.Stream {
			t.Error("expected stream=true")
		}
		_, _ = w.Write([]byte(`{"model":"m","message":{"role":"assistant","content":"The "},"done":false}
{"model":"m","message":{"role":"assistant","content":"answer"},"done":false}
{"model":"m","message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":3,"eval_count":2}
`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	var tokens []string
	resp, err := c.ChatStream(context.Background(), Request{Model: "m"}, func(e StreamEvent) {
		tokens = append(tokens, e.Token)
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Message.Content != "The answer" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if len(tokens) != 2 {
		t.Errorf("tokens = %v", tokens)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish = %q", resp.FinishReason)
	}
}

func TestOllamaListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"name":"qwen3:4b"},{"name":"llama3:8b"}]}`))
	}))
	defer srv.Close()

	names, err := NewOllamaClient(srv.URL, nil).ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(names) != 2 || names[0] != "qwen3:4b" {
		t.Errorf("names = %v", names)
	}
}
