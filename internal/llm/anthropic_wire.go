package llm

import (
	"fmt"
	"strings"
)

// Wire types for the Messages API.

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicBlock
}

// anthropicBlock is one content block: text, tool_use or tool_result.
type anthropicBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index"`
	Message      *anthropicResponse `json:"message,omitempty"`
	ContentBlock *anthropicBlock    `json:"content_block,omitempty"`
	Delta        struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// newAnthropicRequest translates req. System messages are hoisted into
// the top-level system prompt; tool results travel as user turns.
func newAnthropicRequest(req Request, stream bool) anthropicRequest {
	out := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
		Tools:       toAnthropicTools(req.Tools),
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = anthropicMaxTokens
	}
	out.Messages, out.System = toAnthropicMessages(req.Messages)
	return out
}

func toAnthropicMessages(messages []Message) ([]anthropicMessage, string) {
	var system []string
	out := make([]anthropicMessage, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleUser:
			out = append(out, anthropicMessage{Role: RoleUser, Content: m.Content})
		case RoleTool:
			out = append(out, anthropicMessage{Role: RoleUser, Content: []anthropicBlock{{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			}}})
		case RoleAssistant:
			if !m.HasToolCalls() {
				out = append(out, anthropicMessage{Role: RoleAssistant, Content: m.Content})
				continue
			}
			out = append(out, anthropicMessage{Role: RoleAssistant, Content: toolUseBlocks(m)})
		}
	}
	return out, strings.Join(system, "\n\n")
}

// toolUseBlocks renders an assistant turn that requested tools. Calls
// without an ID get a synthetic one so results can still be paired.
func toolUseBlocks(m Message) []anthropicBlock {
	var blocks []anthropicBlock
	if m.Content != "" {
		blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
	}
	for i, tc := range m.ToolCalls {
		input, err := tc.DecodeArguments()
		if err != nil {
			input = map[string]any{"_raw": tc.Function.Arguments}
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("toolu_%s_%d", tc.Function.Name, i)
		}
		blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: id, Name: tc.Function.Name, Input: input})
	}
	return blocks
}

// toAnthropicTools converts OpenAI-style function definitions. Entries
// without a function object are dropped.
func toAnthropicTools(defs []map[string]any) []anthropicTool {
	var out []anthropicTool
	for _, def := range defs {
		fn, ok := def["function"].(map[string]any)
		if !ok {
			continue
		}
		t := anthropicTool{InputSchema: fn["parameters"]}
		t.Name, _ = fn["name"].(string)
		t.Description, _ = fn["description"].(string)
		if t.InputSchema == nil {
			t.InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, t)
	}
	return out
}

func (r *anthropicResponse) chatResponse() *ChatResponse {
	var text strings.Builder
	var calls []ToolCall
	for _, b := range r.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			args, _ := b.Input.(map[string]any)
			if args == nil {
				args = map[string]any{}
			}
			calls = append(calls, NewToolCall(b.ID, b.Name, args))
		}
	}
	return &ChatResponse{
		Model:        r.Model,
		Message:      Message{Role: RoleAssistant, Content: text.String(), ToolCalls: calls},
		FinishReason: anthropicFinishReason(r.StopReason),
		InputTokens:  r.Usage.InputTokens,
		OutputTokens: r.Usage.OutputTokens,
	}
}

// anthropicFinishReason maps stop_reason onto the OpenAI vocabulary the
// rest of the package uses.
func anthropicFinishReason(stop string) string {
	switch stop {
	case "":
		return ""
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	}
	return "stop"
}

// anthropicAccumulator folds stream events into a ChatResponse.
type anthropicAccumulator struct {
	emit StreamCallback

	model   string
	usage   anthropicUsage
	stop    string
	text    strings.Builder
	calls   []ToolCall
	tool    *anthropicBlock // open tool_use block
	args    strings.Builder
	stopped bool
}

func (a *anthropicAccumulator) apply(ev anthropicStreamEvent) error {
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			a.model = ev.Message.Model
			a.usage = ev.Message.Usage
		}
	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			a.tool = ev.ContentBlock
			a.args.Reset()
		}
	case "content_block_delta":
		switch ev.Delta.Type {
		case "text_delta":
			a.text.WriteString(ev.Delta.Text)
			if a.emit != nil {
				a.emit(StreamEvent{Kind: KindToken, Token: ev.Delta.Text})
			}
		case "input_json_delta":
			a.args.WriteString(ev.Delta.PartialJSON)
		}
	case "content_block_stop":
		if a.tool == nil {
			return nil
		}
		args := a.args.String()
		if args == "" {
			args = "{}"
		}
		a.calls = append(a.calls, ToolCall{
			ID:       a.tool.ID,
			Type:     "function",
			Function: FunctionCall{Name: a.tool.Name, Arguments: args},
		})
		a.tool = nil
	case "message_delta":
		if ev.Delta.StopReason != "" {
			a.stop = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			a.usage.OutputTokens = ev.Usage.OutputTokens
		}
	case "message_stop":
		a.stopped = true
	case "error":
		msg := "stream error"
		if ev.Error != nil {
			msg = ev.Error.Type + ": " + ev.Error.Message
		}
		return classify("anthropic", &ProviderError{Provider: "anthropic", Message: msg})
	}
	return nil
}

func (a *anthropicAccumulator) response() *ChatResponse {
	return &ChatResponse{
		Model:        a.model,
		Message:      Message{Role: RoleAssistant, Content: a.text.String(), ToolCalls: a.calls},
		FinishReason: anthropicFinishReason(a.stop),
		InputTokens:  a.usage.InputTokens,
		OutputTokens: a.usage.OutputTokens,
	}
}
