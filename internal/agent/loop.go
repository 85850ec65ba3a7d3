// Package agent implements the conversational tool loop.
//
// A request alternates between model turns and tool turns. A model turn
// sends the conversation and the tool catalog to the model; when the
// model answers with text the request is done, and when it asks for
// tools the loop runs each call in order, appends the assistant message
// and the tool results, and gives the model another turn.
package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/wright-agent/internal/adhoc"
	"github.com/nugget/wright-agent/internal/config"
	"github.com/nugget/wright-agent/internal/events"
	"github.com/nugget/wright-agent/internal/llm"
	"github.com/nugget/wright-agent/internal/prompts"
	"github.com/nugget/wright-agent/internal/tools"
	"github.com/nugget/wright-agent/internal/usage"
	"github.com/nugget/wright-agent/internal/window"
)

// DefaultMaxRounds bounds model turns per request when Config sets none.
const DefaultMaxRounds = 25

// Request is one conversational request.
type Request struct {
	// RequestID correlates logs, events and usage. Generated when empty.
	RequestID   string
	Messages    []llm.Message
	Model       string
	MaxTokens   int
	Temperature *float64
}

// Response is the outcome of a completed request.
type Response struct {
	RequestID string
	Content   string
	Model     string

	// ToolMessages holds every assistant tool-call message and tool
	// result produced along the way, in conversation order.
	ToolMessages []llm.Message

	Rounds       int
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// RoundLimitError ends a request whose model kept asking for tools.
type RoundLimitError struct {
	Limit int
}

func (e *RoundLimitError) Error() string {
	return fmt.Sprintf("tool round limit reached (%d model turns)", e.Limit)
}

// Config tunes the loop.
type Config struct {
	Model        string
	SystemPrompt string // deployment-specific instructions
	MaxRounds    int
	MaxTokens    int
	Temperature  *float64
}

// Loop runs conversational requests. It holds no per-request state and
// is safe for concurrent use.
type Loop struct {
	llm     llm.Client
	catalog *tools.Catalog
	window  *window.Manager
	bus     *events.Bus
	pricing map[string]config.PricingEntry
	cfg     Config
	logger  *slog.Logger
}

// NewLoop creates a loop.
func NewLoop(client llm.Client, catalog *tools.Catalog, win *window.Manager, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	return &Loop{
		llm:     client,
		catalog: catalog,
		window:  win,
		cfg:     cfg,
		logger:  logger.With("component", "agent"),
	}
}

// SetEventBus sets the bus request events are published on.
func (l *Loop) SetEventBus(b *events.Bus) { l.bus = b }

// SetPricing sets the table Response.CostUSD is computed from.
func (l *Loop) SetPricing(p map[string]config.PricingEntry) { l.pricing = p }

// Run executes req. When stream is non-nil, tokens, tool progress and
// intermediate messages are delivered to it in generation order and a
// final KindDone event closes the stream; stream is never called
// concurrently. A nil stream accumulates the answer instead.
func (l *Loop) Run(ctx context.Context, req *Request, stream llm.StreamCallback) (resp *Response, err error) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = generateRequestID()
	}
	model := req.Model
	if model == "" {
		model = l.cfg.Model
	}
	ctx = usage.WithRequest(ctx, requestID, "")
	log := l.logger.With("request_id", requestID)
	start := time.Now()

	resp = &Response{RequestID: requestID, Model: model}

	log.Info("request started", "model", model, "messages", len(req.Messages), "stream", stream != nil)
	l.publish(events.KindRequestStart, map[string]any{
		"request_id": requestID,
		"model":      model,
		"messages":   len(req.Messages),
	})
	defer func() {
		data := map[string]any{
			"request_id":       requestID,
			"model":            model,
			"rounds":           resp.Rounds,
			"total_tokens_in":  resp.InputTokens,
			"total_tokens_out": resp.OutputTokens,
			"elapsed_ms":       time.Since(start).Milliseconds(),
		}
		if err != nil {
			data["error"] = err.Error()
			log.Error("request failed", "rounds", resp.Rounds, "error", err)
		} else {
			log.Info("request completed",
				"rounds", resp.Rounds,
				"tokens_in", resp.InputTokens,
				"tokens_out", resp.OutputTokens,
				"cost_usd", resp.CostUSD,
				"elapsed", time.Since(start).Round(time.Millisecond),
			)
		}
		l.publish(events.KindRequestComplete, data)
	}()

	conv, err := l.window.Fit(model, req.Messages)
	if err != nil {
		return resp, fmt.Errorf("fit conversation: %w", err)
	}
	if len(conv) == 0 || conv[0].Role != llm.RoleSystem {
		system := llm.Message{Role: llm.RoleSystem, Content: prompts.AssistantInstructions(l.cfg.SystemPrompt)}
		conv = append([]llm.Message{system}, conv...)
	}

	for round := 1; ; round++ {
		if round > l.cfg.MaxRounds {
			return resp, &RoundLimitError{Limit: l.cfg.MaxRounds}
		}
		resp.Rounds = round

		// Resumed turns are set apart from the text before the tool calls.
		if round > 1 && stream != nil {
			stream(llm.StreamEvent{Kind: llm.KindToken, Token: "\n"})
		}

		turn, next, err := l.modelTurn(ctx, log, requestID, round, l.request(req, model, conv), stream)
		if err != nil {
			return resp, err
		}
		conv = next
		resp.InputTokens += turn.InputTokens
		resp.OutputTokens += turn.OutputTokens
		resp.CostUSD += usage.ComputeCost(costModel(turn, model), turn.InputTokens, turn.OutputTokens, l.pricing)

		if !turn.Message.HasToolCalls() {
			resp.Content = turn.Message.Content
			if stream != nil {
				stream(llm.StreamEvent{Kind: llm.KindDone, Response: turn})
			}
			return resp, nil
		}

		msgs, err := l.toolTurn(ctx, log, requestID, turn.Message.ToolCalls, stream)
		if err != nil {
			return resp, err
		}
		conv = append(conv, msgs...)
		resp.ToolMessages = append(resp.ToolMessages, msgs...)
	}
}

func (l *Loop) request(req *Request, model string, conv []llm.Message) llm.Request {
	r := llm.Request{
		Model:       model,
		Messages:    conv,
		Tools:       l.catalog.Specs(),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if r.MaxTokens <= 0 {
		r.MaxTokens = l.cfg.MaxTokens
	}
	if r.Temperature == nil {
		r.Temperature = l.cfg.Temperature
	}
	return r
}

// modelTurn sends one model turn. When the provider rejects the payload
// as too large, the longest tool result is replaced with an advisory
// and the turn is retried once with an instruction to try again. The
// returned conversation carries that replacement.
func (l *Loop) modelTurn(ctx context.Context, log *slog.Logger, requestID string, round int, req llm.Request, stream llm.StreamCallback) (*llm.ChatResponse, []llm.Message, error) {
	l.publish(events.KindLLMCall, map[string]any{
		"request_id": requestID,
		"round":      round,
		"model":      req.Model,
		"messages":   len(req.Messages),
	})
	log.Debug("model turn", "round", round, "messages", len(req.Messages), "tools", len(req.Tools))

	resp, err := l.complete(ctx, req, stream)
	if err != nil && llm.IsContextOverflow(err) {
		conv, truncated := truncateLongestTool(req.Messages)
		log.Warn("context overflow, retrying with truncated tool result",
			"round", round,
			"truncated_tool", truncated,
			"error", err,
		)
		l.publish(events.KindContextOverflow, map[string]any{
			"request_id":     requestID,
			"round":          round,
			"truncated_tool": truncated,
		})

		retry := req
		retry.Messages = append(conv[:len(conv):len(conv)], llm.Message{Role: llm.RoleUser, Content: prompts.ToolOverflowRetry})
		resp, err = l.complete(ctx, retry, stream)
		req.Messages = conv
	}
	if err != nil {
		return nil, nil, err
	}

	l.publish(events.KindLLMResponse, map[string]any{
		"request_id": requestID,
		"round":      round,
		"model":      resp.Model,
		"tokens_in":  resp.InputTokens,
		"tokens_out": resp.OutputTokens,
		"tool_calls": len(resp.Message.ToolCalls),
	})
	return resp, req.Messages, nil
}

func (l *Loop) complete(ctx context.Context, req llm.Request, stream llm.StreamCallback) (*llm.ChatResponse, error) {
	if stream == nil {
		return l.llm.Chat(ctx, req)
	}
	return l.llm.ChatStream(ctx, req, func(ev llm.StreamEvent) {
		if ev.Kind == llm.KindToken && ev.Token != "" {
			stream(ev)
		}
	})
}

// truncateLongestTool returns a copy of conv with the longest tool
// message's content replaced by the overflow advisory, and the name of
// the tool it belonged to. Without tool messages conv is copied as is.
func truncateLongestTool(conv []llm.Message) ([]llm.Message, string) {
	out := make([]llm.Message, len(conv))
	copy(out, conv)

	longest := -1
	for i, m := range out {
		if m.Role != llm.RoleTool {
			continue
		}
		if longest < 0 || len(m.Content) > len(out[longest].Content) {
			longest = i
		}
	}
	if longest < 0 {
		return out, ""
	}
	out[longest].Content = prompts.ToolOverflowNotice
	return out, out[longest].Name
}

// toolTurn runs the requested calls in order and returns the assistant
// message carrying them followed by one tool message per call.
func (l *Loop) toolTurn(ctx context.Context, log *slog.Logger, requestID string, calls []llm.ToolCall, stream llm.StreamCallback) ([]llm.Message, error) {
	msgs := make([]llm.Message, 0, len(calls)+1)
	msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, ToolCalls: calls})

	fw := newForwarder(ctx, stream)
	toolCtx := adhoc.WithProgress(ctx, func(msg string) {
		fw.send(llm.StreamEvent{Kind: llm.KindProgress, Progress: msg})
	})

	for _, call := range calls {
		content := l.invoke(toolCtx, log, requestID, call, fw)
		msgs = append(msgs, llm.Message{
			Role:       llm.RoleTool,
			Name:       call.Function.Name,
			Content:    content,
			ToolCallID: call.ID,
		})
	}

	if err := fw.close(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if stream != nil {
		for i := range msgs {
			stream(llm.StreamEvent{Kind: llm.KindMessage, Message: &msgs[i]})
		}
	}
	return msgs, nil
}

// invoke runs one call and encodes its outcome as tool message content.
// Failures become error results for the model rather than request errors.
func (l *Loop) invoke(ctx context.Context, log *slog.Logger, requestID string, call llm.ToolCall, fw *forwarder) string {
	name := call.Function.Name
	fw.send(llm.StreamEvent{Kind: llm.KindToolCallStart, ToolCall: &call})
	l.publish(events.KindToolCall, map[string]any{"request_id": requestID, "tool": name})

	if args, err := call.DecodeArguments(); err == nil {
		if desc := l.catalog.Describe(name, args); desc != "" {
			fw.send(llm.StreamEvent{Kind: llm.KindProgress, Progress: desc})
		}
	}

	start := time.Now()
	result, err := l.catalog.Invoke(ctx, call)
	elapsed := time.Since(start)

	var errText string
	switch {
	case errors.Is(err, tools.ErrToolNotFound):
		errText = tools.ErrToolNotFound.Error()
		log.Warn("tool not found", "tool", name)
	case err != nil:
		errText = fmt.Sprintf("Error in tool '%s': %s", name, err)
		log.Warn("tool failed", "tool", name, "error", err, "elapsed", elapsed)
	default:
		log.Debug("tool completed", "tool", name, "elapsed", elapsed)
	}
	if errText != "" {
		result = map[string]any{"error": errText}
	}
	content := encodeToolResult(result)

	fw.send(llm.StreamEvent{
		Kind:       llm.KindToolCallDone,
		ToolName:   name,
		ToolResult: content,
		ToolError:  errText,
	})
	l.publish(events.KindToolDone, map[string]any{
		"request_id":  requestID,
		"tool":        name,
		"ok":          errText == "",
		"duration_ms": elapsed.Milliseconds(),
	})
	return content
}

type toolResult struct {
	Type   string `json:"type"`
	Result any    `json:"result"`
}

func encodeToolResult(v any) string {
	data, err := json.Marshal(toolResult{Type: "tool_result", Result: v})
	if err != nil {
		data, _ = json.Marshal(toolResult{Type: "tool_result", Result: fmt.Sprint(v)})
	}
	return string(data)
}

func (l *Loop) publish(kind string, data map[string]any) {
	l.bus.Emit(events.SourceAgent, kind, data)
}

func costModel(resp *llm.ChatResponse, fallback string) string {
	if resp.Model != "" {
		return resp.Model
	}
	return fallback
}

// generateRequestID returns a short random id of the form r_xxxxxxxx.
func generateRequestID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return "r_" + hex.EncodeToString(b[:])
}
