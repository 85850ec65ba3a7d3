package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/wright-agent/internal/agent"
	"github.com/nugget/wright-agent/internal/llm"
)

// ChatCompletionRequest is the OpenAI-compatible request format.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`

	// IncludeToolMessages adds the intermediate tool-call and tool
	// result messages to the response.
	IncludeToolMessages bool `json:"include_tool_messages,omitempty"`
}

// ChatCompletionResponse is the OpenAI-compatible response format.
type ChatCompletionResponse struct {
	ID           string        `json:"id"`
	Object       string        `json:"object"`
	Created      int64         `json:"created"`
	Model        string        `json:"model"`
	Choices      []Choice      `json:"choices"`
	Usage        Usage         `json:"usage"`
	ToolMessages []StreamChunk `json:"tool_messages,omitempty"`
}

// Choice represents a completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      llm.Message `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage represents token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is the SSE format for streaming responses.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Error   *ChunkError    `json:"error,omitempty"`
}

// StreamChoice represents a streaming choice with delta content.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

// StreamDelta represents incremental content. Tool fields are set only
// for intermediate messages when tool messages were requested.
type StreamDelta struct {
	Role       string         `json:"role,omitempty"`
	Content    string         `json:"content,omitempty"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// ChunkError describes a failure that ended a stream.
type ChunkError struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}

// chunker stamps chunks with the completion's id, time and model.
type chunker struct {
	id      string
	created int64
	model   string
}

func (c *chunker) chunk(delta StreamDelta, finish *string) StreamChunk {
	return StreamChunk{
		ID:      c.id,
		Object:  "chat.completion.chunk",
		Created: c.created,
		Model:   c.model,
		Choices: []StreamChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

func messageDelta(m llm.Message) StreamDelta {
	return StreamDelta{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
}

// agentMessage frames a progress note the way chat front ends render
// out-of-band agent status.
func agentMessage(note string) string {
	return "\n```agent-message\n" + note + "\n```\n"
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "messages are required")
		return
	}

	c := &chunker{
		id:      "cmpl-" + uuid.NewString(),
		created: time.Now().Unix(),
		model:   req.Model,
	}
	if c.model == "" && len(s.models) > 0 {
		c.model = s.models[0]
	}
	agentReq := &agent.Request{
		RequestID:   c.id,
		Messages:    req.Messages,
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	s.logger.Info("completion request",
		"id", c.id,
		"messages", len(req.Messages),
		"stream", req.Stream,
		"include_tool_messages", req.IncludeToolMessages,
	)

	if req.Stream || r.Header.Get("Accept") == "text/event-stream" {
		s.handleStreamingCompletion(w, r, agentReq, c, req.IncludeToolMessages)
		return
	}

	// Non-streaming: run and return complete response
	resp, err := s.loop.Run(r.Context(), agentReq, nil)
	if err != nil {
		s.logger.Error("agent loop failed", "id", c.id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.stats.Record(resp)
	c.model = resp.Model

	completion := ChatCompletionResponse{
		ID:      c.id,
		Object:  "chat.completion",
		Created: c.created,
		Model:   resp.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      llm.Message{Role: llm.RoleAssistant, Content: resp.Content},
			FinishReason: "stop",
		}},
		Usage: Usage{
			PromptTokens:     resp.InputTokens,
			CompletionTokens: resp.OutputTokens,
			TotalTokens:      resp.InputTokens + resp.OutputTokens,
		},
	}
	if req.IncludeToolMessages {
		for _, m := range resp.ToolMessages {
			completion.ToolMessages = append(completion.ToolMessages, c.chunk(messageDelta(m), nil))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, completion, s.logger)
}

func (s *Server) handleStreamingCompletion(w http.ResponseWriter, r *http.Request, agentReq *agent.Request, c *chunker, includeToolMessages bool) {
	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Get response controller for deadline management
	rc := http.NewResponseController(w)

	// Stream callback sends tokens, progress notes and keepalives
	// during tool execution.
	streamCallback := func(event llm.StreamEvent) {
		switch event.Kind {
		case llm.KindToken:
			s.writeSSE(w, c.chunk(StreamDelta{Role: llm.RoleAssistant, Content: event.Token}, nil))

		case llm.KindProgress:
			s.writeSSE(w, c.chunk(StreamDelta{Role: llm.RoleAssistant, Content: agentMessage(event.Progress)}, nil))

		case llm.KindMessage:
			if !includeToolMessages || event.Message == nil {
				return
			}
			s.writeSSE(w, c.chunk(messageDelta(*event.Message), nil))

		case llm.KindToolCallStart, llm.KindToolCallDone:
			// SSE comment as keepalive to prevent write timeout
			fmt.Fprintf(w, ": keepalive\n\n")

		case llm.KindDone:
			if event.Response != nil && event.Response.Model != "" {
				c.model = event.Response.Model
			}
			return
		}
		flusher.Flush()

		// Reset write deadline after every event so long tool loops
		// outlive the server's write timeout.
		if err := rc.SetWriteDeadline(time.Now().Add(120 * time.Second)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	resp, err := s.loop.Run(r.Context(), agentReq, streamCallback)
	if err != nil {
		s.logger.Error("agent loop failed", "id", c.id, "error", err)
		// Headers are gone; report the failure in-band.
		finish := "error"
		chunk := c.chunk(StreamDelta{}, &finish)
		chunk.Error = &ChunkError{Message: err.Error(), Type: errorType(err)}
		s.writeSSE(w, chunk)
		fmt.Fprintf(w, "data: [DONE]\n\n")
		flusher.Flush()
		return
	}

	s.stats.Record(resp)

	finish := "stop"
	s.writeSSE(w, c.chunk(StreamDelta{}, &finish))
	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) writeSSE(w http.ResponseWriter, chunk StreamChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		s.logger.Debug("failed to marshal SSE chunk", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		s.logger.Debug("failed to write SSE chunk", "error", err)
	}
}

// errorType names the failure class reported in stream error chunks.
func errorType(err error) string {
	var (
		rl       *agent.RoundLimitError
		overflow *llm.ContextOverflowError
		provider *llm.ProviderError
	)
	switch {
	case errors.As(err, &rl):
		return "RoundLimitError"
	case errors.As(err, &overflow):
		return "ContextOverflowError"
	case errors.As(err, &provider):
		return "ProviderError"
	case errors.Is(err, context.Canceled):
		return "Canceled"
	}
	return "Error"
}
