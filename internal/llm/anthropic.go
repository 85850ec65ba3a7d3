package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/wright-agent/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 4096
	anthropicPingModel  = "claude-3-5-haiku-latest"
)

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient returns a client authenticated with apiKey.
func NewAnthropicClient(apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", "anthropic")

	// Large prompts hold back response headers well past the shared default.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 2 * time.Minute

	return &AnthropicClient{
		apiKey:   apiKey,
		endpoint: anthropicAPIURL,
		logger:   logger,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
			httpkit.WithRetry(httpkit.Retry{Attempts: 2, Base: time.Second, Statuses: true}),
			httpkit.WithLogger(logger),
		),
	}
}

func (c *AnthropicClient) Chat(ctx context.Context, req Request) (*ChatResponse, error) {
	return c.ChatStream(ctx, req, nil)
}

func (c *AnthropicClient) ChatStream(ctx context.Context, req Request, callback StreamCallback) (*ChatResponse, error) {
	body := newAnthropicRequest(req, callback != nil)
	c.logger.Debug("sending messages request",
		"model", body.Model,
		"messages", len(body.Messages),
		"tools", len(body.Tools),
		"stream", body.Stream,
	)

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out *ChatResponse
	if body.Stream {
		out, err = c.readStream(resp.Body, callback)
	} else {
		out, err = c.readMessage(resp.Body)
	}
	if err != nil {
		return nil, err
	}

	c.logger.Debug("messages response",
		"model", out.Model,
		"finish", out.FinishReason,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.Message.ToolCalls),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", out.Message.Content)
	return out, nil
}

// Ping spends one output token to confirm the key is accepted.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	resp, err := c.post(ctx, anthropicRequest{
		Model:     anthropicPingModel,
		Messages:  []anthropicMessage{{Role: RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return err
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}

// post sends body and returns the response when it is a 2xx. Error
// responses become ProviderError, classified for context overflow.
func (c *AnthropicClient) post(ctx context.Context, body anthropicRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(payload))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request: %w", err)
	}
	if resp.StatusCode/100 == 2 {
		return resp, nil
	}

	raw := httpkit.ReadErrorBody(resp.Body, 4096)
	resp.Body.Close()
	c.logger.Warn("anthropic API error", "status", resp.StatusCode, "body", raw)
	return nil, classify("anthropic", &ProviderError{
		Provider:   "anthropic",
		StatusCode: resp.StatusCode,
		Message:    anthropicErrorMessage(raw),
	})
}

func (c *AnthropicClient) readMessage(r io.Reader) (*ChatResponse, error) {
	var msg anthropicResponse
	if err := json.NewDecoder(r).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}
	return msg.chatResponse(), nil
}

// readStream consumes the server-sent event stream, forwarding text
// deltas to callback as they arrive.
func (c *AnthropicClient) readStream(r io.Reader, callback StreamCallback) (*ChatResponse, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	acc := &anthropicAccumulator{emit: callback}
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data:")
		if !ok {
			continue
		}
		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &ev); err != nil {
			c.logger.Debug("skipping malformed stream event", "error", err)
			continue
		}
		if err := acc.apply(ev); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read anthropic stream: %w", err)
	}
	if !acc.stopped {
		return nil, errors.New("anthropic stream ended before message_stop")
	}
	return acc.response(), nil
}

// anthropicErrorMessage pulls the human-readable message out of an error
// envelope, falling back to the raw body.
func anthropicErrorMessage(raw string) string {
	var env struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(raw), &env) != nil || env.Error.Message == "" {
		return raw
	}
	return env.Error.Type + ": " + env.Error.Message
}
