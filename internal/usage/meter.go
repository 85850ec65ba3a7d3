package usage

import (
	"context"
	"log/slog"

	"github.com/nugget/wright-agent/internal/config"
	"github.com/nugget/wright-agent/internal/llm"
)

// Recorder persists usage records. *Store implements it.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

type requestKey struct{}

type requestInfo struct {
	id   string
	task string
}

// WithRequest tags ctx so metered calls made under it are attributed to
// the completion request id and, when set, a registered task name.
func WithRequest(ctx context.Context, requestID, task string) context.Context {
	return context.WithValue(ctx, requestKey{}, requestInfo{id: requestID, task: task})
}

func requestFrom(ctx context.Context) requestInfo {
	info, _ := ctx.Value(requestKey{}).(requestInfo)
	return info
}

// Meter wraps an llm.Client and records token usage and cost for every
// completed call. Recording failures are logged and never returned.
type Meter struct {
	client      llm.Client
	rec         Recorder
	pricing     map[string]config.PricingEntry
	providerFor func(model string) string
	role        string
	logger      *slog.Logger
}

// NewMeter creates a metering client. providerFor may be nil.
func NewMeter(client llm.Client, rec Recorder, pricing map[string]config.PricingEntry, providerFor func(string) string, role string, logger *slog.Logger) *Meter {
	if logger == nil {
		logger = slog.Default()
	}
	if providerFor == nil {
		providerFor = func(string) string { return "" }
	}
	return &Meter{
		client:      client,
		rec:         rec,
		pricing:     pricing,
		providerFor: providerFor,
		role:        role,
		logger:      logger.With("component", "usage"),
	}
}

// Chat implements llm.Client.
func (m *Meter) Chat(ctx context.Context, req llm.Request) (*llm.ChatResponse, error) {
	resp, err := m.client.Chat(ctx, req)
	if err == nil {
		m.record(ctx, req.Model, resp)
	}
	return resp, err
}

// ChatStream implements llm.Client.
func (m *Meter) ChatStream(ctx context.Context, req llm.Request, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	resp, err := m.client.ChatStream(ctx, req, callback)
	if err == nil {
		m.record(ctx, req.Model, resp)
	}
	return resp, err
}

// Ping implements llm.Client.
func (m *Meter) Ping(ctx context.Context) error { return m.client.Ping(ctx) }

func (m *Meter) record(ctx context.Context, model string, resp *llm.ChatResponse) {
	if resp == nil || m.rec == nil {
		return
	}
	if resp.Model != "" {
		model = resp.Model
	}
	info := requestFrom(ctx)
	rec := Record{
		RequestID:    info.id,
		Model:        model,
		Provider:     m.providerFor(model),
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      ComputeCost(model, resp.InputTokens, resp.OutputTokens, m.pricing),
		Role:         m.role,
		TaskName:     info.task,
	}
	// Persist even when the request was cancelled right after the call.
	if err := m.rec.Record(context.WithoutCancel(ctx), rec); err != nil {
		m.logger.Warn("failed to record usage", "model", model, "error", err)
	}
}
