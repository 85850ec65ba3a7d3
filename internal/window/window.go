// Package window trims a conversation to fit a model's context window
// while keeping tool-call blocks whole.
//
// Trimming runs in two passes. The first walks backward over user and
// plain assistant messages, summing their cost until the budget would be
// exceeded; everything older than that point is dropped, and if anything
// was dropped all tool-call context goes with it. When the whole
// conversation fits, a second backward pass admits complete tool-call
// blocks (an assistant message with tool calls followed by the tool
// results answering it) newest first, each only if it still fits. Blocks
// are kept or dropped atomically. A block whose results do not answer
// every call exactly once is always dropped, as are stray tool results
// and tool calls with no results.
package window

import (
	"log/slog"

	"github.com/nugget/wright-agent/internal/llm"
)

// Counter counts tokens for a model.
type Counter interface {
	Count(model, text string) (int, error)
}

// Limiter resolves a model's token budget.
type Limiter interface {
	Limit(model string) (int, error)
}

// Manager fits conversations into model budgets.
type Manager struct {
	counter Counter
	limits  Limiter
	logger  *slog.Logger

	// StripConsecutiveUser collapses runs of user messages to their
	// last member after fitting.
	StripConsecutiveUser bool
}

// NewManager creates a Manager.
func NewManager(counter Counter, limits Limiter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		counter: counter,
		limits:  limits,
		logger:  logger.With("component", "window"),
	}
}

// Fit returns the subsequence of messages that fits model's budget. The
// input slice and its messages are never modified.
func (m *Manager) Fit(model string, messages []llm.Message) ([]llm.Message, error) {
	budget, err := m.limits.Limit(model)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return messages, nil
	}

	keep := make([]bool, len(messages))
	for i := range keep {
		keep[i] = true
	}

	total := 0
	truncated := false

	// Pass 1: conversational turns, newest first.
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if !isConversational(msg) {
			continue
		}
		cost, err := m.cost(model, msg)
		if err != nil {
			return nil, err
		}
		if total+cost > budget {
			for j := 0; j <= i; j++ {
				keep[j] = false
			}
			truncated = true
			break
		}
		total += cost
	}

	if truncated {
		for i, msg := range messages {
			if isToolContext(msg) {
				keep[i] = false
			}
		}
		return m.finish(model, messages, keep, total, budget, "turns"), nil
	}

	// Pass 2: whole tool blocks, newest first.
	for i := len(messages) - 1; i >= 0; {
		if messages[i].Role != llm.RoleTool {
			// A tool call reached here has no results behind it.
			if isToolContext(messages[i]) {
				keep[i] = false
			}
			i--
			continue
		}
		end := i
		start := i
		for start-1 >= 0 && messages[start-1].Role == llm.RoleTool {
			start--
		}

		if start == 0 || !answers(messages[start-1], messages[start:end+1]) {
			for j := start; j <= end; j++ {
				keep[j] = false
			}
			i = start - 1
			continue
		}
		start--

		blockCost := 0
		for j := start; j <= end; j++ {
			c, err := m.cost(model, messages[j])
			if err != nil {
				return nil, err
			}
			blockCost += c
		}
		if total+blockCost <= budget {
			total += blockCost
		} else {
			for j := start; j <= end; j++ {
				keep[j] = false
			}
		}
		i = start - 1
	}

	return m.finish(model, messages, keep, total, budget, "blocks"), nil
}

func (m *Manager) finish(model string, messages []llm.Message, keep []bool, total, budget int, path string) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for i, msg := range messages {
		if keep[i] {
			out = append(out, msg)
		}
	}
	if m.StripConsecutiveUser {
		out = StripConsecutiveUser(out)
	}
	m.logger.Debug("conversation fitted",
		"model", model,
		"path", path,
		"in", len(messages),
		"out", len(out),
		"tokens", total,
		"budget", budget,
	)
	return out
}

// cost counts a message's content plus any tool-call names and arguments.
func (m *Manager) cost(model string, msg llm.Message) (int, error) {
	n, err := m.counter.Count(model, msg.Content)
	if err != nil {
		return 0, err
	}
	for _, tc := range msg.ToolCalls {
		c, err := m.counter.Count(model, tc.Function.Name+tc.Function.Arguments)
		if err != nil {
			return 0, err
		}
		n += c
	}
	return n, nil
}

// answers reports whether results pair one-to-one with the tool calls
// call issued: every result replies to one of its calls and every call
// has a result.
func answers(call llm.Message, results []llm.Message) bool {
	if call.Role != llm.RoleAssistant || !call.HasToolCalls() {
		return false
	}
	pending := make(map[string]bool, len(call.ToolCalls))
	for _, tc := range call.ToolCalls {
		pending[tc.ID] = true
	}
	for _, r := range results {
		if !pending[r.ToolCallID] {
			return false
		}
		delete(pending, r.ToolCallID)
	}
	return len(pending) == 0
}

func isConversational(msg llm.Message) bool {
	return msg.Role == llm.RoleUser || (msg.Role == llm.RoleAssistant && !msg.HasToolCalls())
}

func isToolContext(msg llm.Message) bool {
	return msg.Role == llm.RoleTool || (msg.Role == llm.RoleAssistant && msg.HasToolCalls())
}

// StripConsecutiveUser drops every user message immediately followed by
// another user message, keeping the last of each run.
func StripConsecutiveUser(messages []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for i, msg := range messages {
		if msg.Role == llm.RoleUser && i+1 < len(messages) && messages[i+1].Role == llm.RoleUser {
			continue
		}
		out = append(out, msg)
	}
	return out
}
