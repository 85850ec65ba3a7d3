package window

import (
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"github.com/nugget/wright-agent/internal/llm"
)

// wordCounter charges one token per whitespace-separated word.
type wordCounter struct{}

func (wordCounter) Count(_, text string) (int, error) { return len(strings.Fields(text)), nil }

type fixedLimit int

func (f fixedLimit) Limit(string) (int, error) { return int(f), nil }

func words(n int) string { return strings.TrimSpace(strings.Repeat("w ", n)) }

func user(n int) llm.Message      { return llm.Message{Role: llm.RoleUser, Content: words(n)} }
func assistant(n int) llm.Message { return llm.Message{Role: llm.RoleAssistant, Content: words(n)} }

func toolCallMsg(ids ...string) llm.Message {
	m := llm.Message{Role: llm.RoleAssistant}
	for _, id := range ids {
		// Name and arguments concatenate into a single zero-space token.
		m.ToolCalls = append(m.ToolCalls, llm.ToolCall{ID: id, Function: llm.FunctionCall{Name: "t", Arguments: "{}"}})
	}
	return m
}

func toolResult(id string, n int) llm.Message {
	return llm.Message{Role: llm.RoleTool, ToolCallID: id, Content: words(n)}
}

func roles(msgs []llm.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch {
		case m.Role == llm.RoleTool:
			b.WriteString("T")
		case m.HasToolCalls():
			b.WriteString("C")
		case m.Role == llm.RoleAssistant:
			b.WriteString("A")
		case m.Role == llm.RoleUser:
			b.WriteString("U")
		default:
			b.WriteString("S")
		}
	}
	return b.String()
}

func TestFit(t *testing.T) {
	tests := []struct {
		name   string
		budget int
		in     []llm.Message
		want   string
	}{
		{
			name:   "everything fits",
			budget: 100,
			in:     []llm.Message{user(5), toolCallMsg("a"), toolResult("a", 5), assistant(5)},
			want:   "UCTA",
		},
		{
			name:   "turn boundary drops older and all tool context",
			budget: 10,
			in:     []llm.Message{user(5), assistant(5), user(3), toolCallMsg("a"), toolResult("a", 1), assistant(3)},
			want:   "UA",
		},
		{
			name:   "oversized block dropped whole",
			budget: 20,
			in:     []llm.Message{user(5), toolCallMsg("a"), toolResult("a", 30), assistant(5)},
			want:   "UA",
		},
		{
			name:   "newest block preferred",
			budget: 30,
			in: []llm.Message{
				user(5), toolCallMsg("a"), toolResult("a", 10), assistant(2),
				user(3), toolCallMsg("b"), toolResult("b", 10), assistant(2),
			},
			want: "UAUCTA",
		},
		{
			name:   "orphan tool results dropped",
			budget: 100,
			in:     []llm.Message{user(2), toolResult("x", 1), toolResult("y", 1), assistant(2)},
			want:   "UA",
		},
		{
			name:   "multi-call block kept together",
			budget: 100,
			in:     []llm.Message{user(2), toolCallMsg("a", "b"), toolResult("a", 3), toolResult("b", 3), assistant(2)},
			want:   "UCTTA",
		},
		{
			name:   "tool call without results dropped",
			budget: 100,
			in:     []llm.Message{user(2), toolCallMsg("a"), user(2), assistant(2)},
			want:   "UUA",
		},
		{
			name:   "partially answered block dropped",
			budget: 100,
			in:     []llm.Message{user(2), toolCallMsg("a", "b"), toolResult("a", 3), assistant(2)},
			want:   "UA",
		},
		{
			name:   "duplicate result drops block",
			budget: 100,
			in:     []llm.Message{user(2), toolCallMsg("a", "b"), toolResult("a", 3), toolResult("a", 3), assistant(2)},
			want:   "UA",
		},
		{
			name:   "trailing unanswered call dropped",
			budget: 100,
			in:     []llm.Message{user(2), toolCallMsg("a"), toolResult("a", 1), assistant(2), user(2), toolCallMsg("b")},
			want:   "UCTAU",
		},
		{
			name:   "empty",
			budget: 10,
			in:     nil,
			want:   "",
		},
		{
			name:   "first message alone exceeds",
			budget: 3,
			in:     []llm.Message{user(5)},
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(wordCounter{}, fixedLimit(tt.budget), nil)
			got, err := m.Fit("gpt-4o", tt.in)
			if err != nil {
				t.Fatalf("Fit: %v", err)
			}
			if r := roles(got); r != tt.want {
				t.Errorf("Fit roles = %q, want %q", r, tt.want)
			}
		})
	}
}

func TestFit_DoesNotMutateInput(t *testing.T) {
	in := []llm.Message{user(5), toolCallMsg("a"), toolResult("a", 30), assistant(5)}
	snapshot := make([]llm.Message, len(in))
	copy(snapshot, in)

	m := NewManager(wordCounter{}, fixedLimit(20), nil)
	if _, err := m.Fit("gpt-4o", in); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(in, snapshot) {
		t.Error("Fit modified its input")
	}
}

func TestStripConsecutiveUser(t *testing.T) {
	in := []llm.Message{user(1), user(2), assistant(1), user(3), user(4), user(5)}
	got := StripConsecutiveUser(in)
	if r := roles(got); r != "UAU" {
		t.Fatalf("roles = %q, want UAU", r)
	}
	if got[0].Content != words(2) || got[2].Content != words(5) {
		t.Errorf("kept the wrong members: %+v", got)
	}
}

// randomConversation builds a history mixing turns, complete tool
// blocks, orphan results and dangling tool calls.
func randomConversation(r *rand.Rand) []llm.Message {
	var msgs []llm.Message
	n := r.Intn(20)
	id := 0
	for i := 0; i < n; i++ {
		switch r.Intn(5) {
		case 0:
			msgs = append(msgs, user(r.Intn(15)))
		case 1:
			msgs = append(msgs, assistant(r.Intn(15)))
		case 2, 3:
			calls := 1 + r.Intn(3)
			ids := make([]string, calls)
			for j := range ids {
				id++
				ids[j] = fmt.Sprintf("call_%d", id)
			}
			msgs = append(msgs, toolCallMsg(ids...))
			for _, cid := range ids {
				msgs = append(msgs, toolResult(cid, r.Intn(20)))
			}
		case 4:
			id++
			msgs = append(msgs, toolResult(fmt.Sprintf("orphan_%d", id), r.Intn(5)))
		}
	}
	return msgs
}

func isSubsequence(sub, full []llm.Message) bool {
	j := 0
	for i := 0; i < len(full) && j < len(sub); i++ {
		if reflect.DeepEqual(full[i], sub[j]) {
			j++
		}
	}
	return j == len(sub)
}

func TestFit_Properties(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	for iter := 0; iter < 500; iter++ {
		budget := r.Intn(80)
		in := randomConversation(r)
		m := NewManager(wordCounter{}, fixedLimit(budget), nil)

		out, err := m.Fit("gpt-4o", in)
		if err != nil {
			t.Fatalf("iter %d: %v", iter, err)
		}

		if !isSubsequence(out, in) {
			t.Fatalf("iter %d: output is not an ordered subsequence of input", iter)
		}

		cost := 0
		for _, msg := range out {
			c, _ := m.cost("gpt-4o", msg)
			cost += c
		}
		if cost > budget {
			t.Fatalf("iter %d: kept %d tokens over budget %d (%s)", iter, cost, budget, roles(out))
		}

		issued := map[string]bool{}
		answered := map[string]bool{}
		for _, msg := range out {
			for _, tc := range msg.ToolCalls {
				issued[tc.ID] = true
			}
			if msg.Role == llm.RoleTool {
				if !issued[msg.ToolCallID] {
					t.Fatalf("iter %d: tool result %s kept without its call (%s)", iter, msg.ToolCallID, roles(out))
				}
				answered[msg.ToolCallID] = true
			}
		}
		for id := range issued {
			if !answered[id] {
				t.Fatalf("iter %d: tool call %s kept without its result (%s)", iter, id, roles(out))
			}
		}

		again, err := m.Fit("gpt-4o", out)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(again, out) {
			t.Fatalf("iter %d: not idempotent: %s then %s", iter, roles(out), roles(again))
		}

		repeat, _ := m.Fit("gpt-4o", in)
		if !reflect.DeepEqual(repeat, out) {
			t.Fatalf("iter %d: not deterministic", iter)
		}
	}
}
