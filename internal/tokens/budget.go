package tokens

import (
	"fmt"
	"sort"
	"strings"
)

// Limit pairs a model-name substring with a token ceiling.
type Limit struct {
	Match  string
	Tokens int
}

// DefaultLimits are the known model families, checked in order.
var DefaultLimits = []Limit{
	{Match: "gpt-3.5", Tokens: 16000},
	{Match: "gpt-4o", Tokens: 128000},
	{Match: "gpt-4o-2024-11-20", Tokens: 128000},
	{Match: "o3-mini", Tokens: 200000},
	{Match: "sonar", Tokens: 127000},
}

// DefaultFamily is the entry used when no substring matches.
const DefaultFamily = "gpt-4o"

// Budgets resolves a model identifier to its token ceiling.
type Budgets struct {
	limits   []Limit
	fallback int
}

// NewBudgets builds a table from overrides followed by DefaultLimits.
// Overrides are checked first, so a configured model wins over a
// built-in family that also matches it.
func NewBudgets(overrides map[string]int) *Budgets {
	b := &Budgets{}
	for name, n := range overrides {
		if n > 0 {
			b.limits = append(b.limits, Limit{Match: name, Tokens: n})
		}
	}
	// Longer overrides first so "gpt-4o-mini" beats "gpt-4o" regardless
	// of map iteration order.
	sortLongestFirst(b.limits)
	b.limits = append(b.limits, DefaultLimits...)
	for _, l := range DefaultLimits {
		if l.Match == DefaultFamily {
			b.fallback = l.Tokens
		}
	}
	return b
}

// Limit returns the token ceiling for model.
func (b *Budgets) Limit(model string) (int, error) {
	for _, l := range b.limits {
		if strings.Contains(model, l.Match) {
			return l.Tokens, nil
		}
	}
	if b.fallback <= 0 {
		return 0, fmt.Errorf("unknown context limit for model %s", model)
	}
	return b.fallback, nil
}

func sortLongestFirst(ls []Limit) {
	sort.Slice(ls, func(i, j int) bool {
		if len(ls[i].Match) != len(ls[j].Match) {
			return len(ls[i].Match) > len(ls[j].Match)
		}
		return ls[i].Match < ls[j].Match
	})
}
