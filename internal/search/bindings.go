package search

import (
	"context"
	"time"

	"github.com/nugget/wright-agent/internal/sandbox"
)

// BindingTimeout bounds one lib.WebSearch call.
const BindingTimeout = 30 * time.Second

// Bindings exposes the manager to synthesized code as lib.WebSearch.
// Results are plain maps so generated code can index them without
// knowing this package's types.
func Bindings(m *Manager) []sandbox.Binding {
	return []sandbox.Binding{{
		Name:        "WebSearch",
		Signature:   "func WebSearch(query string, count int) ([]map[string]any, error)",
		Description: "WebSearch searches the web and returns up to count results, each with \"title\", \"url\" and \"snippet\" keys. Use FetchText on a result url to read the page.",
		Func: func(query string, count int) ([]map[string]any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), BindingTimeout)
			defer cancel()
			results, err := m.Search(ctx, query, count)
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, len(results))
			for i, r := range results {
				out[i] = map[string]any{"title": r.Title, "url": r.URL, "snippet": r.Snippet}
			}
			return out, nil
		},
	}}
}
