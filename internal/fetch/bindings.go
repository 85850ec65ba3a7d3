package fetch

import (
	"context"

	"github.com/nugget/wright-agent/internal/sandbox"
)

// Bindings exposes the fetcher to synthesized code as lib.FetchText and
// lib.FetchJSON. Each call is bounded by DefaultTimeout.
func Bindings(f *Fetcher, maxChars int) []sandbox.Binding {
	return []sandbox.Binding{
		{
			Name:        "FetchText",
			Signature:   "func FetchText(url string) (string, error)",
			Description: "FetchText downloads a web page and returns its readable text, without markup.",
			Func: func(url string) (string, error) {
				ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
				defer cancel()
				p, err := f.Text(ctx, url, maxChars)
				if err != nil {
					return "", err
				}
				if p.Title != "" {
					return p.Title + "\n\n" + p.Text, nil
				}
				return p.Text, nil
			},
		},
		{
			Name:        "FetchJSON",
			Signature:   "func FetchJSON(url string) (any, error)",
			Description: "FetchJSON downloads a JSON document and returns it decoded into maps, slices, float64, string, and bool values.",
			Func: func(url string) (any, error) {
				ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
				defer cancel()
				return f.JSON(ctx, url)
			},
		},
	}
}
