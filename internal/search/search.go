// Package search gives synthesized code a web search function. Backends
// implement [Provider]; a [Manager] queries them in configured order and
// falls through to the next one when a backend fails.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/wright-agent/internal/httpkit"
)

// DefaultCount is the number of results returned when a caller asks
// for zero or fewer.
const DefaultCount = 5

// MaxCount caps results per query.
const MaxCount = 20

// overloaded retries a rate-limited backend once before the manager
// falls through to the next provider.
var overloaded = httpkit.Retry{Attempts: 1, Base: time.Second, Max: 3 * time.Second, Statuses: true}

// Result is a single search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Provider is a search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, count int) ([]Result, error)
}

// Manager queries providers in registration order.
type Manager struct {
	providers []Provider
	logger    *slog.Logger
}

// NewManager creates a manager over providers, skipping nil entries.
func NewManager(logger *slog.Logger, providers ...Provider) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{logger: logger.With("component", "search")}
	for _, p := range providers {
		if p != nil {
			m.providers = append(m.providers, p)
		}
	}
	return m
}

// Configured reports whether any provider is registered.
func (m *Manager) Configured() bool { return len(m.providers) > 0 }

// Search returns up to count results from the first provider that
// answers. Errors from every provider are joined when all fail.
func (m *Manager) Search(ctx context.Context, query string, count int) ([]Result, error) {
	if query == "" {
		return nil, errors.New("search query is empty")
	}
	if len(m.providers) == 0 {
		return nil, errors.New("no search provider configured")
	}
	if count <= 0 {
		count = DefaultCount
	}
	if count > MaxCount {
		count = MaxCount
	}

	var errs []error
	for _, p := range m.providers {
		results, err := p.Search(ctx, query, count)
		if err == nil {
			if len(results) > count {
				results = results[:count]
			}
			m.logger.Debug("search done", "provider", p.Name(), "results", len(results))
			return results, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.Warn("search provider failed", "provider", p.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return nil, errors.Join(errs...)
}
