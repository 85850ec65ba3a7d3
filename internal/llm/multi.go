package llm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// MultiClient dispatches each request to a provider chosen by model
// name: an exact model mapping first, then the longest matching prefix,
// then the fallback.
type MultiClient struct {
	fallback  Client
	providers map[string]Client
	exact     map[string]string
	prefixes  map[string]string
}

// NewMultiClient returns a router that sends unmatched models to fallback.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		fallback:  fallback,
		providers: make(map[string]Client),
		exact:     make(map[string]string),
		prefixes:  make(map[string]string),
	}
}

// AddProvider registers client under a provider name.
func (m *MultiClient) AddProvider(name string, client Client) { m.providers[name] = client }

// AddModel routes one model name to provider.
func (m *MultiClient) AddModel(model, provider string) { m.exact[model] = provider }

// AddPrefix routes every model starting with prefix to provider.
func (m *MultiClient) AddPrefix(prefix, provider string) { m.prefixes[prefix] = provider }

// route resolves model to a client. A mapping naming an unregistered
// provider is ignored.
func (m *MultiClient) route(model string) (Client, error) {
	if c, ok := m.providers[m.exact[model]]; ok {
		return c, nil
	}
	best := -1
	var chosen Client
	for prefix, name := range m.prefixes {
		c, ok := m.providers[name]
		if ok && len(prefix) > best && strings.HasPrefix(model, prefix) {
			best, chosen = len(prefix), c
		}
	}
	if chosen != nil {
		return chosen, nil
	}
	if m.fallback == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return m.fallback, nil
}

func (m *MultiClient) Chat(ctx context.Context, req Request) (*ChatResponse, error) {
	c, err := m.route(req.Model)
	if err != nil {
		return nil, err
	}
	return c.Chat(ctx, req)
}

func (m *MultiClient) ChatStream(ctx context.Context, req Request, callback StreamCallback) (*ChatResponse, error) {
	c, err := m.route(req.Model)
	if err != nil {
		return nil, err
	}
	return c.ChatStream(ctx, req, callback)
}

// Ping probes every registered provider and joins their failures. With
// nothing registered it probes the fallback.
func (m *MultiClient) Ping(ctx context.Context) error {
	if len(m.providers) == 0 {
		if m.fallback == nil {
			return errors.New("no providers configured")
		}
		return m.fallback.Ping(ctx)
	}
	var errs []error
	for _, name := range slices.Sorted(maps.Keys(m.providers)) {
		if err := m.providers[name].Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
