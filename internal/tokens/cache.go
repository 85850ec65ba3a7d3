// Package tokens counts tokens per model and resolves each model's
// context-window budget.
package tokens

import (
	"fmt"
	"sync"
)

// MaxUses is how many counts an encoder serves before it is discarded
// and rebuilt. Tokenizers grow internal caches with use; recycling them
// bounds that growth.
const MaxUses = 25

// Encoder tokenizes text for one model.
type Encoder interface {
	Count(text string) int
}

// Factory builds a fresh encoder for a model.
type Factory func(model string) (Encoder, error)

type handle struct {
	enc  Encoder
	uses int
}

// Cache hands out per-model encoders, creating them lazily and
// recycling each after MaxUses counts. Safe for concurrent use.
type Cache struct {
	factory Factory
	maxUses int

	mu      sync.Mutex
	handles map[string]*handle
	created int
}

// NewCache returns a cache that builds encoders with factory.
func NewCache(factory Factory) *Cache {
	return &Cache{
		factory: factory,
		maxUses: MaxUses,
		handles: make(map[string]*handle),
	}
}

// acquire returns the live encoder for model, recycling the handle
// once it has served maxUses counts. The use is recorded under the
// lock so an evicted encoder is never handed out again.
func (c *Cache) acquire(model string) (Encoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.handles[model]
	if !ok || h.uses >= c.maxUses {
		enc, err := c.factory(model)
		if err != nil {
			return nil, fmt.Errorf("create encoder for %s: %w", model, err)
		}
		h = &handle{enc: enc}
		c.handles[model] = h
		c.created++
	}
	h.uses++
	return h.enc, nil
}

// Count returns the number of tokens text occupies for model.
func (c *Cache) Count(model, text string) (int, error) {
	enc, err := c.acquire(model)
	if err != nil {
		return 0, err
	}
	return enc.Count(text), nil
}

// Created reports how many encoders the cache has built.
func (c *Cache) Created() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created
}
