// Package fewshot supplies (task, code) example pairs for code synthesis.
//
// Examples are JSON files holding a document and, optionally, a
// precomputed embedding of the task:
//
//	{"document": {"task": "...", "code": "..."}, "taskEmbedding": "<base64 float32 LE>"}
//
// Ranking is a black box behind the Ranker interface: EmbeddingRanker
// orders by cosine similarity, Static returns examples as loaded.
package fewshot

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"path"
	"sort"
	"strings"
	"sync"
)

// DefaultK is how many examples a prompt gets.
const DefaultK = 10

// Example is one task with the code that solved it.
type Example struct {
	Task      string    `json:"task"`
	Code      string    `json:"code"`
	Embedding []float32 `json:"-"`
}

type exampleFile struct {
	Document      Example `json:"document"`
	TaskEmbedding string  `json:"taskEmbedding,omitempty"`
}

// Ranker picks the examples most relevant to a task.
type Ranker interface {
	Rank(ctx context.Context, task string, k int) ([]Example, error)
}

// Load reads every *.json example in fsys, sorted by file name.
func Load(fsys fs.FS) ([]Example, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read examples: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	examples := make([]Example, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		var f exampleFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path.Base(name), err)
		}
		if f.Document.Task == "" || f.Document.Code == "" {
			return nil, fmt.Errorf("%s: task and code are required", name)
		}
		ex := f.Document
		if f.TaskEmbedding != "" {
			ex.Embedding, err = DecodeEmbedding(f.TaskEmbedding)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
		}
		examples = append(examples, ex)
	}
	return examples, nil
}

// DecodeEmbedding decodes a base64 little-endian float32 vector.
func DecodeEmbedding(b64 string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("decode embedding: %d bytes is not a float32 vector", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// EncodeEmbedding is the inverse of DecodeEmbedding.
func EncodeEmbedding(v []float32) string {
	raw := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(f))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// Static returns the first k examples in load order.
type Static []Example

// Rank implements Ranker.
func (s Static) Rank(_ context.Context, _ string, k int) ([]Example, error) {
	if k <= 0 || k > len(s) {
		k = len(s)
	}
	out := make([]Example, k)
	copy(out, s[:k])
	return out, nil
}

// EmbeddingRanker orders examples by similarity between their task and
// the query. Examples without a stored vector are embedded on first use.
type EmbeddingRanker struct {
	embedder Embedder
	logger   *slog.Logger

	mu       sync.Mutex
	examples []Example
	ready    bool
}

// NewEmbeddingRanker creates a ranker over examples.
func NewEmbeddingRanker(examples []Example, embedder Embedder, logger *slog.Logger) *EmbeddingRanker {
	if logger == nil {
		logger = slog.Default()
	}
	cp := make([]Example, len(examples))
	copy(cp, examples)
	return &EmbeddingRanker{
		embedder: embedder,
		logger:   logger.With("component", "fewshot"),
		examples: cp,
	}
}

func (r *EmbeddingRanker) prepare(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready {
		return nil
	}
	for i := range r.examples {
		if len(r.examples[i].Embedding) > 0 {
			continue
		}
		v, err := r.embedder.Embed(ctx, r.examples[i].Task)
		if err != nil {
			return fmt.Errorf("embed example %d: %w", i, err)
		}
		r.examples[i].Embedding = v
	}
	r.ready = true
	r.logger.Debug("example vectors ready", "count", len(r.examples))
	return nil
}

// Rank implements Ranker.
func (r *EmbeddingRanker) Rank(ctx context.Context, task string, k int) ([]Example, error) {
	if len(r.examples) == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = DefaultK
	}
	if err := r.prepare(ctx); err != nil {
		return nil, err
	}

	query, err := r.embedder.Embed(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	vectors := make([][]float32, len(r.examples))
	for i, ex := range r.examples {
		vectors[i] = ex.Embedding
	}
	idx := TopK(query, vectors, k)

	out := make([]Example, len(idx))
	for i, j := range idx {
		out[i] = r.examples[j]
	}
	return out, nil
}
