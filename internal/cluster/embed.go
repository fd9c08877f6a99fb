package cluster

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/linnemanlabs/sift/internal/finding"
)

// Embedder produces one fixed-dimension vector per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingDims is the vector width of text-embedding-3-small, used to
// size the zero-vector substitute when a provider batch fails.
const EmbeddingDims = 1536

const (
	embedBatchSize = 100
	snippetLimit   = 500
)

// BuildEmbeddingInput renders the finding fields the embedding model
// sees. Identical findings produce identical text, which keeps the
// content-hash cache key stable across runs.
func BuildEmbeddingInput(f *finding.Finding) string {
	ext := "unknown"
	if i := strings.LastIndex(f.FilePath, "."); i >= 0 {
		ext = f.FilePath[i+1:]
	}

	parts := []string{
		"Rule: " + f.RuleID,
		"File type: " + ext,
		"Description: " + f.Message,
	}
	if f.Snippet != "" {
		snippet := f.Snippet
		if len(snippet) > snippetLimit {
			snippet = snippet[:snippetLimit]
		}
		parts = append(parts, "Code: "+snippet)
	}
	return strings.Join(parts, "\n")
}

// CacheKey addresses the embedding cache by content.
func CacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// embed resolves one vector per input, consulting the cache first and
// batching the misses through the provider. A failed provider batch
// degrades to zero vectors so one bad batch cannot sink the whole run;
// zero vectors are skipped by the clustering step. Returns the vectors
// and the cache hit count.
func (e *Engine) embed(ctx context.Context, inputs []string) ([][]float32, int, error) {
	keys := make([]string, len(inputs))
	for i, in := range inputs {
		keys[i] = CacheKey(in)
	}

	cached, err := e.store.GetCachedEmbeddings(ctx, keys)
	if err != nil {
		return nil, 0, fmt.Errorf("embedding cache get: %w", err)
	}

	vectors := make([][]float32, len(inputs))
	var missing []int
	hits := 0
	for i, k := range keys {
		if v, ok := cached[k]; ok {
			vectors[i] = v
			hits++
			continue
		}
		missing = append(missing, i)
	}

	for start := 0; start < len(missing); start += embedBatchSize {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		batch := missing[start:min(start+embedBatchSize, len(missing))]

		texts := make([]string, len(batch))
		for bi, i := range batch {
			texts[bi] = inputs[i]
		}

		out, err := e.embedder.Embed(ctx, texts)
		if err != nil {
			e.logger.Error(ctx, err, "embedding batch failed, substituting zero vectors",
				"batch_size", len(batch),
			)
			for _, i := range batch {
				vectors[i] = make([]float32, EmbeddingDims)
			}
			continue
		}

		put := make(map[string][]float32, len(batch))
		for bi, i := range batch {
			vectors[i] = out[bi]
			put[keys[i]] = out[bi]
		}
		if err := e.store.PutCachedEmbeddings(ctx, put); err != nil {
			e.logger.Warn(ctx, "embedding cache put failed", "error", err)
		}
	}
	return vectors, hits, nil
}
