// Package embed holds embedder middleware shared by the concrete embedder
// implementations in subpackages.
package embed

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/dgraph-io/ristretto"

	"github.com/openmem/mnemo/provider"
)

// Cached wraps an Embedder with an in-process vector cache. Consolidation
// and reconsolidation re-embed the same texts repeatedly; caching keeps
// those passes from paying for duplicate provider calls.
type Cached struct {
	inner provider.Embedder
	cache *ristretto.Cache
}

// NewCached builds a caching wrapper sized to roughly maxVectors entries.
func NewCached(inner provider.Embedder, maxVectors int64) (*Cached, error) {
	if maxVectors <= 0 {
		maxVectors = 10_000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxVectors * 10,
		MaxCost:     maxVectors,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache}, nil
}

// Embed returns cached vectors where possible and embeds only the misses.
func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missTexts []string
	var missIdx []int

	for i, text := range texts {
		if v, ok := c.cache.Get(cacheKey(text)); ok {
			if vec, ok := v.([]float32); ok && len(vec) == c.inner.Dimensions() {
				out[i] = vec
				continue
			}
		}
		missTexts = append(missTexts, text)
		missIdx = append(missIdx, i)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.inner.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(missTexts))
	}
	for j, vec := range vecs {
		out[missIdx[j]] = vec
		c.cache.Set(cacheKey(missTexts[j]), vec, 1)
	}
	return out, nil
}

// Dimensions reports the wrapped embedder's vector size.
func (c *Cached) Dimensions() int {
	return c.inner.Dimensions()
}

// Wait blocks until buffered cache writes are applied. Tests use it to make
// hit assertions deterministic.
func (c *Cached) Wait() {
	c.cache.Wait()
}

// Close releases the cache.
func (c *Cached) Close() {
	c.cache.Close()
}

func cacheKey(text string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(text))
	return h.Sum64()
}
