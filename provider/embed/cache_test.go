package embed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmem/mnemo/provider/embed/mock"
)

type countingEmbedder struct {
	inner *mock.Embedder
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.calls += len(texts)
	return c.inner.Embed(ctx, texts)
}

func (c *countingEmbedder) Dimensions() int { return c.inner.Dimensions() }

func TestCachedEmbedderAvoidsRepeatCalls(t *testing.T) {
	counting := &countingEmbedder{inner: mock.New(16)}
	cached, err := NewCached(counting, 100)
	require.NoError(t, err)
	defer cached.Close()

	ctx := context.Background()
	first, err := cached.Embed(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, 2, counting.calls)
	cached.Wait()

	second, err := cached.Embed(ctx, []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)
	require.Len(t, second, 3)
	assert.Equal(t, 3, counting.calls, "only the new text should hit the provider")
	assert.Equal(t, first[0], second[0])
	assert.Equal(t, first[1], second[1])
}

func TestCachedEmbedderPreservesOrder(t *testing.T) {
	counting := &countingEmbedder{inner: mock.New(16)}
	cached, err := NewCached(counting, 100)
	require.NoError(t, err)
	defer cached.Close()

	ctx := context.Background()
	_, err = cached.Embed(ctx, []string{"b"})
	require.NoError(t, err)
	cached.Wait()

	got, err := cached.Embed(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)

	direct, err := mock.New(16).Embed(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, direct, got)
}
