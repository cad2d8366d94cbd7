package rank

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmem/mnemo/provider/embed/mock"
	"github.com/openmem/mnemo/record"
	"github.com/openmem/mnemo/store/chromem"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newRanker(t *testing.T) (*Ranker, *chromem.Store) {
	t.Helper()
	s := chromem.New()
	return New(s, WithClock(func() time.Time { return fixedNow })), s
}

func embed(t *testing.T, text string) []float32 {
	t.Helper()
	vecs, err := mock.New(32).Embed(context.Background(), []string{text})
	require.NoError(t, err)
	return vecs[0]
}

func TestScoreMonotonicInSimilarity(t *testing.T) {
	r := New(nil)
	rec := record.NewEpisodic("o", "c", "user", "s", "e", "text", fixedNow.Add(-48*time.Hour))

	low := r.Score(rec, 0.5, fixedNow)
	high := r.Score(rec, 0.9, fixedNow)
	assert.Greater(t, high, low)
}

func TestScoreMonotonicInUsage(t *testing.T) {
	r := New(nil)
	rec := record.NewEpisodic("o", "c", "user", "s", "e", "text", fixedNow)

	base := r.Score(rec, 0.8, fixedNow)
	rec.UsageCount = 10
	boosted := r.Score(rec, 0.8, fixedNow)
	assert.Greater(t, boosted, base)
}

func TestScoreDecaysEpisodicWithAge(t *testing.T) {
	r := New(nil)
	fresh := record.NewEpisodic("o", "c", "user", "s", "e", "text", fixedNow)
	stale := record.NewEpisodic("o", "c", "user", "s", "e", "text", fixedNow.AddDate(0, 0, -30))

	assert.Greater(t, r.Score(fresh, 0.8, fixedNow), r.Score(stale, 0.8, fixedNow))
}

func TestScoreSemanticIgnoresAgeAndOutweighsEpisodic(t *testing.T) {
	r := New(nil)
	oldFact := record.NewSemantic("o", "c", "fact", fixedNow.AddDate(-1, 0, 0))
	newFact := record.NewSemantic("o", "c", "fact", fixedNow)
	assert.Equal(t, r.Score(oldFact, 0.8, fixedNow), r.Score(newFact, 0.8, fixedNow))

	event := record.NewEpisodic("o", "c", "user", "s", "e", "text", fixedNow)
	assert.Greater(t, r.Score(newFact, 0.8, fixedNow), r.Score(event, 0.8, fixedNow))
}

func TestSearchRespectsPerKindCaps(t *testing.T) {
	r, s := newRanker(t)
	ctx := context.Background()

	for i, text := range []string{"walk one", "walk two", "walk three"} {
		rec := record.NewEpisodic("alice", "conv-1", "user", "s", "e", text, fixedNow.Add(-time.Duration(i)*time.Hour))
		rec.Embedding = embed(t, text)
		require.NoError(t, s.Insert(ctx, rec))
	}
	for _, fact := range []string{"fact one", "fact two"} {
		rec := record.NewSemantic("alice", "conv-1", fact, fixedNow)
		rec.Embedding = embed(t, fact)
		require.NoError(t, s.Insert(ctx, rec))
	}

	got, err := r.Search(ctx, "alice", embed(t, "walk one"), 2, 1)
	require.NoError(t, err)

	episodic, semantic := 0, 0
	for _, sc := range got {
		switch sc.Kind {
		case record.KindEpisodic:
			episodic++
		case record.KindSemantic:
			semantic++
		}
	}
	assert.LessOrEqual(t, episodic, 2)
	assert.LessOrEqual(t, semantic, 1)
	assert.Len(t, got, 3)
}

func TestSearchOrdersByScoreThenID(t *testing.T) {
	r, s := newRanker(t)
	ctx := context.Background()

	rec := record.NewEpisodic("alice", "conv-1", "user", "s", "e", "dog at the vet", fixedNow)
	rec.Embedding = embed(t, "dog at the vet")
	require.NoError(t, s.Insert(ctx, rec))

	other := record.NewEpisodic("alice", "conv-1", "user", "s", "e", "totally unrelated tax forms", fixedNow)
	other.Embedding = embed(t, "totally unrelated tax forms")
	require.NoError(t, s.Insert(ctx, other))

	got, err := r.Search(ctx, "alice", embed(t, "dog at the vet"), 5, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, rec.ID, got[0].ID, "exact match ranks first")
	for i := 1; i < len(got); i++ {
		if got[i-1].Score == got[i].Score {
			assert.Less(t, got[i-1].ID, got[i].ID)
		} else {
			assert.Greater(t, got[i-1].Score, got[i].Score)
		}
	}
}

func TestSearchZeroCaps(t *testing.T) {
	r, _ := newRanker(t)
	got, err := r.Search(context.Background(), "alice", embed(t, "q"), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}
