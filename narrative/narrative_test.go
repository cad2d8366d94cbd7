package narrative

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmem/mnemo/record"
	"github.com/openmem/mnemo/store/chromem"
)

var baseTime = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

// vecAt returns a unit vector whose cosine similarity to vecAt(0) is
// cos(theta), letting tests pin similarity exactly.
func vecAt(theta float64) []float32 {
	return []float32{float32(math.Cos(theta)), float32(math.Sin(theta)), 0, 0}
}

func vecWithSimilarity(s float64) []float32 {
	return vecAt(math.Acos(s))
}

func seed(t *testing.T, s *chromem.Store, owner, text string, vec []float32) *record.Record {
	t.Helper()
	r := record.NewEpisodic(owner, "conv-1", "user", "situation", "event", text, baseTime)
	r.Embedding = vec
	require.NoError(t, s.Insert(context.Background(), r))
	return r
}

func TestAssignFoundsGroupWhenNoneExists(t *testing.T) {
	s := chromem.New()
	g := New(s)
	ctx := context.Background()
	rec := seed(t, s, "alice", "took the dog to the vet", vecWithSimilarity(1))

	id, err := g.Assign(ctx, rec)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	stored, err := s.Get(ctx, "alice", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, id, stored.Attributes.String(record.AttrNarrativeGroup))
}

func TestAssignAttachesAboveThreshold(t *testing.T) {
	s := chromem.New()
	g := New(s)
	ctx := context.Background()

	first := seed(t, s, "alice", "took the dog to the vet", vecWithSimilarity(1))
	groupID, err := g.Assign(ctx, first)
	require.NoError(t, err)

	near := seed(t, s, "alice", "dog got its shots", vecWithSimilarity(0.9))
	got, err := g.Assign(ctx, near)
	require.NoError(t, err)
	assert.Equal(t, groupID, got, "similar record joins the existing thread")

	members, err := g.Members(ctx, "alice", groupID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestAssignFoundsNewGroupBelowThreshold(t *testing.T) {
	s := chromem.New()
	g := New(s)
	ctx := context.Background()

	first := seed(t, s, "alice", "took the dog to the vet", vecWithSimilarity(1))
	groupID, err := g.Assign(ctx, first)
	require.NoError(t, err)

	far := seed(t, s, "alice", "filed the taxes", vecWithSimilarity(0.3))
	got, err := g.Assign(ctx, far)
	require.NoError(t, err)
	assert.NotEqual(t, groupID, got, "dissimilar record starts its own thread")
}

func TestAssignKeepsExistingGroup(t *testing.T) {
	s := chromem.New()
	g := New(s)
	ctx := context.Background()
	rec := seed(t, s, "alice", "took the dog to the vet", vecWithSimilarity(1))

	id, err := g.Assign(ctx, rec)
	require.NoError(t, err)

	again, err := g.Assign(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestAssignCentroidTracksAllMembers(t *testing.T) {
	s := chromem.New()
	g := New(s, WithConfig(Config{Threshold: 0.95}))
	ctx := context.Background()

	// The second member pulls the centroid toward it, so a third record
	// attaches even though the founding member alone is below threshold
	// (cos 0.4 is about 0.92).
	a := seed(t, s, "alice", "first entry", vecAt(0))
	groupID, err := g.Assign(ctx, a)
	require.NoError(t, err)

	b := seed(t, s, "alice", "second entry", vecAt(0.3))
	got, err := g.Assign(ctx, b)
	require.NoError(t, err)
	require.Equal(t, groupID, got)

	mid := seed(t, s, "alice", "third entry", vecAt(0.4))
	got, err = g.Assign(ctx, mid)
	require.NoError(t, err)
	assert.Equal(t, groupID, got)
}

func TestAssignRejectsSemanticRecords(t *testing.T) {
	s := chromem.New()
	g := New(s)
	rec := record.NewSemantic("alice", "conv-1", "Alice has a dog.", baseTime)
	rec.Embedding = vecWithSimilarity(1)

	_, err := g.Assign(context.Background(), rec)
	assert.ErrorIs(t, err, record.ErrKindMismatch)
}

func TestMembersScopedToGroup(t *testing.T) {
	s := chromem.New()
	g := New(s)
	ctx := context.Background()

	a := seed(t, s, "alice", "took the dog to the vet", vecWithSimilarity(1))
	dogGroup, err := g.Assign(ctx, a)
	require.NoError(t, err)

	b := seed(t, s, "alice", "filed the taxes", vecWithSimilarity(0.3))
	taxGroup, err := g.Assign(ctx, b)
	require.NoError(t, err)
	require.NotEqual(t, dogGroup, taxGroup)

	members, err := g.Members(ctx, "alice", dogGroup)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, a.ID, members[0].ID)
}
