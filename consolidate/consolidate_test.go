package consolidate

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmem/mnemo/provider/embed/mock"
	"github.com/openmem/mnemo/provider/providertest"
	"github.com/openmem/mnemo/record"
	"github.com/openmem/mnemo/store"
	"github.com/openmem/mnemo/store/chromem"
)

var baseTime = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

// vecAt returns a unit vector whose cosine similarity to vecAt(0) is
// cos(theta), letting tests pin pair similarity exactly.
func vecAt(theta float64) []float32 {
	return []float32{float32(math.Cos(theta)), float32(math.Sin(theta)), 0, 0}
}

func vecWithSimilarity(s float64) []float32 {
	return vecAt(math.Acos(s))
}

func episodicRec(owner, conv, subject, text string, at time.Time, vec []float32) *record.Record {
	r := record.NewEpisodic(owner, conv, subject, "situation of "+text, "event of "+text, text, at)
	r.Embedding = vec
	return r
}

// scriptedLLM answers each instruction family with a canned reply.
func scriptedLLM(sameEvent bool, extractFact string) *providertest.LLM {
	return &providertest.LLM{
		Script: func(instructions, input string) (string, error) {
			switch {
			case strings.Contains(instructions, "same real-world event"):
				raw, _ := json.Marshal(map[string]any{"same_event": sameEvent, "reason": "scripted"})
				return string(raw), nil
			case strings.Contains(instructions, "combine two memories"):
				return `{"text":"merged account","situation":"merged situation","event":"merged event"}`, nil
			case strings.Contains(instructions, "rewrite two distinct"):
				return `{"first":{"text":"first, sharpened","situation":"","event":""},"second":{"text":"second, sharpened","situation":"","event":""}}`, nil
			case strings.Contains(instructions, "stable, long-term fact"):
				if extractFact == "" {
					return `{"extract":false,"fact":"","reason":"nothing stable"}`, nil
				}
				raw, _ := json.Marshal(map[string]any{"extract": true, "fact": extractFact, "reason": "scripted"})
				return string(raw), nil
			}
			return "", nil
		},
	}
}

func newEngine(s *chromem.Store, llm *providertest.LLM) *Engine {
	return New(s, mock.New(4), llm, WithClock(func() time.Time { return baseTime.Add(24 * time.Hour) }))
}

func TestMergeSameConversationWithinWindow(t *testing.T) {
	s := chromem.New()
	ctx := context.Background()

	a := episodicRec("alice", "conv-1", "user", "took the dog to the vet", baseTime, vecWithSimilarity(1))
	b := episodicRec("alice", "conv-1", "user", "dog got its shots at the vet", baseTime.Add(10*time.Minute), vecWithSimilarity(0.9))
	a.UsageCount, b.UsageCount = 2, 3
	a.Attributes["source"] = "import"
	a.Attributes["mood"] = "worried"
	b.Attributes["mood"] = "relieved"
	require.NoError(t, s.Insert(ctx, a, b))

	e := newEngine(s, scriptedLLM(false, ""))
	summary, err := e.Run(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Merged)
	assert.Zero(t, summary.Separated)

	recs, err := s.Query(ctx, "alice", store.NewFilter().Kind(record.KindEpisodic), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1, "merge reduces episodic count by exactly one")

	merged := recs[0]
	assert.Equal(t, "merged account", merged.Text)
	assert.Equal(t, a.CreatedAt, merged.CreatedAt, "merge keeps the earlier event time")
	assert.Equal(t, []string{"conv-1"}, merged.MergedConversations())
	assert.ElementsMatch(t, []string{a.ID, b.ID}, merged.MergedIDs())
	assert.EqualValues(t, 5, merged.UsageCount)
	assert.NotEmpty(t, merged.Embedding)
	assert.Equal(t, "import", merged.Attributes["source"], "extension attributes carry over")
	assert.Equal(t, "relieved", merged.Attributes["mood"], "newer record wins conflicting keys")
}

func TestSubjectMismatchNeverMerges(t *testing.T) {
	s := chromem.New()
	ctx := context.Background()

	a := episodicRec("alice", "conv-1", "user", "went to the concert", baseTime, vecWithSimilarity(1))
	b := episodicRec("alice", "conv-1", "sister", "went to the concert too", baseTime.Add(5*time.Minute), vecWithSimilarity(0.95))
	require.NoError(t, s.Insert(ctx, a, b))

	summary, err := newEngine(s, scriptedLLM(true, "")).Run(ctx, "alice")
	require.NoError(t, err)

	assert.Zero(t, summary.Merged)
	assert.Equal(t, 1, summary.Separated, "high-similarity pair falls through to separate")

	n, err := s.Count(ctx, "alice", store.NewFilter().Kind(record.KindEpisodic))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSameConversationOutsideWindowRefusesMerge(t *testing.T) {
	s := chromem.New()
	ctx := context.Background()

	a := episodicRec("alice", "conv-1", "user", "morning run", baseTime, vecWithSimilarity(1))
	b := episodicRec("alice", "conv-1", "user", "evening run", baseTime.Add(2*time.Hour), vecWithSimilarity(0.92))
	require.NoError(t, s.Insert(ctx, a, b))

	summary, err := newEngine(s, scriptedLLM(true, "")).Run(ctx, "alice")
	require.NoError(t, err)

	assert.Zero(t, summary.Merged)
	assert.Equal(t, 1, summary.Separated)
}

func TestCrossConversationMergeNeedsConfirmation(t *testing.T) {
	ctx := context.Background()

	build := func() *chromem.Store {
		s := chromem.New()
		a := episodicRec("alice", "conv-1", "user", "booked the trip to Lisbon", baseTime, vecWithSimilarity(1))
		b := episodicRec("alice", "conv-2", "user", "the Lisbon trip is booked", baseTime.Add(24*time.Hour), vecWithSimilarity(0.9))
		require.NoError(t, s.Insert(ctx, a, b))
		return s
	}

	s := build()
	summary, err := newEngine(s, scriptedLLM(false, "")).Run(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, summary.Merged, "unconfirmed cross-conversation pair must not merge")
	assert.Equal(t, 1, summary.Separated)

	s = build()
	summary, err = newEngine(s, scriptedLLM(true, "")).Run(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Merged)

	recs, err := s.Query(ctx, "alice", store.NewFilter().Kind(record.KindEpisodic), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.ElementsMatch(t, []string{"conv-1", "conv-2"}, recs[0].MergedConversations())
}

func TestSeparateBandRewritesBoth(t *testing.T) {
	s := chromem.New()
	ctx := context.Background()

	a := episodicRec("alice", "conv-1", "user", "coffee with Ana", baseTime, vecWithSimilarity(1))
	b := episodicRec("alice", "conv-2", "user", "coffee with Maria", baseTime.Add(48*time.Hour), vecWithSimilarity(0.70))
	require.NoError(t, s.Insert(ctx, a, b))

	summary, err := newEngine(s, scriptedLLM(false, "")).Run(ctx, "alice")
	require.NoError(t, err)

	assert.Zero(t, summary.Merged)
	assert.Equal(t, 1, summary.Separated)

	gotA, err := s.Get(ctx, "alice", a.ID)
	require.NoError(t, err)
	gotB, err := s.Get(ctx, "alice", b.ID)
	require.NoError(t, err)

	assert.Equal(t, "first, sharpened", gotA.Text)
	assert.Equal(t, "second, sharpened", gotB.Text)
	assert.NotEqual(t, []float32(vecWithSimilarity(1)), gotA.Embedding, "separation re-embeds")
	assert.NotEqual(t, []float32(vecWithSimilarity(0.70)), gotB.Embedding)
}

func TestLowSimilarityPairsAreSkipped(t *testing.T) {
	s := chromem.New()
	ctx := context.Background()

	a := episodicRec("alice", "conv-1", "user", "learned to ski", baseTime, vecWithSimilarity(1))
	b := episodicRec("alice", "conv-2", "user", "filed the taxes", baseTime.Add(time.Hour), vecWithSimilarity(0.3))
	require.NoError(t, s.Insert(ctx, a, b))

	summary, err := newEngine(s, scriptedLLM(true, "")).Run(ctx, "alice")
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Examined)
	assert.Zero(t, summary.Merged)
	assert.Zero(t, summary.Separated)
}

func TestExtractionPromotesStableFactOnce(t *testing.T) {
	s := chromem.New()
	ctx := context.Background()

	a := episodicRec("alice", "conv-1", "user", "mentioned working as a nurse again", baseTime, vecWithSimilarity(1))
	require.NoError(t, s.Insert(ctx, a))

	llm := scriptedLLM(false, "Alice works as a nurse.")
	summary, err := newEngine(s, llm).Run(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Promoted)

	facts, err := s.Query(ctx, "alice", store.NewFilter().Kind(record.KindSemantic), 0)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "Alice works as a nurse.", facts[0].Text)
	assert.Equal(t, "conv-1", facts[0].Attributes.String(record.AttrSourceConversationID))

	episodicLeft, err := s.Count(ctx, "alice", store.NewFilter().Kind(record.KindEpisodic))
	require.NoError(t, err)
	assert.Equal(t, 1, episodicLeft, "extraction never deletes the source record")

	// A second run proposes the identical fact and must be deduplicated.
	summary, err = newEngine(s, llm).Run(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, summary.Promoted)

	n, err := s.Count(ctx, "alice", store.NewFilter().Kind(record.KindSemantic))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMalformedExtractionReplyDefaultsToNoPromotion(t *testing.T) {
	s := chromem.New()
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx,
		episodicRec("alice", "conv-1", "user", "said something", baseTime, vecWithSimilarity(1))))

	llm := &providertest.LLM{Script: func(instructions, input string) (string, error) {
		return "not json at all", nil
	}}
	summary, err := newEngine(s, llm).Run(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, summary.Promoted)
}

func TestRunRequiresOwner(t *testing.T) {
	_, err := newEngine(chromem.New(), scriptedLLM(false, "")).Run(context.Background(), "")
	assert.Error(t, err)
}
