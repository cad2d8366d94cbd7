package reconsolidate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmem/mnemo/provider/embed/mock"
	"github.com/openmem/mnemo/provider/providertest"
	"github.com/openmem/mnemo/record"
	"github.com/openmem/mnemo/store/chromem"
)

var fixedNow = time.Date(2025, 7, 1, 16, 0, 0, 0, time.UTC)

func seed(t *testing.T, s *chromem.Store) *record.Record {
	t.Helper()
	rec := record.NewEpisodic("alice", "conv-1", "user",
		"planning a vet visit", "booked an appointment", "Booked a vet appointment for Tuesday.",
		fixedNow.Add(-72*time.Hour))
	vecs, err := mock.New(8).Embed(context.Background(), []string{rec.Text})
	require.NoError(t, err)
	rec.Embedding = vecs[0]
	require.NoError(t, s.Insert(context.Background(), rec))
	return rec
}

func newUpdater(s *chromem.Store, llm *providertest.LLM) *Updater {
	return New(s, mock.New(8), llm, WithClock(func() time.Time { return fixedNow }))
}

func TestUpdatePreservesIdentityFields(t *testing.T) {
	s := chromem.New()
	rec := seed(t, s)

	llm := &providertest.LLM{Queue: []string{
		`{"text":"Booked a vet appointment for Tuesday; the visit went fine.","situation":"after the vet visit","event":"appointment completed","change":"added the visit outcome"}`,
	}}
	ctx := context.Background()

	updated, err := newUpdater(s, llm).Update(ctx, rec, "The vet visit went fine.")
	require.NoError(t, err)

	assert.Equal(t, rec.CreatedAt, updated.CreatedAt)
	assert.Equal(t, rec.ConversationID, updated.ConversationID)
	assert.Equal(t, rec.Subject, updated.Subject)
	assert.Equal(t, rec.Attributes.String(record.AttrSubject), updated.Attributes.String(record.AttrSubject))
	assert.Equal(t, "Booked a vet appointment for Tuesday; the visit went fine.", updated.Text)
	assert.Equal(t, "after the vet visit", updated.Attributes.String(record.AttrSituation))
	assert.NotEqual(t, rec.Embedding, updated.Embedding, "embedding regenerated from new text")

	stored, err := s.Get(ctx, "alice", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.Text, stored.Text)
}

func TestUpdateLogGrowsByExactlyOne(t *testing.T) {
	s := chromem.New()
	rec := seed(t, s)

	llm := &providertest.LLM{Queue: []string{
		`{"text":"updated once","situation":"","event":"","change":"first update"}`,
		`{"text":"updated twice","situation":"","event":"","change":"second update"}`,
	}}
	u := newUpdater(s, llm)
	ctx := context.Background()

	first, err := u.Update(ctx, rec, "new detail")
	require.NoError(t, err)
	require.Len(t, first.UpdateLog(), 1)
	assert.Equal(t, "first update", first.UpdateLog()[0].Description)

	second, err := u.Update(ctx, first, "another detail")
	require.NoError(t, err)
	require.Len(t, second.UpdateLog(), 2)
	assert.Equal(t, "second update", second.UpdateLog()[1].Description)
	assert.Equal(t, fixedNow.UTC().Format(time.RFC3339), second.UpdateLog()[0].Time)
}

func TestEmptySynthesisFailsClosed(t *testing.T) {
	s := chromem.New()
	rec := seed(t, s)

	// Malformed reply falls back to the empty default, which must reject.
	llm := &providertest.LLM{Queue: []string{"not json"}}
	_, err := newUpdater(s, llm).Update(context.Background(), rec, "new detail")
	assert.ErrorIs(t, err, ErrEmptySynthesis)

	stored, err := s.Get(context.Background(), "alice", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Text, stored.Text, "original left untouched")
	assert.Empty(t, stored.UpdateLog())
}

func TestRejectsSemanticRecords(t *testing.T) {
	s := chromem.New()
	sem := record.NewSemantic("alice", "conv-1", "Alice has a dog.", fixedNow)

	_, err := newUpdater(s, &providertest.LLM{}).Update(context.Background(), sem, "ctx")
	assert.ErrorIs(t, err, record.ErrKindMismatch)
}

func TestRejectsMissingInput(t *testing.T) {
	u := newUpdater(chromem.New(), &providertest.LLM{})

	_, err := u.Update(context.Background(), nil, "ctx")
	assert.Error(t, err)

	rec := record.NewEpisodic("alice", "conv-1", "user", "s", "e", "text", fixedNow)
	_, err = u.Update(context.Background(), rec, "")
	assert.Error(t, err)
}
