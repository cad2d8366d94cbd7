// Package reconsolidate rewrites an episodic record in place after it has
// been retrieved, folding new conversational context into its content while
// preserving the fields that anchor the record's identity.
package reconsolidate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openmem/mnemo/provider"
	"github.com/openmem/mnemo/record"
	"github.com/openmem/mnemo/store"
)

// ErrEmptySynthesis marks an update that was rejected because the rewrite
// produced no usable text. The stored record is untouched.
var ErrEmptySynthesis = errors.New("synthesis produced empty text")

const instructions = `You update a memory with new context from a later conversation.

Write one chronological account: what the memory already records, extended with what the new context adds or corrects. Keep every prior concrete detail unless the new context explicitly corrects it. Also describe, in one sentence, what changed.

Reply as {"text": string, "situation": string, "event": string, "change": string}.`

// Updater performs field-preserving rewrites.
type Updater struct {
	store    store.Store
	embedder provider.Embedder
	llm      provider.LLM
	log      zerolog.Logger
	now      func() time.Time
}

// Option configures the updater.
type Option func(*Updater)

// WithLogger sets the structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(u *Updater) {
		u.log = log
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(u *Updater) {
		u.now = now
	}
}

// New creates an updater.
func New(s store.Store, embedder provider.Embedder, llm provider.LLM, opts ...Option) *Updater {
	u := &Updater{
		store:    s,
		embedder: embedder,
		llm:      llm,
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

type synthesis struct {
	Text      string `json:"text"`
	Situation string `json:"situation"`
	Event     string `json:"event"`
	Change    string `json:"change"`
}

// Update rewrites the record's content from old text plus new context. The
// record's created_at, conversation_id and subject are preserved exactly,
// the update log grows by one entry, and the embedding is regenerated from
// the new text. Fails closed: any failure leaves the stored record as it
// was.
func (u *Updater) Update(ctx context.Context, rec *record.Record, contextText string) (*record.Record, error) {
	if rec == nil || rec.ID == "" {
		return nil, fmt.Errorf("reconsolidate: record is required")
	}
	if rec.Kind != record.KindEpisodic {
		return nil, fmt.Errorf("reconsolidate %s: %w", rec.ID, record.ErrKindMismatch)
	}
	if contextText == "" {
		return nil, fmt.Errorf("reconsolidate %s: context text is required", rec.ID)
	}

	var synth synthesis
	input := fmt.Sprintf("Existing memory:\ntext: %s\nsituation: %s\nevent: %s\n\nNew context:\n%s",
		rec.Text,
		rec.Attributes.String(record.AttrSituation),
		rec.Attributes.String(record.AttrEvent),
		contextText,
	)
	if err := u.llm.CompleteJSON(ctx, instructions, input, &synth, synthesis{}); err != nil {
		return nil, err
	}
	if synth.Text == "" {
		u.log.Warn().Str("record", rec.ID).Msg("rewrite rejected, keeping original")
		return nil, fmt.Errorf("reconsolidate %s: %w", rec.ID, ErrEmptySynthesis)
	}

	vecs, err := u.embedder.Embed(ctx, []string{synth.Text})
	if err != nil {
		return nil, err
	}

	updated := rec.Clone()
	updated.Text = synth.Text
	updated.Embedding = vecs[0]
	if synth.Situation != "" {
		updated.Attributes[record.AttrSituation] = synth.Situation
	}
	if synth.Event != "" {
		updated.Attributes[record.AttrEvent] = synth.Event
	}
	change := synth.Change
	if change == "" {
		change = "memory updated with new context"
	}
	updated.AppendUpdate(u.now(), change)

	if err := u.store.Update(ctx, updated); err != nil {
		return nil, err
	}

	u.log.Info().Str("record", rec.ID).Str("change", change).Msg("record reconsolidated")
	return updated, nil
}
