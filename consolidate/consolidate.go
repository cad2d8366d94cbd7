// Package consolidate implements the batch pass over an owner's episodic
// records. Every examined pair lands in exactly one action: merge when the
// records describe the same event, separate when they are similar enough to
// confuse retrieval, skip otherwise. Independently, each record is offered
// once per run for promotion to a semantic fact.
package consolidate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openmem/mnemo/provider"
	"github.com/openmem/mnemo/record"
	"github.com/openmem/mnemo/store"
)

// Config holds the consolidation thresholds and windows. Values are fixed
// at construction; components never read ambient configuration.
type Config struct {
	// MergeThreshold is the similarity at or above which a pair becomes
	// a merge candidate.
	MergeThreshold float64

	// SeparateThreshold is the similarity at or above which a
	// non-mergeable pair is rewritten apart.
	SeparateThreshold float64

	// SameConversationWindow bounds the event-time gap for merging two
	// records from the same conversation.
	SameConversationWindow time.Duration

	// CrossConversationWindow bounds the gap across conversations.
	// Cross-conversation merges additionally need model confirmation
	// that both records describe the same event.
	CrossConversationWindow time.Duration

	// Neighbors is how many similar records are examined per record.
	Neighbors int

	// PromotionUsageThreshold flags heavily retrieved records as
	// promotion candidates regardless of content class.
	PromotionUsageThreshold int64

	// DedupeThreshold is the similarity above which a candidate fact is
	// considered already known and not inserted.
	DedupeThreshold float64
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MergeThreshold:          0.85,
		SeparateThreshold:       0.65,
		SameConversationWindow:  30 * time.Minute,
		CrossConversationWindow: 7 * 24 * time.Hour,
		Neighbors:               3,
		PromotionUsageThreshold: 10,
		DedupeThreshold:         0.9,
	}
}

// Summary reports what one run did.
type Summary struct {
	Examined  int `json:"examined"`
	Merged    int `json:"merged"`
	Separated int `json:"separated"`
	Promoted  int `json:"promoted"`
}

// Engine runs consolidation for one owner at a time.
type Engine struct {
	store    store.Store
	embedder provider.Embedder
	llm      provider.LLM
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithConfig replaces the default thresholds.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

// WithLogger sets the structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates a consolidation engine.
func New(s store.Store, embedder provider.Embedder, llm provider.LLM, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		embedder: embedder,
		llm:      llm,
		cfg:      DefaultConfig(),
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run consolidates the owner's episodic set and returns a summary.
func (e *Engine) Run(ctx context.Context, owner string) (*Summary, error) {
	if owner == "" {
		return nil, fmt.Errorf("consolidate: owner is required")
	}

	episodic, err := e.store.Query(ctx, owner, store.NewFilter().Kind(record.KindEpisodic), 0)
	if err != nil {
		return nil, err
	}
	// Stable visit order keeps runs reproducible.
	sort.Slice(episodic, func(i, j int) bool {
		if episodic[i].CreatedAt != episodic[j].CreatedAt {
			return episodic[i].CreatedAt < episodic[j].CreatedAt
		}
		return episodic[i].ID < episodic[j].ID
	})

	summary := &Summary{}
	consumed := make(map[string]bool)
	seenPair := make(map[string]bool)

	for _, rec := range episodic {
		if consumed[rec.ID] {
			continue
		}
		summary.Examined++

		hits, err := e.store.SearchVector(ctx, owner, rec.Embedding, record.KindEpisodic, e.cfg.Neighbors+1)
		if err != nil {
			return nil, err
		}

		for _, hit := range hits {
			other := hit.Record
			if other.ID == rec.ID || consumed[rec.ID] || consumed[other.ID] {
				continue
			}
			key := pairKey(rec.ID, other.ID)
			if seenPair[key] {
				continue
			}
			seenPair[key] = true

			switch e.classify(ctx, rec, other, hit.Similarity) {
			case actionMerge:
				if err := e.merge(ctx, rec, other); err != nil {
					return summary, err
				}
				consumed[rec.ID] = true
				consumed[other.ID] = true
				summary.Merged++
			case actionSeparate:
				applied, err := e.separate(ctx, rec, other)
				if err != nil {
					return summary, err
				}
				if applied {
					summary.Separated++
				}
			}
			if consumed[rec.ID] {
				break
			}
		}
	}

	promoted, err := e.extract(ctx, owner, consumed)
	if err != nil {
		return summary, err
	}
	summary.Promoted = promoted

	e.log.Info().
		Str("owner", owner).
		Int("examined", summary.Examined).
		Int("merged", summary.Merged).
		Int("separated", summary.Separated).
		Int("promoted", summary.Promoted).
		Msg("consolidation run complete")
	return summary, nil
}

type action int

const (
	actionSkip action = iota
	actionMerge
	actionSeparate
)

// classify maps a pair to its terminal action. Failed merge constraints
// fall through to separate, never to skip: content this similar confuses
// retrieval if left alone.
func (e *Engine) classify(ctx context.Context, a, b *record.Record, similarity float64) action {
	if similarity >= e.cfg.MergeThreshold {
		if e.mergeAllowed(ctx, a, b) {
			return actionMerge
		}
		e.log.Debug().Str("a", a.ID).Str("b", b.ID).Msg("merge constraints failed, separating")
		return actionSeparate
	}
	if similarity >= e.cfg.SeparateThreshold {
		return actionSeparate
	}
	return actionSkip
}

func (e *Engine) mergeAllowed(ctx context.Context, a, b *record.Record) bool {
	if a.Subject != b.Subject {
		return false
	}

	gap := time.Duration(abs64(a.CreatedAt-b.CreatedAt)) * time.Second
	if a.ConversationID == b.ConversationID {
		return gap <= e.cfg.SameConversationWindow
	}
	if gap > e.cfg.CrossConversationWindow {
		return false
	}
	return e.confirmSameEvent(ctx, a, b)
}

// confirmSameEvent asks the model whether two cross-conversation records
// describe one event. Malformed replies default to no.
func (e *Engine) confirmSameEvent(ctx context.Context, a, b *record.Record) bool {
	var verdict struct {
		SameEvent bool   `json:"same_event"`
		Reason    string `json:"reason"`
	}
	input := fmt.Sprintf("Memory A:\n%s\n\nMemory B:\n%s", describeRecord(a), describeRecord(b))
	err := e.llm.CompleteJSON(ctx, sameEventInstructions, input, &verdict, struct {
		SameEvent bool   `json:"same_event"`
		Reason    string `json:"reason"`
	}{SameEvent: false, Reason: "default"})
	if err != nil {
		e.log.Warn().Err(err).Msg("same-event confirmation failed, refusing merge")
		return false
	}
	return verdict.SameEvent
}

type synthesis struct {
	Text      string `json:"text"`
	Situation string `json:"situation"`
	Event     string `json:"event"`
}

// merge combines two records into one. The replacement is inserted before
// the inputs are deleted so a mid-operation failure leaves an over-count,
// never a loss.
func (e *Engine) merge(ctx context.Context, a, b *record.Record) error {
	if b.CreatedAt < a.CreatedAt {
		a, b = b, a
	}

	fallback := synthesis{
		Text:      strings.TrimSpace(a.Text + " " + b.Text),
		Situation: a.Attributes.String(record.AttrSituation),
		Event:     strings.TrimSpace(a.Attributes.String(record.AttrEvent) + "; " + b.Attributes.String(record.AttrEvent)),
	}
	var synth synthesis
	input := fmt.Sprintf("Earlier memory:\n%s\n\nLater memory:\n%s", describeRecord(a), describeRecord(b))
	if err := e.llm.CompleteJSON(ctx, mergeInstructions, input, &synth, fallback); err != nil {
		return err
	}
	if synth.Text == "" {
		synth = fallback
	}

	merged := record.NewEpisodic(a.OwnerID, a.ConversationID, a.Subject,
		synth.Situation, synth.Event, synth.Text, time.Unix(a.CreatedAt, 0).UTC())
	merged.UsageCount = a.UsageCount + b.UsageCount
	carryExtensions(merged, a, b)
	merged.Attributes[record.AttrMergedConvs] = record.UnionStrings(
		record.UnionStrings(a.MergedConversations(), []string{a.ConversationID}),
		record.UnionStrings(b.MergedConversations(), []string{b.ConversationID}),
	)
	merged.Attributes[record.AttrMergedIDs] = record.UnionStrings(
		record.UnionStrings(a.MergedIDs(), b.MergedIDs()),
		[]string{a.ID, b.ID},
	)

	vecs, err := e.embedder.Embed(ctx, []string{merged.Text})
	if err != nil {
		return err
	}
	merged.Embedding = vecs[0]

	if err := e.store.Insert(ctx, merged); err != nil {
		return err
	}
	if err := e.store.Delete(ctx, a.OwnerID, a.ID, b.ID); err != nil {
		return fmt.Errorf("merge left stale inputs %s, %s: %w", a.ID, b.ID, err)
	}

	e.log.Info().Str("owner", a.OwnerID).Str("merged", merged.ID).
		Strs("from", []string{a.ID, b.ID}).Msg("records merged")
	return nil
}

type rewrite struct {
	Text      string `json:"text"`
	Situation string `json:"situation"`
	Event     string `json:"event"`
}

type separation struct {
	First  rewrite `json:"first"`
	Second rewrite `json:"second"`
}

// separate rewrites both records to sharpen what distinguishes them, then
// re-embeds both. Reports whether the rewrite was applied; a degraded
// model reply leaves both records untouched.
func (e *Engine) separate(ctx context.Context, a, b *record.Record) (bool, error) {
	var sep separation
	input := fmt.Sprintf("First memory:\n%s\n\nSecond memory:\n%s", describeRecord(a), describeRecord(b))
	if err := e.llm.CompleteJSON(ctx, separateInstructions, input, &sep, separation{}); err != nil {
		return false, err
	}
	if sep.First.Text == "" || sep.Second.Text == "" {
		e.log.Warn().Str("a", a.ID).Str("b", b.ID).Msg("separation rewrite unusable, leaving pair as is")
		return false, nil
	}

	vecs, err := e.embedder.Embed(ctx, []string{sep.First.Text, sep.Second.Text})
	if err != nil {
		return false, err
	}

	for i, target := range []*record.Record{a, b} {
		rw := sep.First
		if i == 1 {
			rw = sep.Second
		}
		updated := target.Clone()
		updated.Text = rw.Text
		updated.Embedding = vecs[i]
		if rw.Situation != "" {
			updated.Attributes[record.AttrSituation] = rw.Situation
		}
		if rw.Event != "" {
			updated.Attributes[record.AttrEvent] = rw.Event
		}
		if err := e.store.Update(ctx, updated); err != nil {
			return false, err
		}
		*target = *updated
	}

	e.log.Info().Str("a", a.ID).Str("b", b.ID).Msg("records separated")
	return true, nil
}

func describeRecord(r *record.Record) string {
	return fmt.Sprintf("text: %s\nsituation: %s\nevent: %s\nevent_time: %s\nconversation: %s",
		r.Text,
		r.Attributes.String(record.AttrSituation),
		r.Attributes.String(record.AttrEvent),
		r.Attributes.String(record.AttrEventTime),
		r.ConversationID,
	)
}

// carryExtensions copies extension attributes onto the merged record, older
// bag first so the newer record wins conflicting keys. Keys the constructor
// and merge bookkeeping own are left alone.
func carryExtensions(merged, older, newer *record.Record) {
	owned := map[string]bool{
		record.AttrSituation:      true,
		record.AttrEvent:          true,
		record.AttrEventTime:      true,
		record.AttrUpdateLog:      true,
		record.AttrMergedConvs:    true,
		record.AttrMergedIDs:      true,
		record.AttrConversationID: true,
		record.AttrSubject:        true,
	}
	for _, src := range []*record.Record{older, newer} {
		for k, v := range src.Attributes {
			if !owned[k] {
				merged.Attributes[k] = v
			}
		}
	}
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
