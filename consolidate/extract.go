package consolidate

import (
	"context"
	"fmt"
	"time"

	"github.com/openmem/mnemo/record"
	"github.com/openmem/mnemo/store"
)

type extraction struct {
	Extract bool   `json:"extract"`
	Fact    string `json:"fact"`
	Reason  string `json:"reason"`
}

// extract offers every surviving episodic record for promotion to a
// semantic fact. The model gate is conservative and malformed replies
// default to no extraction. Source records are never deleted.
func (e *Engine) extract(ctx context.Context, owner string, consumed map[string]bool) (int, error) {
	episodic, err := e.store.Query(ctx, owner, store.NewFilter().Kind(record.KindEpisodic), 0)
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, rec := range episodic {
		if consumed[rec.ID] {
			continue
		}

		var result extraction
		input := fmt.Sprintf("%s\nusage_count: %d\nheavily_used: %t",
			describeRecord(rec), rec.UsageCount, rec.UsageCount > e.cfg.PromotionUsageThreshold)
		if err := e.llm.CompleteJSON(ctx, extractInstructions, input, &result, extraction{Extract: false}); err != nil {
			return promoted, err
		}
		if !result.Extract || result.Fact == "" {
			continue
		}

		vecs, err := e.embedder.Embed(ctx, []string{result.Fact})
		if err != nil {
			return promoted, err
		}
		factVec := vecs[0]

		known, err := e.knownFact(ctx, owner, factVec)
		if err != nil {
			return promoted, err
		}
		if known {
			e.log.Debug().Str("record", rec.ID).Msg("fact already known, skipping promotion")
			continue
		}

		sem := record.NewSemantic(owner, rec.ConversationID, result.Fact, time.Unix(rec.CreatedAt, 0).UTC())
		sem.Embedding = factVec
		if err := e.store.Insert(ctx, sem); err != nil {
			return promoted, err
		}
		promoted++
		e.log.Info().Str("owner", owner).Str("from", rec.ID).Str("fact", sem.ID).Msg("semantic fact promoted")
	}
	return promoted, nil
}

// knownFact reports whether an equivalent semantic record already exists.
func (e *Engine) knownFact(ctx context.Context, owner string, factVec []float32) (bool, error) {
	hits, err := e.store.SearchVector(ctx, owner, factVec, record.KindSemantic, 1)
	if err != nil {
		return false, err
	}
	return len(hits) > 0 && hits[0].Similarity >= e.cfg.DedupeThreshold, nil
}
