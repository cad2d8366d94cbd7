package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openmem/mnemo/fanout"
	"github.com/openmem/mnemo/reconsolidate"
	"github.com/openmem/mnemo/record"
	"github.com/openmem/mnemo/store"
)

// SearchResult carries the ranked records plus the handle for the
// background work the retrieval triggered.
type SearchResult struct {
	Records  []record.Scored
	Dispatch *fanout.Dispatch
}

// Search ranks the owner's records against the query, bumps the usage count
// of every returned record exactly once, and hands the turn outcome to the
// background consumers. The returned dispatch handle lets the caller wait
// for or inspect that work.
func (m *Memory) Search(ctx context.Context, query, owner string, kEpisodic, kSemantic int) (*SearchResult, error) {
	if owner == "" {
		return nil, fmt.Errorf("search: owner is required: %w", ErrInvalidRequest)
	}
	if query == "" {
		return nil, fmt.Errorf("search: query is required: %w", ErrInvalidRequest)
	}

	vecs, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	ranked, err := m.ranker.Search(ctx, owner, vecs[0], kEpisodic, kSemantic)
	if err != nil {
		return nil, err
	}

	// One increment per returned record, keyed by id in case a record
	// surfaces in both kind buckets.
	bumped := make(map[string]bool, len(ranked))
	ids := make([]string, 0, len(ranked))
	for _, hit := range ranked {
		if bumped[hit.ID] {
			continue
		}
		bumped[hit.ID] = true
		ids = append(ids, hit.ID)

		hit.UsageCount++
		if err := m.store.Update(ctx, hit.Record); err != nil {
			return nil, fmt.Errorf("search: bump usage of %s: %w", hit.ID, err)
		}
	}

	d := m.fan.Dispatch(ctx, fanout.Outcome{
		OwnerID:      owner,
		Query:        query,
		RetrievedIDs: ids,
	})
	m.log.Debug().Str("owner", owner).Int("returned", len(ranked)).Msg("search dispatched")
	return &SearchResult{Records: ranked, Dispatch: d}, nil
}

// reconsolidateRetrieved folds the query context into the retrieved
// episodic records the turn actually drew on, then threads each of them
// into its narrative group. A rejected synthesis skips the rewrite but
// not the threading.
func (m *Memory) reconsolidateRetrieved(ctx context.Context, o fanout.Outcome) error {
	used, err := m.judgeUsed(ctx, o)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range used {
		if err := m.reconsolidateOne(ctx, o, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Memory) reconsolidateOne(ctx context.Context, o fanout.Outcome, id string) error {
	unlock := m.lockRecord(id)
	defer unlock()

	rec, err := m.store.Get(ctx, o.OwnerID, id)
	if errors.Is(err, store.ErrNotFound) {
		// Deleted since the judge ran.
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Kind != record.KindEpisodic {
		return nil
	}
	updated, err := m.updater.Update(ctx, rec, o.Query)
	switch {
	case errors.Is(err, reconsolidate.ErrEmptySynthesis):
		updated = rec
	case err != nil:
		return err
	}
	_, err = m.grouper.Assign(ctx, updated)
	return err
}

// judgeUsed asks the model which retrieved episodic records the turn
// actually used, so only those are rewritten. The default for a malformed
// or empty reply is none: a degraded model stops rewrites rather than
// rewriting everything.
func (m *Memory) judgeUsed(ctx context.Context, o fanout.Outcome) ([]string, error) {
	known := make(map[string]bool, len(o.RetrievedIDs))
	var b strings.Builder
	fmt.Fprintf(&b, "Query:\n%s\n", o.Query)
	if o.Reply != "" {
		fmt.Fprintf(&b, "\nReply:\n%s\n", o.Reply)
	}
	b.WriteString("\nRetrieved memories:\n")
	for _, id := range o.RetrievedIDs {
		rec, err := m.store.Get(ctx, o.OwnerID, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if rec.Kind != record.KindEpisodic {
			continue
		}
		known[rec.ID] = true
		fmt.Fprintf(&b, "- id: %s\n  text: %s\n", rec.ID, rec.Text)
	}
	if len(known) == 0 {
		return nil, nil
	}

	var verdict usageVerdict
	if err := m.llm.CompleteJSON(ctx, usageJudgeInstructions, b.String(), &verdict, usageVerdict{}); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(verdict.UsedIDs))
	used := make([]string, 0, len(verdict.UsedIDs))
	for _, id := range verdict.UsedIDs {
		if known[id] && !seen[id] {
			seen[id] = true
			used = append(used, id)
		}
	}
	m.log.Debug().Int("retrieved", len(known)).Int("used", len(used)).Msg("usage judged")
	return used, nil
}

type usageVerdict struct {
	UsedIDs []string `json:"used_ids"`
}

// markPromotionCandidates flags heavily retrieved episodic records so the
// next consolidation pass considers them for semantic extraction.
func (m *Memory) markPromotionCandidates(ctx context.Context, o fanout.Outcome) error {
	var errs []error
	for _, id := range o.RetrievedIDs {
		if err := m.markOne(ctx, o.OwnerID, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Memory) markOne(ctx context.Context, owner, id string) error {
	unlock := m.lockRecord(id)
	defer unlock()

	rec, err := m.store.Get(ctx, owner, id)
	if err != nil {
		return err
	}
	if rec.Kind != record.KindEpisodic || rec.UsageCount <= m.promoteUsage {
		return nil
	}
	if v, ok := rec.Attributes[record.AttrPromotionCandidate].(bool); ok && v {
		return nil
	}
	rec.Attributes[record.AttrPromotionCandidate] = true
	if err := m.store.Update(ctx, rec); err != nil {
		return err
	}
	m.log.Debug().Str("record", rec.ID).Int64("usage", rec.UsageCount).
		Msg("marked as promotion candidate")
	return nil
}
