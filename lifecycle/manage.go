package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openmem/mnemo/record"
	"github.com/openmem/mnemo/store"
)

// Episodic records offered to the manager per call. Owners with more keep
// their older records out of one pass, not out of the system.
const manageWindow = 200

type manageAdd struct {
	Text string `json:"text"`
}

type manageUpdate struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type manageDelete struct {
	ID string `json:"id"`
}

type managePlan struct {
	Add    []manageAdd    `json:"add"`
	Update []manageUpdate `json:"update"`
	Delete []manageDelete `json:"delete"`
}

type manageMemory struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type manageInput struct {
	CurrentTurn struct {
		User      string `json:"user"`
		Assistant string `json:"assistant"`
	} `json:"current_turn"`
	Memories []manageMemory `json:"episodic_memories"`
}

// ManageResult reports the operations one manager pass applied.
type ManageResult struct {
	Added   []*record.Record
	Updated []string
	Deleted []string
}

// Manage runs one model-driven maintenance pass: the turn plus the owner's
// episodic set go to the model, which proposes add, update and delete
// operations. Operations against unknown ids are dropped, and a malformed
// reply degrades to an empty plan.
func (m *Memory) Manage(ctx context.Context, userText, assistantText, owner, conversation string) (*ManageResult, error) {
	if owner == "" || conversation == "" {
		return nil, fmt.Errorf("manage: owner and conversation are required: %w", ErrInvalidRequest)
	}

	existing, err := m.store.Query(ctx, owner, store.NewFilter().Kind(record.KindEpisodic), manageWindow)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*record.Record, len(existing))

	input := manageInput{}
	input.CurrentTurn.User = userText
	input.CurrentTurn.Assistant = assistantText
	for _, rec := range existing {
		byID[rec.ID] = rec
		input.Memories = append(input.Memories, manageMemory{ID: rec.ID, Text: rec.Text})
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}

	var plan managePlan
	if err := m.llm.CompleteJSON(ctx, manageInstructions, string(raw), &plan, managePlan{}); err != nil {
		return nil, err
	}

	result := &ManageResult{}

	for _, op := range plan.Add {
		if op.Text == "" {
			continue
		}
		vecs, err := m.embedder.Embed(ctx, []string{op.Text})
		if err != nil {
			return result, err
		}
		rec := record.NewEpisodic(owner, conversation, "user", "", "", op.Text, m.now())
		rec.Embedding = vecs[0]
		if err := m.store.Insert(ctx, rec); err != nil {
			return result, err
		}
		result.Added = append(result.Added, rec)
	}

	for _, op := range plan.Update {
		rec, ok := byID[op.ID]
		if !ok || op.Text == "" || op.Text == rec.Text {
			continue
		}
		updated := rec.Clone()
		updated.Text = op.Text
		if _, err := m.Update(ctx, updated); err != nil {
			return result, err
		}
		result.Updated = append(result.Updated, op.ID)
	}

	for _, op := range plan.Delete {
		if _, ok := byID[op.ID]; !ok {
			continue
		}
		if err := m.store.Delete(ctx, owner, op.ID); err != nil {
			return result, err
		}
		result.Deleted = append(result.Deleted, op.ID)
	}

	m.log.Info().Str("owner", owner).
		Int("added", len(result.Added)).
		Int("updated", len(result.Updated)).
		Int("deleted", len(result.Deleted)).
		Msg("manager pass applied")
	return result, nil
}
