package lifecycle

import (
	"context"
	"fmt"

	"github.com/openmem/mnemo/record"
)

type writeRecord struct {
	Text      string `json:"text"`
	Situation string `json:"situation"`
	Event     string `json:"event"`
}

type writeDecision struct {
	Write   bool          `json:"write"`
	Records []writeRecord `json:"records"`
}

// AddResult reports what one add call did. Skipped distinguishes the write
// filter declining from a failure, which surfaces as an error instead.
type AddResult struct {
	Written    []*record.Record
	Skipped    bool
	SkipReason string
}

// Add runs the write decision over one conversational turn and persists the
// resulting episodic records with a zero usage count. A declined decision,
// including the fallback applied to a malformed model reply, skips the write
// without error.
func (m *Memory) Add(ctx context.Context, text, owner, conversation string) (*AddResult, error) {
	if owner == "" || conversation == "" {
		return nil, fmt.Errorf("add: owner and conversation are required: %w", ErrInvalidRequest)
	}
	if text == "" {
		return nil, fmt.Errorf("add: text is required: %w", ErrInvalidRequest)
	}

	var decision writeDecision
	input := fmt.Sprintf("Conversation %s:\n%s", conversation, text)
	if err := m.llm.CompleteJSON(ctx, writeInstructions, input, &decision, writeDecision{}); err != nil {
		return nil, err
	}

	var proposed []writeRecord
	for _, r := range decision.Records {
		if r.Text != "" {
			proposed = append(proposed, r)
		}
	}
	if !decision.Write || len(proposed) == 0 {
		reason := "declined by write filter"
		if decision.Write {
			reason = "no records proposed"
		}
		m.log.Debug().Str("owner", owner).Str("conversation", conversation).
			Str("reason", reason).Msg("write skipped")
		return &AddResult{Skipped: true, SkipReason: reason}, nil
	}

	texts := make([]string, len(proposed))
	for i, r := range proposed {
		texts[i] = r.Text
	}
	vecs, err := m.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}

	written := make([]*record.Record, len(proposed))
	for i, r := range proposed {
		rec := record.NewEpisodic(owner, conversation, "user", r.Situation, r.Event, r.Text, m.now())
		rec.Embedding = vecs[i]
		written[i] = rec
	}
	if err := m.store.Insert(ctx, written...); err != nil {
		return nil, err
	}

	m.log.Info().Str("owner", owner).Str("conversation", conversation).
		Int("records", len(written)).Msg("episodic records written")
	return &AddResult{Written: written}, nil
}
