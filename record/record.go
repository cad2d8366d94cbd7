// Package record defines the memory record model shared by every layer of
// the lifecycle engine.
//
// A Record is a tagged variant: the Kind field selects between episodic
// (event-bound) and semantic (time-stable fact) records. Each kind carries a
// fixed required subset of attribute keys plus an open bag of extension keys
// that must round-trip unchanged through any store backend.
package record

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind tags the record variant.
type Kind string

const (
	// KindEpisodic marks a discrete event memory bound to a point in time.
	KindEpisodic Kind = "episodic"

	// KindSemantic marks a distilled, time-stable fact.
	KindSemantic Kind = "semantic"
)

// ErrKindMismatch is returned when an operation receives a record of the
// wrong kind (e.g. reconsolidating a semantic record).
var ErrKindMismatch = errors.New("record kind mismatch")

// Record is the unit of storage.
//
// ID, OwnerID, Kind, CreatedAt, ConversationID and Subject are immutable
// after creation. Text and Attributes are mutated only by the
// reconsolidation updater; merges and separations replace records wholesale.
type Record struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	Kind           Kind       `json:"kind"`
	CreatedAt      int64      `json:"created_at"` // canonical event start, unix seconds
	ConversationID string     `json:"conversation_id"`
	Subject        string     `json:"subject"`
	Text           string     `json:"text"`
	Embedding      []float32  `json:"embedding,omitempty"`
	UsageCount     int64      `json:"usage_count"`
	Attributes     Attributes `json:"attributes"`
}

// Scored pairs a record with the raw similarity score a search returned.
type Scored struct {
	*Record
	Score float64
}

// NewEpisodic creates an episodic record for an event observed in a
// conversation. CreatedAt is the event time, not the write time.
func NewEpisodic(owner, conversation, subject, situation, event, text string, eventTime time.Time) *Record {
	return &Record{
		ID:             uuid.New().String(),
		OwnerID:        owner,
		Kind:           KindEpisodic,
		CreatedAt:      eventTime.Unix(),
		ConversationID: conversation,
		Subject:        subject,
		Text:           text,
		UsageCount:     0,
		Attributes: Attributes{
			AttrSituation:      situation,
			AttrEvent:          event,
			AttrEventTime:      eventTime.UTC().Format(time.RFC3339),
			AttrConversationID: conversation,
			AttrSubject:        subject,
		},
	}
}

// NewSemantic creates a semantic record for a fact distilled from episodic
// memories of the given conversation.
func NewSemantic(owner, sourceConversation, fact string, firstObserved time.Time) *Record {
	return &Record{
		ID:             uuid.New().String(),
		OwnerID:        owner,
		Kind:           KindSemantic,
		CreatedAt:      firstObserved.Unix(),
		ConversationID: sourceConversation,
		Subject:        "user",
		Text:           fact,
		UsageCount:     0,
		Attributes: Attributes{
			AttrFact:                 fact,
			AttrSourceConversationID: sourceConversation,
			AttrFirstObserved:        firstObserved.UTC().Format("2006-01-02"),
		},
	}
}

// Validate checks the persistence invariants common to both kinds.
func (r *Record) Validate() error {
	switch {
	case r.ID == "":
		return errors.New("record has no id")
	case r.OwnerID == "":
		return errors.New("record has no owner")
	case r.Kind != KindEpisodic && r.Kind != KindSemantic:
		return fmt.Errorf("unknown record kind %q", r.Kind)
	case r.CreatedAt == 0:
		return errors.New("record has no created_at")
	case r.Text == "":
		return errors.New("record has no text")
	case len(r.Embedding) == 0:
		return errors.New("record has no embedding")
	case r.UsageCount < 0:
		return fmt.Errorf("negative usage count %d", r.UsageCount)
	}
	return nil
}

// Clone returns a deep copy. Stores hand out clones so callers can mutate
// results without aliasing cached state.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Embedding != nil {
		cp.Embedding = append([]float32(nil), r.Embedding...)
	}
	cp.Attributes = r.Attributes.Clone()
	return &cp
}
