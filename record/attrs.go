package record

import (
	"encoding/json"
	"time"
)

// Required attribute keys per kind. Keys outside this set are extension
// attributes and survive every store round trip untouched.
const (
	// Episodic.
	AttrSituation   = "situation"
	AttrEvent       = "event"
	AttrEventTime   = "event_time"
	AttrUpdateLog   = "update_log"
	AttrMergedConvs = "merged_from_conversations"
	AttrMergedIDs   = "merged_from_ids"

	// Semantic.
	AttrFact                 = "fact"
	AttrSourceConversationID = "source_conversation_id"
	AttrFirstObserved        = "first_observed"

	// Mirrored on both kinds for filter pushdown.
	AttrConversationID = "conversation_id"
	AttrSubject        = "subject"

	// Set on heavily retrieved episodic records as a hint for extraction.
	AttrPromotionCandidate = "promotion_candidate"

	// Narrative thread the record belongs to. Membership lives here so
	// groups need no storage of their own.
	AttrNarrativeGroup = "narrative_group"
)

// Attributes is the open attribute bag. Values must be JSON-serializable;
// after a store round trip nested values come back as the generic JSON
// shapes (map[string]any, []any, float64), so typed readers re-decode.
type Attributes map[string]any

// Clone deep-copies the bag by JSON round trip. Falls back to a shallow
// copy for values that do not marshal, which only happens for bags built in
// tests with exotic types.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	raw, err := json.Marshal(a)
	if err != nil {
		out := make(Attributes, len(a))
		for k, v := range a {
			out[k] = v
		}
		return out
	}
	var out Attributes
	if err := json.Unmarshal(raw, &out); err != nil {
		out = make(Attributes, len(a))
		for k, v := range a {
			out[k] = v
		}
	}
	return out
}

// String reads a string-valued attribute, returning "" when absent or of
// another type.
func (a Attributes) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// StringSlice reads a []string attribute, tolerating the []any shape JSON
// decoding produces.
func (a Attributes) StringSlice(key string) []string {
	switch v := a[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// UpdateEntry is one reconsolidation applied to an episodic record.
type UpdateEntry struct {
	Time        string `json:"time"`
	Description string `json:"description"`
}

// UpdateLog decodes the record's reconsolidation history. Missing or
// malformed logs read as empty.
func (r *Record) UpdateLog() []UpdateEntry {
	raw, ok := r.Attributes[AttrUpdateLog]
	if !ok {
		return nil
	}
	if typed, ok := raw.([]UpdateEntry); ok {
		return append([]UpdateEntry(nil), typed...)
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var out []UpdateEntry
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil
	}
	return out
}

// AppendUpdate records one more reconsolidation in the update log.
func (r *Record) AppendUpdate(at time.Time, description string) {
	log := r.UpdateLog()
	log = append(log, UpdateEntry{
		Time:        at.UTC().Format(time.RFC3339),
		Description: description,
	})
	if r.Attributes == nil {
		r.Attributes = Attributes{}
	}
	r.Attributes[AttrUpdateLog] = log
}

// MergedConversations returns the set of conversation IDs a merged record
// was built from, including transitively merged sources.
func (r *Record) MergedConversations() []string {
	return r.Attributes.StringSlice(AttrMergedConvs)
}

// MergedIDs returns the record IDs consumed by merges into this record.
func (r *Record) MergedIDs() []string {
	return r.Attributes.StringSlice(AttrMergedIDs)
}

// UnionStrings merges two string sets preserving first-seen order.
func UnionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
