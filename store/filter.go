package store

import (
	"github.com/openmem/mnemo/record"
)

// Filterable scalar fields. Attribute keys are not filterable; backends
// only index the mirrored scalar columns.
const (
	FieldID             = "id"
	FieldKind           = "kind"
	FieldConversationID = "conversation_id"
	FieldSubject        = "subject"
)

// Op is a filter comparison.
type Op int

const (
	// OpEq matches records whose field equals the value.
	OpEq Op = iota

	// OpIn matches records whose field equals any of the values.
	OpIn
)

// Condition is one field comparison. Conditions in a filter are ANDed.
type Condition struct {
	Field  string
	Op     Op
	Value  string
	Values []string
}

// Filter is a conjunction of scalar conditions.
type Filter struct {
	conds []Condition
}

// NewFilter returns an empty filter, which matches everything.
func NewFilter() *Filter {
	return &Filter{}
}

// Eq adds an equality condition.
func (f *Filter) Eq(field, value string) *Filter {
	f.conds = append(f.conds, Condition{Field: field, Op: OpEq, Value: value})
	return f
}

// In adds a membership condition. An empty values list matches nothing.
func (f *Filter) In(field string, values ...string) *Filter {
	f.conds = append(f.conds, Condition{Field: field, Op: OpIn, Values: values})
	return f
}

// Kind is shorthand for Eq(FieldKind, ...).
func (f *Filter) Kind(k record.Kind) *Filter {
	return f.Eq(FieldKind, string(k))
}

// Conditions exposes the condition list to backends.
func (f *Filter) Conditions() []Condition {
	if f == nil {
		return nil
	}
	return f.conds
}

// Matches evaluates the filter against a record in process.
func (f *Filter) Matches(r *record.Record) bool {
	if f == nil {
		return true
	}
	for _, c := range f.conds {
		got, ok := fieldValue(r, c.Field)
		if !ok {
			return false
		}
		switch c.Op {
		case OpEq:
			if got != c.Value {
				return false
			}
		case OpIn:
			found := false
			for _, v := range c.Values {
				if got == v {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func fieldValue(r *record.Record, field string) (string, bool) {
	switch field {
	case FieldID:
		return r.ID, true
	case FieldKind:
		return string(r.Kind), true
	case FieldConversationID:
		return r.ConversationID, true
	case FieldSubject:
		return r.Subject, true
	}
	return "", false
}
