package milvus

import (
	"fmt"
	"strings"

	"github.com/openmem/mnemo/store"
)

// compiled is a Milvus boolean expression plus its template parameters.
type compiled struct {
	expr   string
	params map[string]any
}

// compileFilter turns the owner scope plus an optional filter into a Milvus
// expression. Values travel as template parameters, never spliced into the
// expression, except where noted in compileInline.
func compileFilter(owner string, f *store.Filter) (*compiled, error) {
	out := &compiled{params: map[string]any{}}

	counter := 0
	add := func(expr string) {
		if out.expr == "" {
			out.expr = expr
			return
		}
		out.expr = fmt.Sprintf("(%s) and (%s)", out.expr, expr)
	}
	param := func(field string, value any) string {
		counter++
		name := fmt.Sprintf("%s_%d", field, counter)
		out.params[name] = value
		return name
	}

	add(fmt.Sprintf("%s == {%s}", fieldOwnerID, param(fieldOwnerID, owner)))

	for _, c := range f.Conditions() {
		if !filterableField(c.Field) {
			return nil, fmt.Errorf("field %q is not filterable", c.Field)
		}
		switch c.Op {
		case store.OpEq:
			add(fmt.Sprintf("%s == {%s}", c.Field, param(c.Field, c.Value)))
		case store.OpIn:
			if len(c.Values) == 0 {
				// In with no values matches nothing.
				add("id == {empty_in}")
				out.params["empty_in"] = ""
				continue
			}
			add(fmt.Sprintf("%s in {%s}", c.Field, param(c.Field, c.Values)))
		default:
			return nil, fmt.Errorf("unsupported filter op %d", c.Op)
		}
	}
	return out, nil
}

// compileInline builds the same expression with literal values. Delete
// options take a bare expression without template parameters, so values are
// escaped and inlined there.
func compileInline(owner string, f *store.Filter) (string, error) {
	parts := []string{fmt.Sprintf("%s == %s", fieldOwnerID, quote(owner))}

	for _, c := range f.Conditions() {
		if !filterableField(c.Field) {
			return "", fmt.Errorf("field %q is not filterable", c.Field)
		}
		switch c.Op {
		case store.OpEq:
			parts = append(parts, fmt.Sprintf("%s == %s", c.Field, quote(c.Value)))
		case store.OpIn:
			if len(c.Values) == 0 {
				return "", errEmptyIn
			}
			quoted := make([]string, len(c.Values))
			for i, v := range c.Values {
				quoted[i] = quote(v)
			}
			parts = append(parts, fmt.Sprintf("%s in [%s]", c.Field, strings.Join(quoted, ", ")))
		default:
			return "", fmt.Errorf("unsupported filter op %d", c.Op)
		}
	}
	return strings.Join(parts, " and "), nil
}

var errEmptyIn = fmt.Errorf("empty in condition matches nothing")

func filterableField(field string) bool {
	switch field {
	case store.FieldID, store.FieldKind, store.FieldConversationID, store.FieldSubject:
		return true
	}
	return false
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
