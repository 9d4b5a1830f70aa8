package sqlstore

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/dDoc/lib/model"
)

// --------------------------------------------------------------------------
// Query Translation
// --------------------------------------------------------------------------

// translateQuery turns the typed filter tree into a SQL WHERE fragment
// over json_extract plus its bound arguments. A nil query translates to an
// empty fragment (match everything).
func translateQuery(query model.QueryNode) (string, []any, error) {
	if query == nil {
		return "", nil, nil
	}

	builder := &sqlBuilder{}
	if err := query.Accept(builder); err != nil {
		return "", nil, err
	}
	return builder.sb.String(), builder.args, nil
}

// sqlBuilder implements model.Visitor, writing the WHERE fragment while
// collecting bound arguments. JSON paths are always bound, never spliced
// into the SQL text.
type sqlBuilder struct {
	sb   strings.Builder
	args []any
}

func (b *sqlBuilder) VisitAnd(n model.And) error {
	return b.logical("AND", n.Left, n.Right)
}

func (b *sqlBuilder) VisitOr(n model.Or) error {
	return b.logical("OR", n.Left, n.Right)
}

func (b *sqlBuilder) logical(op string, left, right model.QueryNode) error {
	if left == nil || right == nil {
		return fmt.Errorf("logical query node with missing child")
	}

	b.sb.WriteString("(")
	if err := left.Accept(b); err != nil {
		return err
	}
	b.sb.WriteString(" " + op + " ")
	if err := right.Accept(b); err != nil {
		return err
	}
	b.sb.WriteString(")")
	return nil
}

func (b *sqlBuilder) VisitCompare(n model.Compare) error {
	if err := model.ValidateField(n.Field); err != nil {
		return err
	}

	path := jsonPath(n.Field)
	switch n.Op {
	case model.CmpEq:
		b.sb.WriteString("json_extract(data, ?) = ?")
	case model.CmpNeq:
		// Missing fields count as not-equal, mirroring the in-memory
		// evaluator
		b.sb.WriteString("(json_extract(data, ?) IS NULL OR json_extract(data, ?) != ?)")
		b.args = append(b.args, path)
	case model.CmpGt:
		b.sb.WriteString("json_extract(data, ?) > ?")
	case model.CmpGte:
		b.sb.WriteString("json_extract(data, ?) >= ?")
	case model.CmpLt:
		b.sb.WriteString("json_extract(data, ?) < ?")
	case model.CmpLte:
		b.sb.WriteString("json_extract(data, ?) <= ?")
	default:
		return fmt.Errorf("unknown compare operator %q", n.Op)
	}

	b.args = append(b.args, path, n.Value)
	return nil
}

func (b *sqlBuilder) VisitContains(n model.Contains) error {
	if err := model.ValidateField(n.Field); err != nil {
		return err
	}

	b.sb.WriteString("instr(json_extract(data, ?), ?) > 0")
	b.args = append(b.args, jsonPath(n.Field), n.Text)
	return nil
}

// jsonPath converts a dot-separated field path into the SQLite JSON path
// expression.
func jsonPath(field string) string {
	return "$." + field
}
