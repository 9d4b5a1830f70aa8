package memstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/ValentinKolb/dDoc/lib/model"
)

// --------------------------------------------------------------------------
// Query Compilation
// --------------------------------------------------------------------------

// docPredicate decides whether a raw JSON document matches a query.
type docPredicate func(data []byte) bool

// compilePredicate translates a query tree into a predicate over the raw
// document bytes. A nil query matches everything.
func compilePredicate(query model.QueryNode) (docPredicate, error) {
	if query == nil {
		return func([]byte) bool { return true }, nil
	}

	builder := &predicateBuilder{}
	if err := query.Accept(builder); err != nil {
		return nil, err
	}
	matcher := builder.result

	return func(data []byte) bool {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return false
		}
		return matcher(doc)
	}, nil
}

// matcherFunc evaluates a compiled subtree against a decoded document.
type matcherFunc func(doc map[string]any) bool

// predicateBuilder implements model.Visitor, compiling the query tree
// bottom-up into a single matcherFunc.
type predicateBuilder struct {
	result matcherFunc
}

func (b *predicateBuilder) VisitAnd(n model.And) error {
	left, right, err := b.compileChildren(n.Left, n.Right)
	if err != nil {
		return err
	}
	b.result = func(doc map[string]any) bool { return left(doc) && right(doc) }
	return nil
}

func (b *predicateBuilder) VisitOr(n model.Or) error {
	left, right, err := b.compileChildren(n.Left, n.Right)
	if err != nil {
		return err
	}
	b.result = func(doc map[string]any) bool { return left(doc) || right(doc) }
	return nil
}

func (b *predicateBuilder) VisitCompare(n model.Compare) error {
	if err := model.ValidateField(n.Field); err != nil {
		return err
	}
	path := model.FieldPath(n.Field)
	op := n.Op
	want := n.Value

	b.result = func(doc map[string]any) bool {
		got, ok := lookupField(doc, path)
		if !ok {
			// Missing fields only match explicit inequality
			return op == model.CmpNeq
		}
		return compareValues(op, got, want)
	}
	return nil
}

func (b *predicateBuilder) VisitContains(n model.Contains) error {
	if err := model.ValidateField(n.Field); err != nil {
		return err
	}
	path := model.FieldPath(n.Field)
	text := n.Text

	b.result = func(doc map[string]any) bool {
		got, ok := lookupField(doc, path)
		if !ok {
			return false
		}
		str, ok := got.(string)
		return ok && strings.Contains(str, text)
	}
	return nil
}

// compileChildren compiles both subtrees of a logical node.
func (b *predicateBuilder) compileChildren(left, right model.QueryNode) (matcherFunc, matcherFunc, error) {
	if left == nil || right == nil {
		return nil, nil, fmt.Errorf("logical query node with missing child")
	}

	leftBuilder := &predicateBuilder{}
	if err := left.Accept(leftBuilder); err != nil {
		return nil, nil, err
	}
	rightBuilder := &predicateBuilder{}
	if err := right.Accept(rightBuilder); err != nil {
		return nil, nil, err
	}
	return leftBuilder.result, rightBuilder.result, nil
}

// --------------------------------------------------------------------------
// Value Helpers
// --------------------------------------------------------------------------

// lookupField walks a dot path through nested JSON objects.
func lookupField(doc map[string]any, path []string) (any, bool) {
	var current any = doc
	for _, seg := range path {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// compareValues evaluates a relational operator over a document value and
// a query literal. Equality works on any JSON value; ordering is defined
// for numbers and strings only.
func compareValues(op model.CompareOp, got, want any) bool {
	switch op {
	case model.CmpEq:
		return jsonEqual(got, want)
	case model.CmpNeq:
		return !jsonEqual(got, want)
	}

	// Ordering operators
	if gotNum, wantNum, ok := asNumbers(got, want); ok {
		switch op {
		case model.CmpGt:
			return gotNum > wantNum
		case model.CmpGte:
			return gotNum >= wantNum
		case model.CmpLt:
			return gotNum < wantNum
		case model.CmpLte:
			return gotNum <= wantNum
		}
	}

	gotStr, gotOK := got.(string)
	wantStr, wantOK := want.(string)
	if gotOK && wantOK {
		switch op {
		case model.CmpGt:
			return gotStr > wantStr
		case model.CmpGte:
			return gotStr >= wantStr
		case model.CmpLt:
			return gotStr < wantStr
		case model.CmpLte:
			return gotStr <= wantStr
		}
	}

	return false
}

// jsonEqual compares a document value with a query literal, normalizing
// numeric types so int literals match the float64 values encoding/json
// produces.
func jsonEqual(got, want any) bool {
	if gotNum, wantNum, ok := asNumbers(got, want); ok {
		return gotNum == wantNum
	}
	return reflect.DeepEqual(got, want)
}

// asNumbers coerces both values to float64 if they are any numeric type.
func asNumbers(a, b any) (float64, float64, bool) {
	aNum, aOK := asNumber(a)
	bNum, bOK := asNumber(b)
	return aNum, bNum, aOK && bOK
}

func asNumber(v any) (float64, bool) {
	switch typed := v.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	}
	return 0, false
}
