package query

import (
	"fmt"
	"sort"
	"strconv"
)

// Op is the enumerated operator set a clause can carry after normalization.
type Op int

const (
	// OpEquals matches a single scalar value.
	OpEquals Op = iota
	// OpIn matches any value from a non-empty scalar list.
	OpIn
	// OpAbsent matches products carrying no value for the tag at all.
	OpAbsent
)

// Clause is one normalized (tag, predicate) pair. A filter compiles to a pure
// conjunction of clauses; disjunction is rejected during normalization.
type Clause struct {
	Tag    string
	Op     Op
	Value  string
	Values []string
	Negate bool
}

// NormalizeFilter flattens a document-style filter object into a clause list.
// Supported per-tag shapes: scalar, {$ne: v}, {$in: [...]}, {$nin: [...]},
// {$all: [...]}; $and flattens recursively. Anything else fails compilation.
// Keys are walked in sorted order so a given filter always compiles to the
// same SQL.
func NormalizeFilter(filter map[string]interface{}) ([]Clause, error) {
	clauses := []Clause{}

	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw := filter[key]

		if key == "$and" {
			subs, ok := raw.([]interface{})
			if !ok {
				return nil, fmt.Errorf("%w: $and expects an array of filters", ErrUnsupportedFilter)
			}
			for _, sub := range subs {
				subFilter, ok := sub.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("%w: $and element is not a filter object", ErrUnsupportedFilter)
				}
				subClauses, err := NormalizeFilter(subFilter)
				if err != nil {
					return nil, err
				}
				clauses = append(clauses, subClauses...)
			}
			continue
		}
		if len(key) > 0 && key[0] == '$' {
			// $or and friends: only pure conjunctions are accepted.
			return nil, fmt.Errorf("%w: operator %q", ErrUnsupportedFilter, key)
		}

		tagClauses, err := normalizeTagValue(key, raw)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, tagClauses...)
	}

	return clauses, nil
}

func normalizeTagValue(tag string, raw interface{}) ([]Clause, error) {
	if value, ok := scalarString(raw); ok {
		return []Clause{{Tag: tag, Op: OpEquals, Value: value}}, nil
	}

	expr, ok := raw.(map[string]interface{})
	if !ok || len(expr) != 1 {
		return nil, fmt.Errorf("%w: value for tag %q", ErrUnsupportedFilter, tag)
	}

	for op, operand := range expr {
		switch op {
		case "$ne":
			value, ok := scalarString(operand)
			if !ok {
				return nil, fmt.Errorf("%w: $ne expects a scalar for tag %q", ErrUnsupportedFilter, tag)
			}
			return []Clause{{Tag: tag, Op: OpEquals, Value: value, Negate: true}}, nil

		case "$in", "$nin":
			values, hasAbsent, err := normalizeMatchList(tag, operand)
			if err != nil {
				return nil, err
			}
			negate := op == "$nin"
			if hasAbsent {
				// The null sentinel means "field absent". A list mixing it
				// with real values is ambiguous upstream; absence wins.
				return []Clause{{Tag: tag, Op: OpAbsent, Negate: negate}}, nil
			}
			return []Clause{{Tag: tag, Op: OpIn, Values: values, Negate: negate}}, nil

		case "$all":
			items, ok := operand.([]interface{})
			if !ok || len(items) == 0 {
				return nil, fmt.Errorf("%w: $all expects a non-empty array for tag %q", ErrUnsupportedFilter, tag)
			}
			clauses := make([]Clause, 0, len(items))
			for _, item := range items {
				value, ok := scalarString(item)
				if !ok {
					return nil, fmt.Errorf("%w: $all expects scalars for tag %q", ErrUnsupportedFilter, tag)
				}
				clauses = append(clauses, Clause{Tag: tag, Op: OpEquals, Value: value})
			}
			return clauses, nil

		default:
			return nil, fmt.Errorf("%w: operator %q on tag %q", ErrUnsupportedFilter, op, tag)
		}
	}

	return nil, fmt.Errorf("%w: value for tag %q", ErrUnsupportedFilter, tag)
}

func normalizeMatchList(tag string, operand interface{}) (values []string, hasAbsent bool, err error) {
	items, ok := operand.([]interface{})
	if !ok || len(items) == 0 {
		return nil, false, fmt.Errorf("%w: $in/$nin expect a non-empty array for tag %q", ErrUnsupportedFilter, tag)
	}
	for _, item := range items {
		if item == nil {
			hasAbsent = true
			continue
		}
		value, ok := scalarString(item)
		if !ok {
			return nil, false, fmt.Errorf("%w: $in/$nin expect scalars for tag %q", ErrUnsupportedFilter, tag)
		}
		values = append(values, value)
	}
	return values, hasAbsent, nil
}

func scalarString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}
