package store

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ChuLiYu/adsorbflow/pkg/types"
)

// ErrInvalidQuery is returned for a malformed query string.
var ErrInvalidQuery = errors.New("store: invalid query")

// Op is a comparison operator of a query clause.
type Op string

// Supported operators
const (
	OpGE Op = ">="
	OpLE Op = "<="
	OpGT Op = ">"
	OpLT Op = "<"
	OpEQ Op = "="
	OpNE Op = "!="
)

// Built-in column fields. Any other field name is a metadata key.
const (
	FieldID         = "id"
	FieldNAtoms     = "natoms"
	FieldRound      = "round"
	FieldOriginalID = "original_id"
)

// Clause is one "field OP value" condition.
type Clause struct {
	Field string
	Op    Op
	Value float64
}

func (c Clause) String() string {
	return c.Field + string(c.Op) + strconv.FormatFloat(c.Value, 'g', -1, 64)
}

// Builtin reports whether the clause targets a record column rather than metadata.
func (c Clause) Builtin() bool {
	switch c.Field {
	case FieldID, FieldNAtoms, FieldRound, FieldOriginalID:
		return true
	}
	return false
}

// Query is a conjunction of clauses.
type Query []Clause

var clauseRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\s*(>=|<=|!=|=|>|<)\s*(\S+)$`)

// ParseQuery parses comma-joined clauses such as "co>=0.3,co<=1".
func ParseQuery(q string) (Query, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, nil
	}
	var out Query
	for _, part := range strings.Split(q, ",") {
		part = strings.TrimSpace(part)
		m := clauseRe.FindStringSubmatch(part)
		if m == nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidQuery, part)
		}
		v, err := strconv.ParseFloat(m[3], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: value of %q: %v", ErrInvalidQuery, part, err)
		}
		out = append(out, Clause{Field: m[1], Op: Op(m[2]), Value: v})
	}
	return out, nil
}

// String renders the query back into its textual form.
func (q Query) String() string {
	parts := make([]string, len(q))
	for i, c := range q {
		parts[i] = c.String()
	}
	return strings.Join(parts, ",")
}

// Range returns the two clauses field>=min and field<=max.
func Range(field string, min, max float64) Query {
	return Query{{Field: field, Op: OpGE, Value: min}, {Field: field, Op: OpLE, Value: max}}
}

// Match evaluates the query against a record. A clause on a missing
// metadata key or an unset original_id never matches.
func (q Query) Match(s *types.Structure) bool {
	for _, c := range q {
		v, ok := fieldValue(s, c.Field)
		if !ok || !compare(v, c.Op, c.Value) {
			return false
		}
	}
	return true
}

func fieldValue(s *types.Structure, field string) (float64, bool) {
	switch field {
	case FieldID:
		return float64(s.ID), true
	case FieldNAtoms:
		return float64(len(s.Sites)), true
	case FieldRound:
		return float64(s.Round), true
	case FieldOriginalID:
		if s.OriginalID == nil {
			return 0, false
		}
		return float64(*s.OriginalID), true
	}
	v, ok := s.KeyValues[field]
	return v, ok
}

func compare(a float64, op Op, b float64) bool {
	switch op {
	case OpGE:
		return a >= b
	case OpLE:
		return a <= b
	case OpGT:
		return a > b
	case OpLT:
		return a < b
	case OpEQ:
		return a == b
	case OpNE:
		return a != b
	}
	return false
}
