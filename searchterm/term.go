// Package searchterm models the generic search predicate tree that clients
// send to the contact provider: comparisons on logical contact fields joined
// by AND, OR and NOT. Trees are immutable once built; consumers only read them.
package searchterm

import (
	"fmt"
	"strings"

	"github.com/migadu/contactdir/consts"
)

// CompositeOp is the logical operator of a Composite term.
type CompositeOp int

const (
	OpAnd CompositeOp = iota
	OpOr
	OpNot
)

func (op CompositeOp) String() string {
	switch op {
	case OpAnd:
		return "and"
	case OpOr:
		return "or"
	case OpNot:
		return "not"
	default:
		return "unknown"
	}
}

// Comparison is the operator of a Single term.
type Comparison int

const (
	Equals Comparison = iota
	StartsWith
	Contains
	GreaterOrEqual
	GreaterThan
	LessThan
	LessOrEqual
	IsNull
)

var comparisonNames = map[Comparison]string{
	Equals:         "eq",
	StartsWith:     "prefix",
	Contains:       "contains",
	GreaterOrEqual: "gte",
	GreaterThan:    "gt",
	LessThan:       "lt",
	LessOrEqual:    "lte",
	IsNull:         "null",
}

func (c Comparison) String() string {
	if name, ok := comparisonNames[c]; ok {
		return name
	}
	return "unknown"
}

// ParseComparison resolves the wire name of a comparison.
func ParseComparison(name string) (Comparison, error) {
	for c, n := range comparisonNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown comparison %q", consts.ErrMalformedTerm, name)
}

// OperandKind tells whether an Operand names a field or carries a literal.
type OperandKind int

const (
	FieldOperand OperandKind = iota
	ConstantOperand
)

// Operand is one side of a comparison.
type Operand struct {
	Kind  OperandKind
	Value string
}

// Term is a node of a search tree. Only *Composite and *Single implement it;
// consumers still reject anything else.
type Term interface {
	String() string
	isTerm()
}

// Composite joins child terms with a logical operator. OpNot has exactly one child.
type Composite struct {
	Op       CompositeOp
	Children []Term
}

// Single compares a logical field with a literal. The two operands may come
// in either order; IsNull only needs the field operand.
type Single struct {
	Op       Comparison
	Operands [2]Operand
}

func (*Composite) isTerm() {}
func (*Single) isTerm() {}

func (c *Composite) String() string {
	parts := make([]string, len(c.Children))
	for i, child := range c.Children {
		if child == nil {
			parts[i] = "<nil>"
			continue
		}
		parts[i] = child.String()
	}
	return c.Op.String() + "(" + strings.Join(parts, ", ") + ")"
}

func (s *Single) String() string {
	field, literal, err := s.Split()
	if err != nil {
		return s.Op.String() + "(?)"
	}
	if s.Op == IsNull {
		return "null(" + field + ")"
	}
	return fmt.Sprintf("%s(%s, %q)", s.Op, field, literal)
}

// Split returns the field name and literal of the comparison regardless of
// operand order.
func (s *Single) Split() (field, literal string, err error) {
	a, b := s.Operands[0], s.Operands[1]
	switch {
	case a.Kind == FieldOperand && b.Kind == ConstantOperand:
		field, literal = a.Value, b.Value
	case a.Kind == ConstantOperand && b.Kind == FieldOperand:
		field, literal = b.Value, a.Value
	default:
		return "", "", fmt.Errorf("%w: %s needs one field and one literal operand", consts.ErrMalformedTerm, s.Op)
	}
	if field == "" {
		return "", "", fmt.Errorf("%w: %s has an empty field name", consts.ErrMalformedTerm, s.Op)
	}
	return field, literal, nil
}

func single(op Comparison, field, value string) *Single {
	return &Single{
		Op: op,
		Operands: [2]Operand{
			{Kind: FieldOperand, Value: field},
			{Kind: ConstantOperand, Value: value},
		},
	}
}

func Eq(field, value string) *Single        { return single(Equals, field, value) }
func Prefix(field, value string) *Single    { return single(StartsWith, field, value) }
func Substring(field, value string) *Single { return single(Contains, field, value) }
func Gte(field, value string) *Single       { return single(GreaterOrEqual, field, value) }
func Gt(field, value string) *Single        { return single(GreaterThan, field, value) }
func Lt(field, value string) *Single        { return single(LessThan, field, value) }
func Lte(field, value string) *Single       { return single(LessOrEqual, field, value) }
func Null(field string) *Single             { return single(IsNull, field, "") }

func And(children ...Term) *Composite { return &Composite{Op: OpAnd, Children: children} }
func Or(children ...Term) *Composite  { return &Composite{Op: OpOr, Children: children} }
func Not(child Term) *Composite       { return &Composite{Op: OpNot, Children: []Term{child}} }
