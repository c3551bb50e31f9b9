package parser

import "fmt"

type Value interface {
	value() any
	fmt.Stringer
}

type NumberExpr struct {
	Value float64
}

func (n NumberExpr) value() any { return n.Value }

func (n NumberExpr) String() string { return fmt.Sprintf("number(%v)", n.Value) }

type StringExpr struct {
	Value string
}

func (s StringExpr) value() any { return s.Value }

func (s StringExpr) String() string { return fmt.Sprintf("string(%q)", s.Value) }

type StringListExpr struct {
	Values []string
}

func (s StringListExpr) value() any { return s.Values }

func (s StringListExpr) String() string { return fmt.Sprintf("list(%q)", s.Values) }

// Identifier is an optional prefix plus a key, like meter.name.
type Identifier struct {
	Identifier string
	Key        string
}

type OperatorKind int

const (
	Equals OperatorKind = iota
	NotEquals
	Less
	LessEquals
	Greater
	GreaterEquals
	Like
	ILike
	In //nolint:varnamelen
	NotIn
)

func (op OperatorKind) String() string {
	switch op {
	case Equals:
		return "="
	case NotEquals:
		return "!="
	case Less:
		return "<"
	case LessEquals:
		return "<="
	case Greater:
		return ">"
	case GreaterEquals:
		return ">="
	case Like:
		return "LIKE"
	case ILike:
		return "ILIKE"
	case In:
		return "IN"
	case NotIn:
		return "NOT IN"
	default:
		return "UNKNOWN"
	}
}

// a operator b.
type CompareExpr struct {
	Left     Identifier
	Operator OperatorKind
	Right    Value
}

type AndExpr struct {
	Exprs []*CompareExpr
}
