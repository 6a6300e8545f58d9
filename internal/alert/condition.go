package alert

import (
	"fmt"
	"strings"
)

// Op enumerates leaf comparison operators.
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
)

// Condition is one node of a rule's condition tree. Exactly one of Leaf,
// All, Any or Not is set; the zero Condition is invalid.
type Condition struct {
	Leaf *Leaf       `json:"leaf,omitempty"`
	All  []Condition `json:"all,omitempty"` // AND over children
	Any  []Condition `json:"any,omitempty"` // OR over children
	Not  *Condition  `json:"not,omitempty"`
}

// Leaf compares one event field against a constant.
type Leaf struct {
	Field string      `json:"field"`
	Op    Op          `json:"op"`
	Value interface{} `json:"value"`
}

// Fields is a flattened view of an event's payload, produced by the
// evaluator before matching.
type Fields map[string]interface{}

// Validate checks the tree is well formed: exactly one variant per node,
// non-empty composites, known operators.
func (c Condition) Validate() error {
	set := 0
	if c.Leaf != nil {
		set++
	}
	if c.All != nil {
		set++
	}
	if c.Any != nil {
		set++
	}
	if c.Not != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("condition node must set exactly one of leaf/all/any/not, got %d", set)
	}

	switch {
	case c.Leaf != nil:
		if c.Leaf.Field == "" {
			return fmt.Errorf("leaf condition requires a field name")
		}
		switch c.Leaf.Op {
		case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte:
		default:
			return fmt.Errorf("unknown operator %q", c.Leaf.Op)
		}
	case c.All != nil:
		if len(c.All) == 0 {
			return fmt.Errorf("all requires at least one child condition")
		}
		for i, child := range c.All {
			if err := child.Validate(); err != nil {
				return fmt.Errorf("all[%d]: %w", i, err)
			}
		}
	case c.Any != nil:
		if len(c.Any) == 0 {
			return fmt.Errorf("any requires at least one child condition")
		}
		for i, child := range c.Any {
			if err := child.Validate(); err != nil {
				return fmt.Errorf("any[%d]: %w", i, err)
			}
		}
	case c.Not != nil:
		if err := c.Not.Validate(); err != nil {
			return fmt.Errorf("not: %w", err)
		}
	}
	return nil
}

// Eval evaluates the tree against flattened event fields. A leaf referencing
// a missing field evaluates false, never errors; rules must not crash the
// dispatch path.
func (c Condition) Eval(fields Fields) bool {
	switch {
	case c.Leaf != nil:
		return c.Leaf.eval(fields)
	case c.All != nil:
		for _, child := range c.All {
			if !child.Eval(fields) {
				return false
			}
		}
		return true
	case c.Any != nil:
		for _, child := range c.Any {
			if child.Eval(fields) {
				return true
			}
		}
		return false
	case c.Not != nil:
		return !c.Not.Eval(fields)
	default:
		return false
	}
}

func (l *Leaf) eval(fields Fields) bool {
	actual, ok := fields[l.Field]
	if !ok {
		return false
	}

	if af, aok := toFloat(actual); aok {
		if ef, eok := toFloat(l.Value); eok {
			return compareFloat(l.Op, af, ef)
		}
		return false
	}

	as := fmt.Sprintf("%v", actual)
	es := fmt.Sprintf("%v", l.Value)
	switch l.Op {
	case OpEq:
		return strings.EqualFold(as, es)
	case OpNeq:
		return !strings.EqualFold(as, es)
	default:
		// Ordering operators are numeric-only.
		return false
	}
}

func compareFloat(op Op, a, b float64) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNeq:
		return a != b
	case OpGt:
		return a > b
	case OpGte:
		return a >= b
	case OpLt:
		return a < b
	case OpLte:
		return a <= b
	default:
		return false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
