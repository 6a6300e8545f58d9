package alert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leaf(field string, op Op, value interface{}) Condition {
	return Condition{Leaf: &Leaf{Field: field, Op: op, Value: value}}
}

func TestConditionValidate(t *testing.T) {
	tests := []struct {
		name    string
		cond    Condition
		wantErr bool
	}{
		{"valid leaf", leaf("price", OpGt, 100.0), false},
		{"zero condition", Condition{}, true},
		{"two variants set", Condition{Leaf: &Leaf{Field: "x", Op: OpEq}, Not: &Condition{}}, true},
		{"leaf missing field", leaf("", OpEq, 1), true},
		{"leaf unknown operator", leaf("price", Op("like"), 1), true},
		{"empty all", Condition{All: []Condition{}}, true},
		{"empty any", Condition{Any: []Condition{}}, true},
		{"valid all", Condition{All: []Condition{leaf("a", OpEq, 1), leaf("b", OpLt, 2)}}, false},
		{"invalid child in any", Condition{Any: []Condition{leaf("", OpEq, 1)}}, true},
		{"valid not", Condition{Not: &Condition{Leaf: &Leaf{Field: "a", Op: OpEq, Value: 1}}}, false},
		{"invalid nested not", Condition{Not: &Condition{}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cond.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLeafEvalNumeric(t *testing.T) {
	fields := Fields{"price": 150.0, "qty": 100}

	assert.True(t, leaf("price", OpGt, 100.0).Eval(fields))
	assert.False(t, leaf("price", OpGt, 200.0).Eval(fields))
	assert.True(t, leaf("price", OpGte, 150.0).Eval(fields))
	assert.True(t, leaf("price", OpLte, 150.0).Eval(fields))
	assert.True(t, leaf("price", OpNeq, 151.0).Eval(fields))
	// Int fields and int constants compare numerically.
	assert.True(t, leaf("qty", OpEq, 100).Eval(fields))
	assert.True(t, leaf("qty", OpLt, int64(200)).Eval(fields))
}

func TestLeafEvalString(t *testing.T) {
	fields := Fields{"symbol": "AAPL", "status": "REJECTED"}

	assert.True(t, leaf("symbol", OpEq, "AAPL").Eval(fields))
	assert.True(t, leaf("symbol", OpEq, "aapl").Eval(fields), "string comparison is case-insensitive")
	assert.True(t, leaf("status", OpNeq, "FILLED").Eval(fields))
	// Ordering operators are numeric-only.
	assert.False(t, leaf("symbol", OpGt, "AAAA").Eval(fields))
}

func TestLeafEvalMissingFieldIsFalse(t *testing.T) {
	fields := Fields{"price": 150.0}
	assert.False(t, leaf("volume", OpGt, 0.0).Eval(fields))
	// But a Not around the missing field is true.
	cond := Condition{Not: &Condition{Leaf: &Leaf{Field: "volume", Op: OpGt, Value: 0.0}}}
	assert.True(t, cond.Eval(fields))
}

func TestCompositeEval(t *testing.T) {
	fields := Fields{"symbol": "AAPL", "price": 150.0, "change_pct": -0.08}

	crash := Condition{All: []Condition{
		leaf("symbol", OpEq, "AAPL"),
		leaf("change_pct", OpLt, -0.05),
	}}
	assert.True(t, crash.Eval(fields))

	either := Condition{Any: []Condition{
		leaf("price", OpGt, 1000.0),
		leaf("change_pct", OpLt, -0.05),
	}}
	assert.True(t, either.Eval(fields))

	neither := Condition{Any: []Condition{
		leaf("price", OpGt, 1000.0),
		leaf("change_pct", OpGt, 0.05),
	}}
	assert.False(t, neither.Eval(fields))

	nested := Condition{All: []Condition{
		leaf("symbol", OpEq, "AAPL"),
		{Not: &crash},
	}}
	assert.False(t, nested.Eval(fields))
}

func TestEvalRequiresMatchingTypes(t *testing.T) {
	fields := Fields{"price": 150.0}
	// Numeric field vs non-numeric constant never matches.
	require.False(t, leaf("price", OpEq, "expensive").Eval(fields))
}
