package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tumurzakov/myrepetl/pkg/model"
)

func TestEval_NilPredicateMatchesEverything(t *testing.T) {
	matched, err := Eval(nil, model.Row{"status": "active"})
	require.NoError(t, err)
	assert.True(t, matched)
}

func TestEval_LeafImplicitAnd(t *testing.T) {
	pred := &model.FilterPredicate{
		Leaf: map[string]model.ColumnOp{
			"status": {Op: model.OpEq, Literal: "active"},
			"age":    {Op: model.OpGte, Literal: 18},
		},
	}

	matched, err := Eval(pred, model.Row{"status": "active", "age": 17})
	require.NoError(t, err)
	assert.False(t, matched)

	matched, err = Eval(pred, model.Row{"status": "active", "age": 18})
	require.NoError(t, err)
	assert.True(t, matched)
}

func TestEval_NestedAndOr(t *testing.T) {
	pred := &model.FilterPredicate{
		And: []*model.FilterPredicate{
			{Leaf: map[string]model.ColumnOp{"status": {Op: model.OpEq, Literal: "active"}}},
			{Or: []*model.FilterPredicate{
				{Leaf: map[string]model.ColumnOp{"category": {Op: model.OpEq, Literal: "premium"}}},
				{Leaf: map[string]model.ColumnOp{"score": {Op: model.OpGte, Literal: 90}}},
			}},
		},
	}

	row := model.Row{"status": "active", "category": "free", "score": 95}
	matched, err := Eval(pred, row)
	require.NoError(t, err)
	assert.True(t, matched)
}

func TestEval_Not(t *testing.T) {
	pred := &model.FilterPredicate{
		Not: &model.FilterPredicate{Leaf: map[string]model.ColumnOp{"status": {Op: model.OpEq, Literal: "active"}}},
	}

	matched, err := Eval(pred, model.Row{"status": "inactive"})
	require.NoError(t, err)
	assert.True(t, matched)
}

func TestEval_MissingColumnIsFalse(t *testing.T) {
	pred := &model.FilterPredicate{Leaf: map[string]model.ColumnOp{"status": {Op: model.OpEq, Literal: "active"}}}
	matched, err := Eval(pred, model.Row{"other": 1})
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestEval_NullNeverSatisfiesOrdering(t *testing.T) {
	pred := &model.FilterPredicate{Leaf: map[string]model.ColumnOp{"age": {Op: model.OpGte, Literal: 18}}}
	matched, err := Eval(pred, model.Row{"age": nil})
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestEval_IncomparableTypesReturnError(t *testing.T) {
	pred := &model.FilterPredicate{Leaf: map[string]model.ColumnOp{"age": {Op: model.OpGte, Literal: "eighteen"}}}
	matched, err := Eval(pred, model.Row{"age": 20})
	assert.Error(t, err)
	assert.False(t, matched)
}
