// Package filter evaluates the nested boolean predicate grammar from
// spec §4.6 against a row. Grounded in spirit (not code) on
// other_examples' dm/syncer filter.go: a total, never-panicking predicate
// evaluator that turns "doesn't apply" into "false" rather than an error,
// so a bad filter drops an event instead of wedging a worker.
package filter

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tumurzakov/myrepetl/pkg/model"
)

// Eval evaluates predicate against row. A nil predicate matches everything
// (no filter configured). Evaluation is total: it never panics; runtime
// errors from comparing incompatible types are reported through err so the
// caller can count the event as filtered (spec §7) rather than applied.
func Eval(predicate *model.FilterPredicate, row model.Row) (matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			err = fmt.Errorf("filter: panic evaluating predicate: %v", r)
		}
	}()

	if predicate == nil {
		return true, nil
	}
	return evalNode(predicate, row)
}

func evalNode(p *model.FilterPredicate, row model.Row) (bool, error) {
	switch {
	case p.Not != nil:
		m, err := evalNode(p.Not, row)
		if err != nil {
			return false, err
		}
		return !m, nil

	case p.And != nil:
		for _, child := range p.And {
			m, err := evalNode(child, row)
			if err != nil {
				return false, err
			}
			if !m {
				return false, nil
			}
		}
		return true, nil

	case p.Or != nil:
		for _, child := range p.Or {
			m, err := evalNode(child, row)
			if err != nil {
				return false, err
			}
			if m {
				return true, nil
			}
		}
		return false, nil

	default:
		// Leaf: implicit AND across every column in the map.
		for col, op := range p.Leaf {
			value, present := row[col]
			m, err := evalLeaf(present, value, op)
			if err != nil {
				return false, err
			}
			if !m {
				return false, nil
			}
		}
		return true, nil
	}
}

// evalLeaf evaluates one "<col>: {<op>: <literal>}" comparison. A missing
// column compares unequal to any literal (spec §4.6, §8 boundary
// behaviour); null never satisfies an ordering predicate.
func evalLeaf(present bool, value interface{}, op model.ColumnOp) (bool, error) {
	if !present {
		return false, nil
	}
	if value == nil {
		// null never satisfies eq (unless literal is also nil) or ordering.
		return op.Op == model.OpEq && op.Literal == nil, nil
	}

	switch op.Op {
	case model.OpEq:
		return compareEq(value, op.Literal), nil
	case model.OpGt, model.OpGte, model.OpLt, model.OpLte:
		cmp, ok := compareOrdered(value, op.Literal)
		if !ok {
			return false, fmt.Errorf("filter: cannot order-compare %T and %T", value, op.Literal)
		}
		switch op.Op {
		case model.OpGt:
			return cmp > 0, nil
		case model.OpGte:
			return cmp >= 0, nil
		case model.OpLt:
			return cmp < 0, nil
		case model.OpLte:
			return cmp <= 0, nil
		}
	}
	return false, fmt.Errorf("filter: unknown operator %q", op.Op)
}

func compareEq(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compareOrdered returns -1/0/1 comparing a to b, and whether the
// comparison was well-defined.
func compareOrdered(a, b interface{}) (int, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}

	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case decimal.Decimal:
		f, _ := n.Float64()
		return f, true
	default:
		return 0, false
	}
}
