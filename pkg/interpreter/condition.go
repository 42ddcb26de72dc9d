package interpreter

import (
	"fmt"

	"github.com/signalline/qscore/pkg/contracts"
)

// EvalCondition evaluates a declarative predicate. Operands are resolved
// through resolve; and/or short-circuit in declared order.
func EvalCondition(c contracts.Condition, resolve func(string) (interface{}, error)) (bool, error) {
	switch c.Op {
	case contracts.OpAnd:
		for _, arg := range c.Args {
			ok, err := EvalCondition(arg, resolve)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case contracts.OpOr:
		for _, arg := range c.Args {
			ok, err := EvalCondition(arg, resolve)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case contracts.OpNot:
		if len(c.Args) != 1 {
			return false, fmt.Errorf("condition: not takes exactly one argument")
		}
		ok, err := EvalCondition(c.Args[0], resolve)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}

	val, err := resolve(c.Field)
	if err != nil {
		return false, err
	}

	switch c.Op {
	case contracts.OpEq:
		return looseEqual(val, c.Value), nil
	case contracts.OpNe:
		return !looseEqual(val, c.Value), nil

	case contracts.OpLt, contracts.OpLe, contracts.OpGt, contracts.OpGe:
		a, ok1 := asNumber(val)
		b, ok2 := asNumber(c.Value)
		if !ok1 || !ok2 {
			return false, fmt.Errorf("condition: %s requires numeric operands for field %q", c.Op, c.Field)
		}
		switch c.Op {
		case contracts.OpLt:
			return a < b, nil
		case contracts.OpLe:
			return a <= b, nil
		case contracts.OpGt:
			return a > b, nil
		default:
			return a >= b, nil
		}

	case contracts.OpBetween:
		bounds, ok := c.Value.([]interface{})
		if !ok || len(bounds) != 2 {
			return false, fmt.Errorf("condition: between requires a [low, high] pair for field %q", c.Field)
		}
		a, ok1 := asNumber(val)
		lo, ok2 := asNumber(bounds[0])
		hi, ok3 := asNumber(bounds[1])
		if !ok1 || !ok2 || !ok3 {
			return false, fmt.Errorf("condition: between requires numeric operands for field %q", c.Field)
		}
		return a >= lo && a <= hi, nil

	case contracts.OpIn:
		list, ok := c.Value.([]interface{})
		if !ok {
			return false, fmt.Errorf("condition: in requires a list for field %q", c.Field)
		}
		for _, item := range list {
			if looseEqual(val, item) {
				return true, nil
			}
		}
		return false, nil
	}

	return false, fmt.Errorf("condition: unknown operator %q", c.Op)
}

// looseEqual compares two JSON-ish values: numerically when both sides are
// numbers, by string value otherwise.
func looseEqual(a, b interface{}) bool {
	if an, ok := asNumber(a); ok {
		if bn, ok := asNumber(b); ok {
			return an == bn
		}
		return false
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	ab, aok2 := a.(bool)
	bb, bok2 := b.(bool)
	if aok2 && bok2 {
		return ab == bb
	}
	return false
}

// asNumber widens any numeric representation a JSON decode or a Go caller
// may have produced.
func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
