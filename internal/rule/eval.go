package rule

import (
	"fmt"
	"strings"
)

// Runtime values are float64, string, bool, nil or []any (list literals).
// Context values of other numeric types are normalized on lookup.

type node interface {
	eval(ctx map[string]any) (any, error)
}

type literalNode struct{ value any }

func (n *literalNode) eval(map[string]any) (any, error) { return n.value, nil }

type identNode struct{ name string }

func (n *identNode) eval(ctx map[string]any) (any, error) {
	v, ok := ctx[n.name]
	if !ok {
		return nil, fmt.Errorf("rule: unknown identifier %q", n.name)
	}
	return normalize(v), nil
}

type listNode struct{ items []node }

func (n *listNode) eval(ctx map[string]any) (any, error) {
	out := make([]any, 0, len(n.items))
	for _, item := range n.items {
		v, err := item.eval(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

type andNode struct{ left, right node }

func (n *andNode) eval(ctx map[string]any) (any, error) {
	l, err := n.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	if !truthy(l) {
		return false, nil
	}
	r, err := n.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

type orNode struct{ left, right node }

func (n *orNode) eval(ctx map[string]any) (any, error) {
	l, err := n.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	if truthy(l) {
		return true, nil
	}
	r, err := n.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

type notNode struct{ inner node }

func (n *notNode) eval(ctx map[string]any) (any, error) {
	v, err := n.inner.eval(ctx)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type negateNode struct{ inner node }

func (n *negateNode) eval(ctx map[string]any) (any, error) {
	v, err := n.inner.eval(ctx)
	if err != nil {
		return nil, err
	}
	f, ok := v.(float64)
	if !ok {
		return nil, fmt.Errorf("rule: cannot negate %T", v)
	}
	return -f, nil
}

type compareNode struct {
	op          string
	left, right node
}

func (n *compareNode) eval(ctx map[string]any) (any, error) {
	l, err := n.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(ctx)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	}

	// Ordered comparisons require matching comparable types.
	switch lv := l.(type) {
	case float64:
		rv, ok := r.(float64)
		if !ok {
			return nil, fmt.Errorf("rule: cannot compare number with %T", r)
		}
		return orderedCompare(n.op, lv, rv), nil
	case string:
		rv, ok := r.(string)
		if !ok {
			return nil, fmt.Errorf("rule: cannot compare string with %T", r)
		}
		switch n.op {
		case "<":
			return lv < rv, nil
		case "<=":
			return lv <= rv, nil
		case ">":
			return lv > rv, nil
		case ">=":
			return lv >= rv, nil
		}
	}
	return nil, fmt.Errorf("rule: type %T does not support %q", l, n.op)
}

func orderedCompare(op string, l, r float64) bool {
	switch op {
	case "<":
		return l < r
	case "<=":
		return l <= r
	case ">":
		return l > r
	case ">=":
		return l >= r
	}
	return false
}

type membershipNode struct{ left, right node }

func (n *membershipNode) eval(ctx map[string]any) (any, error) {
	l, err := n.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	switch container := r.(type) {
	case []any:
		for _, item := range container {
			if equal(l, item) {
				return true, nil
			}
		}
		return false, nil
	case string:
		needle, ok := l.(string)
		if !ok {
			return nil, fmt.Errorf("rule: 'in' on a string requires a string operand, got %T", l)
		}
		return strings.Contains(container, needle), nil
	default:
		return nil, fmt.Errorf("rule: 'in' requires a list or string, got %T", r)
	}
}

type arithmeticNode struct {
	op          string
	left, right node
}

func (n *arithmeticNode) eval(ctx map[string]any) (any, error) {
	l, err := n.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(ctx)
	if err != nil {
		return nil, err
	}

	// String concatenation is the only non-numeric arithmetic.
	if n.op == "+" {
		if ls, ok := l.(string); ok {
			rs, ok := r.(string)
			if !ok {
				return nil, fmt.Errorf("rule: cannot add string and %T", r)
			}
			return ls + rs, nil
		}
	}

	lf, lok := l.(float64)
	rf, rok := r.(float64)
	if !lok || !rok {
		return nil, fmt.Errorf("rule: %q requires numbers, got %T and %T", n.op, l, r)
	}
	switch n.op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("rule: division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, fmt.Errorf("rule: modulo by zero")
		}
		return float64(int64(lf) % int64(rf)), nil
	}
	return nil, fmt.Errorf("rule: unknown operator %q", n.op)
}

// normalize converts context values into the evaluator's runtime types.
func normalize(v any) any {
	switch n := v.(type) {
	case nil, bool, float64, string:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case *bool:
		if n == nil {
			return nil
		}
		return *n
	case []any:
		out := make([]any, len(n))
		for i, item := range n {
			out[i] = normalize(item)
		}
		return out
	default:
		return fmt.Sprint(n)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	default:
		return false
	}
}

func equal(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	switch lv := l.(type) {
	case float64:
		rv, ok := r.(float64)
		return ok && lv == rv
	case string:
		rv, ok := r.(string)
		return ok && lv == rv
	case bool:
		rv, ok := r.(bool)
		return ok && lv == rv
	default:
		return false
	}
}
