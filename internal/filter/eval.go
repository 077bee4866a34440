package filter

import (
	"fmt"
	"strconv"
	"strings"
)

func (e *logicalExpr) eval(r resolver) bool {
	if e.and {
		return e.left.eval(r) && e.right.eval(r)
	}
	return e.left.eval(r) || e.right.eval(r)
}

func (e *notExpr) eval(r resolver) bool { return !e.inner.eval(r) }

// eval never fails: a comparison on an absent field is false.
func (e *compareExpr) eval(r resolver) bool {
	v, ok := r.resolve(e.field)
	if !ok {
		return false
	}
	switch e.op {
	case "==":
		return equalValues(v, e.value)
	case "!=":
		return !equalValues(v, e.value)
	case ">", ">=", "<", "<=":
		lf, ok := numeric(v)
		if !ok {
			return false
		}
		rf := e.value.(float64)
		switch e.op {
		case ">":
			return lf > rf
		case ">=":
			return lf >= rf
		case "<":
			return lf < rf
		default:
			return lf <= rf
		}
	case "contains":
		return strings.Contains(text(v), text(e.value))
	case "matches":
		return e.re.MatchString(text(v))
	case "in":
		for _, item := range e.list {
			if equalValues(v, item) {
				return true
			}
		}
	}
	return false
}

func equalValues(field, lit interface{}) bool {
	if lb, ok := lit.(bool); ok {
		fb, ok := field.(bool)
		return ok && fb == lb
	}
	if lf, ok := lit.(float64); ok {
		if ff, ok := numeric(field); ok {
			return ff == lf
		}
		return false
	}
	return text(field) == text(lit)
}

func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func text(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
