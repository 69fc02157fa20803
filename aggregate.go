package portalgo

import (
	"fmt"
	"strconv"
)

// AggregateFunc is one of the fixed functions a search expression may apply
// to a property. Each case carries its own reducer; string names exist only
// at the parse boundary.
type AggregateFunc int

const (
	aggNone AggregateFunc = iota
	AggSum
	AggAvg
	AggCount
	AggMin
	AggMax
	AggFirst
	AggLast
)

var aggregateNames = map[string]AggregateFunc{
	"sum":   AggSum,
	"avg":   AggAvg,
	"count": AggCount,
	"min":   AggMin,
	"max":   AggMax,
	"first": AggFirst,
	"last":  AggLast,
}

func parseAggregate(name string) (AggregateFunc, bool) {
	fn, ok := aggregateNames[name]
	return fn, ok
}

func (f AggregateFunc) String() string {
	for name, fn := range aggregateNames {
		if fn == f {
			return name
		}
	}
	return "none"
}

// reduce applies the function to the property's values across one group.
func (f AggregateFunc) reduce(values []any) any {
	switch f {
	case AggCount:
		return len(values)
	case AggSum:
		total, _ := numericFold(values)
		return total
	case AggAvg:
		total, n := numericFold(values)
		if n == 0 {
			return nil
		}
		return total / float64(n)
	case AggMin:
		return extremum(values, true)
	case AggMax:
		return extremum(values, false)
	case AggFirst:
		if len(values) == 0 {
			return nil
		}
		return values[0]
	case AggLast:
		if len(values) == 0 {
			return nil
		}
		return values[len(values)-1]
	}
	return nil
}

func numericFold(values []any) (total float64, n int) {
	for _, v := range values {
		if f, ok := toFloat(v); ok {
			total += f
			n++
		}
	}
	return total, n
}

func extremum(values []any, min bool) any {
	var best any
	for _, v := range values {
		if v == nil {
			continue
		}
		if best == nil || (min && compareValues(v, best) < 0) || (!min && compareValues(v, best) > 0) {
			best = v
		}
	}
	return best
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// compareValues orders two property values: numerically when both are
// numeric, lexically otherwise. Missing values order after present ones so
// a sorted result never leads with blanks.
func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}
