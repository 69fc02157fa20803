package portalgo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReduce(t *testing.T) {
	values := []any{3.0, "1.5", 2, nil, "not a number"}

	assert.Equal(t, 5, AggCount.reduce(values))
	assert.Equal(t, 6.5, AggSum.reduce(values))
	assert.InDelta(t, 6.5/3, AggAvg.reduce(values), 1e-9)
	assert.Equal(t, "1.5", AggMin.reduce(values))
	assert.Equal(t, 3.0, AggMax.reduce(values))
	assert.Equal(t, 3.0, AggFirst.reduce(values))
	assert.Equal(t, "not a number", AggLast.reduce(values))
}

func TestReduceEmptyGroup(t *testing.T) {
	assert.Equal(t, 0, AggCount.reduce(nil))
	assert.Equal(t, 0.0, AggSum.reduce(nil))
	assert.Nil(t, AggAvg.reduce(nil))
	assert.Nil(t, AggMin.reduce(nil))
	assert.Nil(t, AggFirst.reduce(nil))
	assert.Nil(t, AggLast.reduce(nil))
}

func TestCompareValues(t *testing.T) {
	// Numeric before lexical, nil after everything.
	assert.Negative(t, compareValues(1, 2))
	assert.Positive(t, compareValues(10.5, "9")) // both numeric, "9" parses
	assert.Negative(t, compareValues("apple", "banana"))
	assert.Zero(t, compareValues("x", "x"))
	assert.Positive(t, compareValues(nil, "anything"))
	assert.Negative(t, compareValues("anything", nil))
	assert.Zero(t, compareValues(nil, nil))
}

func TestParseAggregate(t *testing.T) {
	fn, ok := parseAggregate("count")
	assert.True(t, ok)
	assert.Equal(t, AggCount, fn)

	_, ok = parseAggregate("median")
	assert.False(t, ok)
}
