package sched

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeSetSetHas(t *testing.T) {
	var s NodeSet
	require.False(t, s.Has(3))
	s.Set(3)
	require.True(t, s.Has(3))
	require.False(t, s.Has(4))
	require.Equal(t, 1, s.Count())
}

func TestNodeSetUnionIntersect(t *testing.T) {
	var a, b NodeSet
	a.Set(1)
	a.Set(2)
	b.Set(2)
	b.Set(3)

	u := Union(a, b)
	require.True(t, u.Has(1))
	require.True(t, u.Has(2))
	require.True(t, u.Has(3))
	require.Equal(t, 3, u.Count())

	i := Intersect(a, b)
	require.True(t, i.Has(2))
	require.False(t, i.Has(1))
	require.False(t, i.Has(3))
	require.Equal(t, 1, i.Count())
}

func TestNodeSetRange(t *testing.T) {
	var s NodeSet
	s.Set(0)
	s.Set(5)
	s.Set(19)

	var got []int
	Range(s, func(i int) { got = append(got, i) })
	require.Equal(t, []int{0, 5, 19}, got)
}
