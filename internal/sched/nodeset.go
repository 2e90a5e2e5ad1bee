package sched

import (
	"fmt"
	"strings"
)

// NodeSet is a bitset over node indices [0, MaxNodes). It plays the same
// role for election candidates that a CPU set plays for core affinity:
// a small fixed-width bitmap with union/intersect/range helpers.
type NodeSet uint32

// Set marks idx as a member.
func (s *NodeSet) Set(idx int) { *s |= 1 << uint(idx) }

// Has reports whether idx is a member.
func (s NodeSet) Has(idx int) bool { return s&(1<<uint(idx)) != 0 }

// Count returns the number of members.
func (s NodeSet) Count() int {
	n := 0
	for s != 0 {
		n++
		s &= s - 1
	}
	return n
}

// Union returns the set of indices in a or b.
func Union(a, b NodeSet) NodeSet { return a | b }

// Intersect returns the set of indices in both a and b.
func Intersect(a, b NodeSet) NodeSet { return a & b }

// Range calls fn with every member index in ascending order.
func Range(s NodeSet, fn func(int)) {
	for i := 0; i < MaxNodes; i++ {
		if s.Has(i) {
			fn(i)
		}
	}
}

func (s NodeSet) String() string {
	var sb strings.Builder
	first := true
	Range(s, func(i int) {
		if !first {
			sb.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&sb, "%d", i)
	})
	if first {
		return "{}"
	}
	return "{" + sb.String() + "}"
}
