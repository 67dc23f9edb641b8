package engine

import "math/rand"

// Order returns a copy of specs arranged according to strategy. A
// ForwardedQuery consumes the returned list front-to-back.
//
// name is only consulted for the Named strategy, where it selects the one
// ServerSpec with a matching Name; if no spec matches, Order returns an
// empty slice and the caller's forwarded query terminates as if no servers
// were configured.
func Order(specs []ServerSpec, strategy SelectionStrategy, name string) []ServerSpec {
	out := make([]ServerSpec, len(specs))
	copy(out, specs)

	switch strategy {
	case Priority:
		insertionSort(out, func(a, b ServerSpec) bool { return a.Priority > b.Priority })
	case Speed:
		insertionSort(out, func(a, b ServerSpec) bool { return a.Timeout < b.Timeout })
	case RoundRobin:
		// Configured order, left as-is.
	case Random:
		rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	case Named:
		for _, s := range out {
			if s.Name == name {
				return []ServerSpec{s}
			}
		}
		return nil
	}

	return out
}

// insertionSort is a small stable sort used instead of sort.Slice: the lists
// involved are always a handful of configured servers, and a stable sort
// keeps ties in their configured order without pulling in sort.SliceStable's
// reflection-based comparator indirection for such small N.
func insertionSort(specs []ServerSpec, less func(a, b ServerSpec) bool) {
	for i := 1; i < len(specs); i++ {
		for j := i; j > 0 && less(specs[j], specs[j-1]); j-- {
			specs[j], specs[j-1] = specs[j-1], specs[j]
		}
	}
}
