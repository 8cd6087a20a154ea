package hook

import "github.com/daimatz/asmhook/pkg/insn"

// Matcher locates a pattern in an instruction list.
type Matcher interface {
	// Find returns the leftmost index >= from at which needle occurs
	// contiguously in haystack.
	Find(haystack *insn.List, needle insn.Pattern, from int) (int, bool)
}

// MatcherFunc adapts a function to Matcher.
type MatcherFunc func(haystack *insn.List, needle insn.Pattern, from int) (int, bool)

// Find calls f.
func (f MatcherFunc) Find(haystack *insn.List, needle insn.Pattern, from int) (int, bool) {
	return f(haystack, needle, from)
}

// Find is the naive contiguous search. Elements compare with insn.Equal,
// so label operands match any label. An empty needle never matches.
func Find(haystack *insn.List, needle insn.Pattern, from int) (int, bool) {
	n, m := haystack.Len(), needle.Len()
	if m == 0 || from < 0 {
		return -1, false
	}
	for i := from; i+m <= n; i++ {
		k := 0
		for k < m && insn.Equal(needle.At(k), haystack.At(i+k)) {
			k++
		}
		if k == m {
			return i, true
		}
	}
	return -1, false
}
