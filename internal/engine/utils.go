// Completion: 100% - Name suggestion complete
package engine

import (
	"slices"
	"strings"
)

// editDistance is the Levenshtein distance between a and b, computed with
// two rolling rows
func editDistance(a, b string) int {
	if a == "" {
		return len(b)
	}
	if b == "" {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			sub := prev[j-1]
			if a[i-1] != b[j-1] {
				sub++
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, sub)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// maxSuggestDistance bounds how far a typo may be from a known name
const maxSuggestDistance = 3

// SuggestSimilar returns up to limit names within a small edit distance of
// name, closest first. Exact matches are not suggestions.
func SuggestSimilar(name string, candidates []string, limit int) []string {
	type scored struct {
		name string
		dist int
	}
	var found []scored
	for _, c := range candidates {
		if d := editDistance(name, c); d > 0 && d <= maxSuggestDistance {
			found = append(found, scored{c, d})
		}
	}
	slices.SortFunc(found, func(x, y scored) int {
		if x.dist != y.dist {
			return x.dist - y.dist
		}
		return strings.Compare(x.name, y.name)
	})
	out := make([]string, 0, min(limit, len(found)))
	for _, s := range found[:min(limit, len(found))] {
		out = append(out, s.name)
	}
	return out
}
