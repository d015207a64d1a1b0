package swarm

import "strings"

// Dissimilarity measures structural difference between two outputs as the
// Jaccard distance over lowercased token sets: 0 means identical token
// sets, 1 means fully disjoint. The trigger threshold is configuration,
// not a constant.
func Dissimilarity(a, b string) float64 {
	tokensA := tokenSet(a)
	tokensB := tokenSet(b)
	if len(tokensA) == 0 && len(tokensB) == 0 {
		return 0
	}

	intersect := 0
	for tok := range tokensA {
		if tokensB[tok] {
			intersect++
		}
	}
	union := len(tokensA) + len(tokensB) - intersect
	if union == 0 {
		return 0
	}
	return 1 - float64(intersect)/float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]{}")
		if tok != "" {
			set[tok] = true
		}
	}
	return set
}
