// Package textsim provides mention normalization and the string-similarity
// measure used for approximate alias matching. Postgres deployments push
// similarity into pg_trgm; the SQLite backend and the resolver's margin logic
// use these functions directly so both backends score identically shaped input
// the same way.
package textsim

import "strings"

// Normalize lowercases a mention and collapses internal whitespace. All alias
// lookups operate on normalized text.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

// Similarity returns a score in [0,1] combining Jaro-Winkler with a token
// containment bonus, so both near-misspellings ("Gai Meida") and truncations
// ("Gai" for "Gai Media") score usefully.
func Similarity(a, b string) float64 {
	a, b = Normalize(a), Normalize(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	score := jaroWinkler(a, b)

	// Truncated mentions: a mention that is a whole leading token of the
	// alias (or vice versa) is a strong partial match even when edit
	// similarity is weak.
	shorter, longer := a, b
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if strings.HasPrefix(longer, shorter+" ") || strings.HasPrefix(longer, shorter) {
		containment := float64(len(shorter)) / float64(len(longer))
		if c := 0.6 + 0.4*containment; c > score {
			score = c
		}
	}

	return score
}

// jaroWinkler computes Jaro-Winkler similarity with the standard prefix
// scale of 0.1 over at most 4 characters.
func jaroWinkler(a, b string) float64 {
	j := jaro(a, b)
	if j == 0 {
		return 0
	}

	prefix := 0
	for i := 0; i < len(a) && i < len(b) && i < 4; i++ {
		if a[i] != b[i] {
			break
		}
		prefix++
	}

	return j + float64(prefix)*0.1*(1-j)
}

func jaro(a, b string) float64 {
	la, lb := len(a), len(b)
	if la == 0 || lb == 0 {
		return 0
	}

	window := la
	if lb > window {
		window = lb
	}
	window = window/2 - 1
	if window < 0 {
		window = 0
	}

	matchA := make([]bool, la)
	matchB := make([]bool, lb)

	matches := 0
	for i := 0; i < la; i++ {
		lo := i - window
		if lo < 0 {
			lo = 0
		}
		hi := i + window + 1
		if hi > lb {
			hi = lb
		}
		for j := lo; j < hi; j++ {
			if matchB[j] || a[i] != b[j] {
				continue
			}
			matchA[i] = true
			matchB[j] = true
			matches++
			break
		}
	}

	if matches == 0 {
		return 0
	}

	// Count transpositions among matched characters.
	transpositions := 0
	k := 0
	for i := 0; i < la; i++ {
		if !matchA[i] {
			continue
		}
		for !matchB[k] {
			k++
		}
		if a[i] != b[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	t := float64(transpositions) / 2
	return (m/float64(la) + m/float64(lb) + (m-t)/m) / 3
}
