package retrieval

import (
	"strings"

	"github.com/lucidity-labs/mnemosyne/internal/config"
)

// proceduralMarkers signal a how-to question.
var proceduralMarkers = []string{
	"how do", "how to", "how can", "steps", "procedure", "process for", "guide",
}

// temporalMarkers signal a question anchored in time.
var temporalMarkers = []string{
	"when", "last time", "recently", "yesterday", "last week", "last month",
	"ago", "latest", "most recent", "history of",
}

// factualMarkers signal an attribute lookup about a known thing.
var factualMarkers = []string{
	"what is", "what are", "what's", "who is", "who's", "which",
	"where is", "where's", "does", "do they", "is the", "are the",
}

// ClassifyQuery maps free query text to a ranking strategy name. The
// heuristics are deliberately coarse; callers wanting precise control pass a
// strategy explicitly.
func ClassifyQuery(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return config.StrategyExploratory
	}

	for _, m := range proceduralMarkers {
		if strings.Contains(t, m) {
			return config.StrategyProcedural
		}
	}
	for _, m := range temporalMarkers {
		if strings.Contains(t, m) {
			return config.StrategyTemporal
		}
	}
	for _, m := range factualMarkers {
		if strings.HasPrefix(t, m) || strings.Contains(t, " "+m+" ") {
			return config.StrategyFactual
		}
	}
	return config.StrategyExploratory
}
