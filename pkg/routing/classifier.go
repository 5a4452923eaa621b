package routing

import (
	"regexp"
	"strings"
)

var indicators = []struct {
	level    Complexity
	keywords []string
}{
	{Simple, []string{"translate", "summarize", "extract", "list", "define", "format", "convert", "classify", "categorize", "identify"}},
	{Moderate, []string{"explain", "compare", "analyze", "describe", "elaborate", "write", "create", "generate", "draft", "compose"}},
	{Complex, []string{"design", "architect", "optimize", "debug", "refactor", "implement", "develop", "build", "integrate", "migrate"}},
	{Reasoning, []string{"prove", "deduce", "infer", "derive", "calculate", "solve", "reason", "logic", "mathematical", "theorem"}},
}

var (
	codeMarkers = []string{"code", "function", "class", "```"}
	arithmetic  = regexp.MustCompile(`\d\s*[-+*/=^]\s*\d`)
)

// Classify estimates the complexity of prompt from keywords, length, code
// markers and arithmetic. Moderate wins unless another level scores strictly
// higher; among those the earliest level wins.
func Classify(prompt string) Complexity {
	lower := strings.ToLower(prompt)
	scores := map[Complexity]int{}
	for _, ind := range indicators {
		for _, kw := range ind.keywords {
			if strings.Contains(lower, kw) {
				scores[ind.level]++
			}
		}
	}

	switch words := len(strings.Fields(lower)); {
	case words < 20:
		scores[Simple] += 2
	case words < 100:
		scores[Moderate]++
	default:
		scores[Complex]++
	}

	for _, m := range codeMarkers {
		if strings.Contains(lower, m) {
			scores[Complex] += 2
			break
		}
	}
	if arithmetic.MatchString(prompt) || strings.Contains(lower, "equation") || strings.Contains(lower, "formula") {
		scores[Reasoning] += 2
	}

	best, bestScore := Moderate, scores[Moderate]
	for _, ind := range indicators {
		if scores[ind.level] > bestScore {
			best, bestScore = ind.level, scores[ind.level]
		}
	}
	return best
}
