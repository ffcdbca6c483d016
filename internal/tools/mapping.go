package tools

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/autoplan/autoplan/internal/guard"
)

// buildTableMapping pairs each table the statement references but the
// database lacks with its closest existing name. Entries that only differ in
// case are dropped; MySQL may still resolve those.
func buildTableMapping(sqlText string, available []string, cutoff float64) map[string]string {
	requested := guard.ReferencedTables(sqlText)
	if len(requested) == 0 || len(available) == 0 {
		return map[string]string{}
	}
	byLower := make(map[string]string, len(available))
	candidates := make([]string, 0, len(available))
	for _, name := range available {
		key := strings.ToLower(name)
		if _, seen := byLower[key]; seen {
			continue
		}
		byLower[key] = name
		candidates = append(candidates, key)
	}

	mapping := map[string]string{}
	for _, table := range requested {
		key := strings.ToLower(table)
		if _, exists := byLower[key]; exists {
			continue
		}
		match, ok := closestMatch(key, candidates, cutoff)
		if !ok {
			continue
		}
		replacement := byLower[match]
		if strings.ToLower(replacement) != key {
			mapping[table] = replacement
		}
	}
	return mapping
}

// closestMatch returns the candidate with the highest similarity ratio at or
// above cutoff. Ties go to the lexically greater candidate.
func closestMatch(word string, candidates []string, cutoff float64) (string, bool) {
	matcher := difflib.NewMatcher(nil, splitChars(word))
	best := ""
	bestScore := -1.0
	for _, candidate := range candidates {
		matcher.SetSeq1(splitChars(candidate))
		if matcher.RealQuickRatio() < cutoff || matcher.QuickRatio() < cutoff {
			continue
		}
		score := matcher.Ratio()
		if score < cutoff {
			continue
		}
		if score > bestScore || (score == bestScore && candidate > best) {
			best, bestScore = candidate, score
		}
	}
	return best, bestScore >= 0
}

func splitChars(value string) []string {
	chars := make([]string, 0, len(value))
	for _, r := range value {
		chars = append(chars, string(r))
	}
	return chars
}
