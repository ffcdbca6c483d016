package guard

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
)

// Hint is the single inline optimizer directive the guard lets through.
type Hint string

var allowedHintPattern = regexp.MustCompile(`(?i)/\*\+\s*MAX_EXECUTION_TIME\(\d+\)\s*\*/`)

const selectKeyword = "select"

// ExtractHint removes one MAX_EXECUTION_TIME hint. Any other comment is left in
// place for RejectUnsafeTokens to refuse.
func ExtractHint(sqlText string) (string, Hint) {
	loc := allowedHintPattern.FindStringIndex(sqlText)
	if loc == nil {
		return sqlText, ""
	}
	hint := Hint(sqlText[loc[0]:loc[1]])
	start, end := loc[0], loc[1]
	if start > 0 && end < len(sqlText) && isSpace(sqlText[start-1]) && isSpace(sqlText[end]) {
		end++
	}
	return sqlText[:start] + sqlText[end:], hint
}

// ReapplyHint puts the hint immediately after the leading SELECT keyword.
func ReapplyHint(sqlText string, hint Hint) string {
	if hint == "" {
		return sqlText
	}
	stripped := strings.TrimLeftFunc(sqlText, unicode.IsSpace)
	if !startsWithSelect(stripped) {
		return sqlText
	}
	prefix := sqlText[:len(sqlText)-len(stripped)]
	head := stripped[:len(selectKeyword)]
	rest := stripped[len(selectKeyword):]
	if rest != "" && !isSpace(rest[0]) {
		rest = " " + rest
	}
	return prefix + head + " " + string(hint) + rest
}

func ApplyExecutionTimeHint(sqlText string, timeout time.Duration) string {
	if timeout <= 0 {
		return sqlText
	}
	stripped := strings.TrimLeftFunc(sqlText, unicode.IsSpace)
	if !startsWithSelect(stripped) {
		return sqlText
	}
	if strings.Contains(strings.ToUpper(stripped), "MAX_EXECUTION_TIME") {
		return sqlText
	}
	return ReapplyHint(sqlText, ExecutionTimeHint(timeout))
}

func ExecutionTimeHint(timeout time.Duration) Hint {
	return Hint(fmt.Sprintf("/*+ MAX_EXECUTION_TIME(%d) */", timeout.Milliseconds()))
}

func startsWithSelect(text string) bool {
	if len(text) < len(selectKeyword) || !strings.EqualFold(text[:len(selectKeyword)], selectKeyword) {
		return false
	}
	if len(text) == len(selectKeyword) {
		return true
	}
	next := text[len(selectKeyword)]
	return isSpace(next) || next == '/' || next == '*' || next == '('
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
