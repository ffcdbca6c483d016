// Package repair asks a language model for corrected step inputs after a
// failed attempt.
package repair

import (
	"context"
	"encoding/json"
	"strings"
)

// Func returns replacement inputs for a failed step. A nil or empty map
// means no repair is available.
type Func func(ctx context.Context, errorMessage, stepJSON, schemaHint string) (map[string]any, error)

// Disabled never proposes a repair.
func Disabled(context.Context, string, string, string) (map[string]any, error) {
	return nil, nil
}

// ParseInputs extracts the inputs object from model output. The model may
// answer with bare inputs, {"inputs": {...}} or {"step": {"inputs": {...}}},
// optionally fenced in markdown or surrounded by prose.
func ParseInputs(content string) (map[string]any, bool) {
	raw := extractJSONObject(stripMarkdown(content))
	if raw == "" {
		return nil, false
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, false
	}
	if inputs, ok := decoded["inputs"].(map[string]any); ok {
		return inputs, true
	}
	if step, ok := decoded["step"].(map[string]any); ok {
		if inputs, ok := step["inputs"].(map[string]any); ok {
			return inputs, true
		}
	}
	return decoded, true
}

func stripMarkdown(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		return strings.TrimSpace(trimmed)
	}
	return trimmed
}

// extractJSONObject returns the first balanced top-level object, skipping
// braces inside string literals.
func extractJSONObject(value string) string {
	start := strings.IndexByte(value, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(value); i++ {
		c := value[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return value[start : i+1]
			}
		}
	}
	return ""
}
