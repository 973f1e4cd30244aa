package events

import (
	"encoding/json"
	"strings"
)

// searchText extracts the human-searchable text of an event, or "" for
// types that carry none. Both backends index exactly this.
func searchText(t Type, payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}

	switch t {
	case TypeMessageUser, TypeMessageAssistant, TypeMessageSystem:
		var p MessagePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return ""
		}
		var sb strings.Builder
		for _, b := range p.Blocks {
			if b.Text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(b.Text)
			}
		}
		return sb.String()

	case TypeToolCall:
		var p ToolCallPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return ""
		}
		return p.Name + " " + string(p.Input)

	case TypeToolResult:
		var p ToolResultPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return ""
		}
		return p.Content

	case TypeCompactSummary:
		var p CompactSummaryPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return ""
		}
		return p.Summary

	default:
		return ""
	}
}

// ftsQuery wraps user input into a safe FTS5 AND-of-terms match. Every
// token is quoted so query syntax characters are treated literally.
func ftsQuery(input string) string {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " ")
}

// matchesContent is the memory backend's substring equivalent of an FTS
// match: every whitespace-separated term must appear, case-insensitive.
func matchesContent(text, query string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, term := range strings.Fields(strings.ToLower(query)) {
		if !strings.Contains(lower, term) {
			return false
		}
	}
	return true
}
