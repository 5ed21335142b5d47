// Package toolfmt renders a tool-use input object into the human-readable
// line shown in permission prompts (§6.3), grounded on
// other_examples/MichaelC001-ccc's toolInputSummary switch-on-tool-name
// shape.
package toolfmt

import (
	"encoding/json"
)

const maxLen = 100

// Format renders input (the tool-use block's "input" object) for the given
// tool name per the §6.3 template table.
func Format(toolName string, input map[string]any) string {
	switch toolName {
	case "Bash":
		return stringField(input, "command")
	case "Write":
		return "Write to " + stringField(input, "file_path")
	case "Edit":
		return "Edit " + stringField(input, "file_path")
	case "Read":
		return stringField(input, "file_path")
	case "Glob":
		return "Pattern: " + stringField(input, "pattern")
	case "Grep":
		return "Search: " + stringField(input, "pattern")
	case "WebFetch":
		return stringField(input, "url")
	case "WebSearch":
		return stringField(input, "query")
	default:
		return formatOther(input)
	}
}

func stringField(input map[string]any, key string) string {
	v, ok := input[key]
	if !ok {
		return "(unknown " + key + ")"
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "(unknown " + key + ")"
	}
	return s
}

func formatOther(input map[string]any) string {
	for _, v := range input {
		if s, ok := v.(string); ok && s != "" {
			return truncate(s, maxLen)
		}
	}
	b, err := json.Marshal(input)
	if err != nil {
		return "(unknown input)"
	}
	return truncate(string(b), maxLen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
