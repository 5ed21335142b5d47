// Package transcript implements the Transcript Probe (§4.6): incremental,
// fault-tolerant reads of the host's append-only JSONL transcript. Every
// read operation returns the zero value on any error rather than
// propagating one — the Safe Mode contract of §7 ("the transcript format
// is not an API"). Line-scanning idiom grounded on
// internal/usage/parser.go (teacher) and other_examples/MichaelC001-ccc's
// getLastAssistantMessage.
package transcript

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// entry is the minimal shape of one transcript line (§4.6). Unknown fields
// are ignored; malformed lines are skipped by the caller.
type entry struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	IsError   *bool           `json:"is_error"`
}

func readLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func parseLine(line string) (entry, bool) {
	var e entry
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		return entry{}, false
	}
	return e, true
}

// textContent extracts non-empty text from a content field that may be a
// plain string or an array of content blocks.
func textContent(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", false
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			sb.WriteString(b.Text)
		}
	}
	out := strings.TrimSpace(sb.String())
	return out, out != ""
}

func toolUseBlocks(raw json.RawMessage) []contentBlock {
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	var out []contentBlock
	for _, b := range blocks {
		if b.Type == "tool_use" {
			out = append(out, b)
		}
	}
	return out
}

func toolResultBlocks(raw json.RawMessage) []contentBlock {
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	var out []contentBlock
	for _, b := range blocks {
		if b.Type == "tool_result" {
			out = append(out, b)
		}
	}
	return out
}

// isArrayContent reports whether raw decodes as a JSON array (tool-result
// shaped), as opposed to a plain string (a user prompt).
func isArrayContent(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "[")
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "…"
}

// LastAssistantText scans backward for the most recent assistant entry
// with non-empty text content (§4.6).
func LastAssistantText(path string, maxLen int) (string, bool) {
	lines := readLines(path)
	for i := len(lines) - 1; i >= 0; i-- {
		e, ok := parseLine(lines[i])
		if !ok || e.Type != "assistant" {
			continue
		}
		if text, found := textContent(e.Content); found {
			return truncate(text, maxLen), true
		}
	}
	return "", false
}

// LastUserText is the symmetric fallback (§4.6).
func LastUserText(path string, maxLen int) (string, bool) {
	lines := readLines(path)
	for i := len(lines) - 1; i >= 0; i-- {
		e, ok := parseLine(lines[i])
		if !ok || e.Type != "user" {
			continue
		}
		if isArrayContent(e.Content) {
			continue
		}
		if text, found := textContent(e.Content); found {
			return truncate(text, maxLen), true
		}
	}
	return "", false
}

// ToolUse is the {id, name, input} triple returned by LastToolUse.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// LastToolUse scans backward for the last tool-use block (§4.6).
func LastToolUse(path string) (ToolUse, bool) {
	lines := readLines(path)
	for i := len(lines) - 1; i >= 0; i-- {
		e, ok := parseLine(lines[i])
		if !ok || e.Type != "assistant" {
			continue
		}
		blocks := toolUseBlocks(e.Content)
		if len(blocks) == 0 {
			continue
		}
		b := blocks[len(blocks)-1]
		var input map[string]any
		json.Unmarshal(b.Input, &input)
		return ToolUse{ID: b.ID, Name: b.Name, Input: input}, true
	}
	return ToolUse{}, false
}

// ToolResult is the result of FindToolResult.
type ToolResult struct {
	Found       bool
	IsError     bool
	OffsetAfter int
}

// FindToolResult scans forward from afterOffset for a tool-result block
// matching toolUseID (§4.6).
func FindToolResult(path, toolUseID string, afterOffset int) ToolResult {
	lines := readLines(path)
	offset := len(lines)
	start := afterOffset
	if start < 0 {
		start = 0
	}
	if start > len(lines) {
		start = len(lines)
	}

	for i := start; i < len(lines); i++ {
		e, ok := parseLine(lines[i])
		if !ok || e.Type != "user" {
			continue
		}
		for _, b := range toolResultBlocks(e.Content) {
			if b.ToolUseID == toolUseID {
				isErr := b.IsError != nil && *b.IsError
				return ToolResult{Found: true, IsError: isErr, OffsetAfter: i + 1}
			}
		}
	}
	return ToolResult{Found: false, OffsetAfter: offset}
}

// FindUserText scans forward for the first user entry whose content is a
// non-empty string (§4.6: array-typed content is a tool-result, not a
// prompt, and must be skipped).
func FindUserText(path string, afterOffset int) (text string, offsetAfter int, found bool) {
	lines := readLines(path)
	offsetAfter = len(lines)
	start := afterOffset
	if start < 0 {
		start = 0
	}
	if start > len(lines) {
		start = len(lines)
	}

	for i := start; i < len(lines); i++ {
		e, ok := parseLine(lines[i])
		if !ok || e.Type != "user" {
			continue
		}
		if isArrayContent(e.Content) {
			continue
		}
		if t, ok := textContent(e.Content); ok {
			return t, i + 1, true
		}
	}
	return "", offsetAfter, false
}

// LineCount returns the number of non-empty lines, or 0 on error (§4.6).
func LineCount(path string) int {
	return len(readLines(path))
}

// Mtime returns the file's modification time in milliseconds since epoch,
// or (0, false) on error (§4.6).
func Mtime(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	return info.ModTime().UnixMilli(), true
}

// SiblingAgentTranscripts returns absolute paths of agent-*.jsonl files in
// path's directory (§4.6), for checking sub-agent tool-use resolution.
func SiblingAgentTranscripts(path string) []string {
	dir := filepath.Dir(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "agent-") && strings.HasSuffix(name, ".jsonl") {
			out = append(out, filepath.Join(dir, name))
		}
	}
	return out
}

// RecentlyModified reports whether path's mtime is within window of now.
func RecentlyModified(path string, window time.Duration, now time.Time) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	d := now.Sub(info.ModTime())
	if d < 0 {
		d = -d
	}
	return d <= window
}
