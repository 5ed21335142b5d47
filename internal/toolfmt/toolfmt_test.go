package toolfmt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatBash(t *testing.T) {
	out := Format("Bash", map[string]any{"command": "npm test"})
	assert.Equal(t, "npm test", out)
}

func TestFormatWriteAndEdit(t *testing.T) {
	assert.Equal(t, "Write to a.txt", Format("Write", map[string]any{"file_path": "a.txt"}))
	assert.Equal(t, "Edit a.txt", Format("Edit", map[string]any{"file_path": "a.txt"}))
}

func TestFormatReadGlobGrep(t *testing.T) {
	assert.Equal(t, "a.txt", Format("Read", map[string]any{"file_path": "a.txt"}))
	assert.Equal(t, "Pattern: *.go", Format("Glob", map[string]any{"pattern": "*.go"}))
	assert.Equal(t, "Search: TODO", Format("Grep", map[string]any{"pattern": "TODO"}))
}

func TestFormatWebFetchAndSearch(t *testing.T) {
	assert.Equal(t, "https://example.com", Format("WebFetch", map[string]any{"url": "https://example.com"}))
	assert.Equal(t, "weather today", Format("WebSearch", map[string]any{"query": "weather today"}))
}

func TestFormatMissingFieldReturnsPlaceholder(t *testing.T) {
	out := Format("Bash", map[string]any{})
	assert.Equal(t, "(unknown command)", out)
}

func TestFormatMissingFieldWrongType(t *testing.T) {
	out := Format("Write", map[string]any{"file_path": 42})
	assert.Equal(t, "Write to (unknown file_path)", out)
}

func TestFormatUnknownToolFallsBackToFirstStringField(t *testing.T) {
	out := Format("CustomTool", map[string]any{"query": "do a thing"})
	assert.Equal(t, "do a thing", out)
}

func TestFormatUnknownToolNoStringFieldMarshalsInput(t *testing.T) {
	out := Format("CustomTool", map[string]any{"count": 3})
	assert.Equal(t, `{"count":3}`, out)
}

func TestFormatTruncatesLongValuesForUnknownTools(t *testing.T) {
	long := strings.Repeat("x", 200)
	out := Format("CustomTool", map[string]any{"note": long})
	assert.True(t, strings.HasSuffix(out, "…"))
	assert.LessOrEqual(t, len([]rune(out)), 101)
}

func TestFormatBashDoesNotTruncate(t *testing.T) {
	long := strings.Repeat("x", 200)
	out := Format("Bash", map[string]any{"command": long})
	assert.Equal(t, long, out)
}
