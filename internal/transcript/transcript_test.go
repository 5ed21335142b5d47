package transcript

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLines(t *testing.T, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "transcript.jsonl")
	var content string
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLastAssistantTextScansBackward(t *testing.T) {
	path := writeLines(t,
		`{"type":"assistant","content":"first"}`,
		`{"type":"user","content":"ignored array"}`,
		`{"type":"assistant","content":"second"}`,
	)
	text, ok := LastAssistantText(path, 400)
	require.True(t, ok)
	assert.Equal(t, "second", text)
}

func TestLastAssistantTextTruncatesWithEllipsis(t *testing.T) {
	path := writeLines(t, `{"type":"assistant","content":"0123456789"}`)
	text, ok := LastAssistantText(path, 5)
	require.True(t, ok)
	assert.Equal(t, "01234…", text)
}

func TestLastAssistantTextMissingReturnsFalse(t *testing.T) {
	_, ok := LastAssistantText("/does/not/exist.jsonl", 100)
	assert.False(t, ok)
}

func TestLastAssistantTextSkipsMalformedLines(t *testing.T) {
	path := writeLines(t,
		`{"type":"assistant","content":"good"}`,
		`not json at all`,
	)
	text, ok := LastAssistantText(path, 400)
	require.True(t, ok)
	assert.Equal(t, "good", text)
}

func TestLastUserTextSkipsArrayContent(t *testing.T) {
	path := writeLines(t,
		`{"type":"user","content":"hello"}`,
		`{"type":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"x"}]}`,
	)
	text, ok := LastUserText(path, 400)
	require.True(t, ok)
	assert.Equal(t, "hello", text)
}

func TestLastToolUseReturnsLastBlock(t *testing.T) {
	path := writeLines(t,
		`{"type":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}`,
		`{"type":"assistant","content":[{"type":"tool_use","id":"t2","name":"Write","input":{"file_path":"a.txt"}}]}`,
	)
	tu, ok := LastToolUse(path)
	require.True(t, ok)
	assert.Equal(t, "t2", tu.ID)
	assert.Equal(t, "Write", tu.Name)
	assert.Equal(t, "a.txt", tu.Input["file_path"])
}

func TestFindToolResultFoundAndNotFound(t *testing.T) {
	path := writeLines(t,
		`{"type":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{}}]}`,
		`{"type":"user","content":[{"type":"tool_result","tool_use_id":"t1","is_error":false}]}`,
	)
	res := FindToolResult(path, "t1", 0)
	assert.True(t, res.Found)
	assert.False(t, res.IsError)
	assert.Equal(t, 2, res.OffsetAfter)

	res2 := FindToolResult(path, "unknown-id", 0)
	assert.False(t, res2.Found)
	assert.Equal(t, 2, res2.OffsetAfter)
}

func TestFindToolResultIsErrorTrue(t *testing.T) {
	path := writeLines(t, `{"type":"user","content":[{"type":"tool_result","tool_use_id":"t1","is_error":true}]}`)
	res := FindToolResult(path, "t1", 0)
	assert.True(t, res.Found)
	assert.True(t, res.IsError)
}

func TestFindUserTextSkipsToolResultAndFindsPrompt(t *testing.T) {
	path := writeLines(t,
		`{"type":"user","content":[{"type":"tool_result","tool_use_id":"t1","is_error":false}]}`,
		`{"type":"user","content":"please continue"}`,
	)
	text, offset, found := FindUserText(path, 0)
	require.True(t, found)
	assert.Equal(t, "please continue", text)
	assert.Equal(t, 2, offset)
}

func TestFindUserTextRespectsAfterOffset(t *testing.T) {
	path := writeLines(t,
		`{"type":"user","content":"first"}`,
		`{"type":"user","content":"second"}`,
	)
	text, _, found := FindUserText(path, 1)
	require.True(t, found)
	assert.Equal(t, "second", text)
}

func TestLineCountAndMtime(t *testing.T) {
	path := writeLines(t, `{"type":"user","content":"a"}`, `{"type":"user","content":"b"}`)
	assert.Equal(t, 2, LineCount(path))

	_, ok := Mtime(path)
	assert.True(t, ok)

	assert.Equal(t, 0, LineCount("/does/not/exist.jsonl"))
	_, ok = Mtime("/does/not/exist.jsonl")
	assert.False(t, ok)
}

func TestSiblingAgentTranscripts(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "transcript.jsonl")
	require.NoError(t, os.WriteFile(main, []byte(""), 0o644))
	agent1 := filepath.Join(dir, "agent-1.jsonl")
	require.NoError(t, os.WriteFile(agent1, []byte(""), 0o644))
	other := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(other, []byte(""), 0o644))

	siblings := SiblingAgentTranscripts(main)
	assert.Contains(t, siblings, agent1)
	assert.NotContains(t, siblings, other)
	assert.NotContains(t, siblings, main)
}

func TestRecentlyModified(t *testing.T) {
	path := writeLines(t, `{"type":"user","content":"a"}`)
	assert.True(t, RecentlyModified(path, time.Hour, time.Now()))
	assert.False(t, RecentlyModified(path, time.Hour, time.Now().Add(-2*time.Hour)))
}
