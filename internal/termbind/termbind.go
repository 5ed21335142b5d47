// Package termbind reads the TerminalBinding files written by the host
// (§3.1, §6.6): one JSON file per terminal under sessions/by-terminal/,
// each naming the HostSession currently occupying that terminal. The
// daemon is a read-only consumer — writing these files is an external
// collaborator's job (§1) — so this package has no Write path.
package termbind

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Binding is the minimal shape of a terminal-binding file (§3.1: "each a
// JSON object with at least sessionId").
type Binding struct {
	SessionID string `json:"sessionId"`
}

// Read loads the binding file for terminalID under dir
// (sessions/by-terminal/, §6.6). A missing file or malformed JSON both
// return (Binding{}, false) — the Resolution Watcher treats either as
// "session expired" (§4.9), so this package does not need to distinguish
// the two cases for its caller.
func Read(dir, terminalID string) (Binding, bool) {
	path := filepath.Join(dir, terminalID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return Binding{}, false
	}
	var b Binding
	if err := json.Unmarshal(data, &b); err != nil {
		return Binding{}, false
	}
	return b, true
}
