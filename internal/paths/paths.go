// Package paths resolves the on-disk layout of §6.6: everything under the
// daemon's own config directory ($HOME/.claude/claude-afk/) plus the
// terminal-bindings directory one level up ($HOME/.claude/sessions/
// by-terminal/), which a different component (the host-session-start
// hook) owns and writes.
package paths

import (
	"os"
	"path/filepath"
)

const serviceDirName = "claude-afk"

// Layout bundles every path the daemon touches on disk.
type Layout struct {
	ConfigDir         string
	StatePath         string
	ConfigPath        string
	LockPath          string
	LogDir            string
	SocketPath        string
	TerminalBindingDir string
}

// Resolve builds the Layout rooted at $HOME/.claude (or claudeHome if
// non-empty, for tests). socketPath overrides the default Unix-socket
// location when non-empty (tests use a short tmp-dir path to stay under
// the platform's socket-path length limit).
func Resolve(claudeHome, socketPath string) (Layout, error) {
	if claudeHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Layout{}, err
		}
		claudeHome = filepath.Join(home, ".claude")
	}

	configDir := filepath.Join(claudeHome, serviceDirName)
	l := Layout{
		ConfigDir:         configDir,
		StatePath:         filepath.Join(configDir, "state.json"),
		ConfigPath:        filepath.Join(configDir, "config.json"),
		LockPath:          filepath.Join(configDir, "daemon.lock"),
		LogDir:            filepath.Join(configDir, "logs"),
		SocketPath:        filepath.Join("/tmp", serviceDirName+".sock"),
		TerminalBindingDir: filepath.Join(claudeHome, "sessions", "by-terminal"),
	}
	if socketPath != "" {
		l.SocketPath = socketPath
	}
	return l, nil
}

// EnsureDirs creates every directory the daemon writes into, ignoring
// "already exists".
func (l Layout) EnsureDirs() error {
	for _, d := range []string{l.ConfigDir, l.LogDir, l.TerminalBindingDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}
