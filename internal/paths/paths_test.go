package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveWithExplicitHome(t *testing.T) {
	home := t.TempDir()
	l, err := Resolve(home, "")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "claude-afk"), l.ConfigDir)
	assert.Equal(t, filepath.Join(home, "claude-afk", "state.json"), l.StatePath)
	assert.Equal(t, filepath.Join(home, "claude-afk", "config.json"), l.ConfigPath)
	assert.Equal(t, filepath.Join(home, "claude-afk", "daemon.lock"), l.LockPath)
	assert.Equal(t, filepath.Join(home, "claude-afk", "logs"), l.LogDir)
	assert.Equal(t, "/tmp/claude-afk.sock", l.SocketPath)
	assert.Equal(t, filepath.Join(home, "sessions", "by-terminal"), l.TerminalBindingDir)
}

func TestResolveSocketPathOverride(t *testing.T) {
	home := t.TempDir()
	l, err := Resolve(home, "/tmp/custom.sock")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.sock", l.SocketPath)
}

func TestEnsureDirsCreatesDirectories(t *testing.T) {
	home := t.TempDir()
	l, err := Resolve(home, "")
	require.NoError(t, err)

	require.NoError(t, l.EnsureDirs())

	for _, d := range []string{l.ConfigDir, l.LogDir, l.TerminalBindingDir} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
