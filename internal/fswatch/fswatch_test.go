package fswatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestWatchSignalsOnFileWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	w, err := New(zerolog.Nop(), 50*time.Millisecond, dir)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0o644))

	select {
	case <-w.Changed:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change signal")
	}
}

func TestWatchDebouncesRapidWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	w, err := New(zerolog.Nop(), 200*time.Millisecond, dir)
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte(`{"n":1}`), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-w.Changed:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for debounced change signal")
	}

	// the channel is buffered 1 and only one signal should have coalesced
	// from the burst above.
	select {
	case <-w.Changed:
		t.Fatal("expected the rapid writes to coalesce into a single signal")
	default:
	}
}

func TestNewSkipsUnwatchablePath(t *testing.T) {
	w, err := New(zerolog.Nop(), 50*time.Millisecond, filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	defer w.Close()
}
