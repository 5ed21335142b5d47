package gate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")

	g, err := Acquire(path)
	require.NoError(t, err)
	require.NotNil(t, g)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var info LockInfo
	require.NoError(t, json.Unmarshal(data, &info))
	assert.Equal(t, os.Getpid(), info.PID)

	require.NoError(t, g.Release())
}

func TestAcquireRefusesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")

	g, err := Acquire(path)
	require.NoError(t, err)
	defer g.Release()

	_, err = Acquire(path)
	assert.Error(t, err)
}

func TestAcquireSucceedsAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")

	g1, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, g1.Release())

	g2, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, g2.Release())
}

func TestAcquireRefusesOnStaleLockHeldByUnreachablePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB))

	stale := LockInfo{PID: 999999, StartedAt: time.Now().Add(-time.Hour)}
	enc := json.NewEncoder(f)
	require.NoError(t, enc.Encode(stale))

	_, err = Acquire(path)
	assert.Error(t, err)
}
