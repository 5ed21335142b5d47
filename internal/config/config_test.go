package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoadDeepMergesNestedObjects(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"alwaysEnabled": true,
		"transcriptPolling": {"intervalMs": 5000}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.AlwaysEnabled)
	assert.Equal(t, 5000, cfg.TranscriptPolling.IntervalMs)
	// fields not overridden in the nested object survive the merge.
	assert.True(t, cfg.TranscriptPolling.Enabled)
	assert.True(t, cfg.TranscriptPolling.EnableMtimeOptimization)
	// top-level fields not present in the file keep their default.
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestLoadReplacesArraysWholesale(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"bulkApprovalTools": ["Edit", "Write"]}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Edit", "Write"}, cfg.BulkApprovalTools)
}

func TestLoadMalformedJSONReturnsDefaultsAndError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not valid json`), 0o644))

	cfg, err := Load(path)
	assert.Error(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, 3600e9, float64(cfg.PermissionTimeoutDuration()))
	assert.Equal(t, 3600e9, float64(cfg.StopTimeoutDuration()))
	assert.Equal(t, 300e9, float64(cfg.StaleThresholdDuration()))
	assert.Equal(t, 2e9, float64(cfg.PollingIntervalDuration()))
	assert.Equal(t, 3000e6, float64(cfg.TranscriptScanInterval()))
}

func TestBulkApprovalAllowed(t *testing.T) {
	cfg := Defaults()
	cfg.BulkApprovalTools = []string{"Edit"}
	assert.True(t, cfg.BulkApprovalAllowed("Edit"))
	assert.False(t, cfg.BulkApprovalAllowed("Bash"))
}

func TestWatchReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"maxRetries": 3}`), 0o644))

	w, err := Watch(zerolog.Nop(), path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`{"maxRetries": 9}`), 0o644))

	select {
	case cfg := <-w.Reloaded:
		assert.Equal(t, 9, cfg.MaxRetries)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
