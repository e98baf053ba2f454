package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesDocumentedDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "./extracted_data", cfg.Paths.DataDir)
	assert.Equal(t, 100, cfg.Rclone.Transfers)
	assert.True(t, cfg.DuckDB.UseInMemory)
	assert.Equal(t, 10000, cfg.NDJSON.BatchUploadSize)
	assert.Equal(t, 6, cfg.Downloader.ParallelDownloads)
}

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	assert.Equal(t, Default(), cfg)
}

func TestLoadMalformedFileFallsBackToDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	cfg := Load(path)
	assert.Equal(t, Default(), cfg)
}

func TestLoadPartialOverridesOnlyGivenFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"rclone": {"transfers": 50}}`), 0o644))
	cfg := Load(path)
	assert.Equal(t, 50, cfg.Rclone.Transfers)
	assert.Equal(t, 4, cfg.Rclone.MaxConcurrentUploads)
	assert.Equal(t, Default().Paths, cfg.Paths)
}

func TestLoadFoldsLegacyKeyCasing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"Paths": {"DataDir": "/mnt/data"}}`), 0o644))
	cfg := Load(path)
	assert.Equal(t, "/mnt/data", cfg.Paths.DataDir)
}

func TestLoadEnvOverridesRemoteBase(t *testing.T) {
	t.Setenv("RCLONE_REMOTE", "remote:bucket")
	cfg := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Equal(t, "remote:bucket", cfg.Rclone.RemoteBase)
}
