package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, int64(2<<20), cfg.ChunkSize)
	require.Equal(t, int64(50<<20), cfg.SessionQuota)
	require.Equal(t, 2*cfg.ChunkSize, cfg.MinFreeSpace)
	require.True(t, cfg.EnforceQuotaOnUpload)
	require.Equal(t, 24*time.Hour, cfg.SessionTTL)
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("chunk_size: 1MiB\nsession_quota: 8MiB\nstorage_path: /var/relay\ncompress_chunks: true\nsession_ttl: 1h\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))
	t.Setenv("RELAY_MIN_FREE_SPACE", "16MiB")

	cfg, err := Load(dir)
	require.NoError(t, err)

	require.Equal(t, int64(1<<20), cfg.ChunkSize)
	require.Equal(t, int64(8<<20), cfg.SessionQuota)
	require.Equal(t, int64(16<<20), cfg.MinFreeSpace)
	require.Equal(t, "/var/relay", cfg.StoragePath)
	require.True(t, cfg.CompressChunks)
	require.Equal(t, time.Hour, cfg.SessionTTL)
}

func TestLoadRejectsQuotaBelowChunk(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("chunk_size: 4MiB\nsession_quota: 1MiB\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoadRejectsBadSize(t *testing.T) {
	t.Setenv("RELAY_CHUNK_SIZE", "lots")
	_, err := Load(t.TempDir())
	require.ErrorContains(t, err, "chunk_size")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.StoragePath = ""
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.SessionTTL = time.Hour
	cfg.ReapInterval = 0
	require.Error(t, cfg.Validate())
}
