package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.EqualValues(t, defaultMaxManifestSize, cfg.MaxManifestSize)
	assert.EqualValues(t, defaultMaxBlobUploadChunkSize, cfg.MaxBlobUploadChunkSize)
	assert.Equal(t, ":5000", cfg.ListenAddr)
	assert.True(t, cfg.RepoNamePattern.MatchString("nginx"))
	assert.True(t, cfg.RepoNamePattern.MatchString("library/nginx"))
	assert.False(t, cfg.RepoNamePattern.MatchString("UPPER"))
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("REGISTRYD_MAX_MANIFEST_SIZE", "1024")
	t.Setenv("REGISTRYD_ENABLE_BLOB_DELETION", "true")
	t.Setenv("REGISTRYD_STORAGE_MINIO_BUCKET", "custom-bucket")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1024, cfg.MaxManifestSize)
	assert.True(t, cfg.EnableBlobDeletion)
	assert.Equal(t, "custom-bucket", cfg.Storage.MinioBucket)
}

func TestMaxBodySizeIsLarger(t *testing.T) {
	cfg := &Config{MaxManifestSize: 10, MaxBlobUploadChunkSize: 20}
	assert.EqualValues(t, 20, cfg.MaxBodySize())
	cfg2 := &Config{MaxManifestSize: 30, MaxBlobUploadChunkSize: 20}
	assert.EqualValues(t, 30, cfg2.MaxBodySize())
}

func TestMissingConfigDirIsNotFatal(t *testing.T) {
	dir := os.TempDir() + "/registryd-config-test-does-not-exist"
	_, err := Load(dir, nil)
	require.NoError(t, err)
}
