package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7200", cfg.ListenAddress)
	assert.Equal(t, "grpc", cfg.Transport)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"guid": 42,
		"listen_address": "0.0.0.0:9000",
		"transport": "ws",
		"max_upload_bytes_per_client": 4096,
		"peers": [{"guid": 7, "address": "peer:9000"}]
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), cfg.Guid)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddress)
	assert.Equal(t, "ws", cfg.Transport)
	assert.Equal(t, uint64(4096), cfg.MaxUploadBytesPerClient)
	require.Len(t, cfg.Peers, 1)
	assert.Equal(t, "peer:9000", cfg.Peers[0].Address)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CLOUDMESH_LISTEN_ADDRESS", "127.0.0.1:9999")
	t.Setenv("CLOUDMESH_GUID", "77")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.ListenAddress)
	assert.Equal(t, uint64(77), cfg.Guid)
}

func TestValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"listen_address": ":1", "transport": "carrier-pigeon"}`), 0o644))
	_, err := Load(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"listen_address": ":1", "peers": [{"guid": 1}]}`), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}
