package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigWritesDefaultWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "optional-config.json")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.TCPPort)

	_, err = os.Stat(path)
	require.NoError(t, err, "LoadConfig should persist a default file")
}

func TestLoadConfigJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tcp_port": 9999, "owner_id": 7}`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.TCPPort)
	assert.Equal(t, uint64(7), cfg.OwnerID)
}

func TestLoadConfigTOMLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.toml")
	require.NoError(t, os.WriteFile(path, []byte("tcp_port = 4242\nowner_id = 3\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 4242, cfg.TCPPort)
	assert.Equal(t, uint64(3), cfg.OwnerID)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"tcp_port": 1234}`), 0o644))

	t.Setenv("SYNAC_TCP_PORT", "5555")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5555, cfg.TCPPort)
}
