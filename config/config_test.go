package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Port)
	assert.Equal(t, "jim.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jim.yaml")
	data := []byte("port: 8888\ndb_path: /var/lib/jim/jim.db\nlog_level: debug\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8888, cfg.Port)
	assert.Equal(t, "/var/lib/jim/jim.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 8888\n"), 0o644))

	t.Setenv("JIM_PORT", "9999")
	t.Setenv("JIM_DB_PATH", "env.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, "env.db", cfg.DBPath)
}

func TestInvalidPortRejected(t *testing.T) {
	for _, port := range []string{"80", "0", "-1", "70000"} {
		t.Setenv("JIM_PORT", port)
		_, err := Load("")
		assert.Error(t, err, "port %s", port)
	}
}

func TestMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [not a number\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
