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

	assert.Equal(t, "mongodb://mongo", cfg.MongoURI)
	assert.Equal(t, 10, cfg.ServerCheckInterval)
	assert.Equal(t, 30, cfg.JWTTokenExpireMinutes)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.AnonymousAllowed)
}

func TestLoadFromFile(t *testing.T) {
	content := `
mongo_uri: mongodb://db.internal
server_check_interval: 5
anonymous_allowed: true
anonymous_model: llama3
log_level: debug
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mongodb://db.internal", cfg.MongoURI)
	assert.Equal(t, 5, cfg.ServerCheckInterval)
	assert.True(t, cfg.AnonymousAllowed)
	assert.Equal(t, "llama3", cfg.AnonymousModel)
}

func TestEnvOverridesFile(t *testing.T) {
	content := "enforce_model: mistral\nserver_check_interval: 5\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	t.Setenv("ENFORCE_MODEL", "llama3")
	t.Setenv("SERVER_CHECK_INTERVAL", "15")
	t.Setenv("ANONYMOUS_ALLOWED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "llama3", cfg.EnforceModel)
	assert.Equal(t, 15, cfg.ServerCheckInterval)
	assert.True(t, cfg.AnonymousAllowed)
}

func TestInvalidLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "loud")

	_, err := Load("")
	assert.Error(t, err)
}

func TestInvalidCheckInterval(t *testing.T) {
	t.Setenv("SERVER_CHECK_INTERVAL", "-1")

	_, err := Load("")
	assert.Error(t, err)
}
