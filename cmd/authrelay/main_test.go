package main

import (
	"path/filepath"
	"testing"

	"github.com/dodobot/authrelay/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratedConfigValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, generateDefaultConfig(path))

	result, err := config.ValidateFile(path)
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
	assert.NoError(t, validateConfig(path))
}

func TestGeneratedConfigLoads(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "test-encryption-key-32-bytes-ok!")
	t.Setenv("SERVER_URL", "https://bot.example.com")

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, generateDefaultConfig(path))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.StorageSQLite, cfg.Storage.Kind)
	assert.Equal(t, "https://bot.example.com", cfg.Backend.URL)
	assert.Equal(t, "cuD1x", cfg.OAuth.ClientID)
	assert.NotEmpty(t, cfg.OAuth.Scopes)
}
