package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testDSN = "file:/var/lib/authrelay/state.db"
	testKey = "test-encryption-key-32-bytes-ok!"
)

func TestSecretRedaction(t *testing.T) {
	assert.Equal(t, "***", Secret(testKey).String())
	assert.Equal(t, "", Secret("").String())
	assert.Equal(t, "key: ***", fmt.Sprintf("key: %s", Secret(testKey)))
	assert.NotContains(t, fmt.Sprintf("%v", Secret(testKey)), testKey)
}

func TestStorageSecretsNeverPrinted(t *testing.T) {
	storage := StorageConfig{
		Kind:          StorageSQLite,
		DSN:           Secret(testDSN),
		EncryptionKey: Secret(testKey),
	}

	for _, verb := range []string{"%v", "%+v", "%s"} {
		out := fmt.Sprintf(verb, storage)
		assert.NotContains(t, out, "/var/lib/authrelay", "verb %s", verb)
		assert.NotContains(t, out, testKey, "verb %s", verb)
	}

	// the raw value stays usable for wiring the store
	assert.Equal(t, testKey, string(storage.EncryptionKey))
}

func TestConfigJSONRedactsSecrets(t *testing.T) {
	cfg := Config{
		Version: ConfigVersion,
		OAuth:   OAuthConfig{ClientID: "cuD1x"},
		Storage: StorageConfig{Kind: StorageSQLite, DSN: Secret(testDSN), EncryptionKey: Secret(testKey)},
		Backend: BackendConfig{URL: "https://bot.example.com"},
	}

	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	storage := out["storage"].(map[string]any)
	assert.Equal(t, "***", storage["dsn"])
	assert.Equal(t, "***", storage["encryptionKey"])
	assert.NotContains(t, string(data), testKey)
	assert.Contains(t, string(data), "cuD1x")
}
