package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dodobot/authrelay/internal/log"
)

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if !strings.HasPrefix(version, ConfigVersion) {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	// The custom UnmarshalJSON methods will resolve env vars immediately
	// state is sent unless the backend section turns it off
	config := Config{Backend: BackendConfig{SendState: true}}
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := ApplyEnv(&config); err != nil {
		return Config{}, err
	}
	ApplyDefaults(&config)

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validateRawConfig validates the config structure before environment resolution
func validateRawConfig(rawConfig map[string]any) error {
	storage, ok := rawConfig["storage"].(map[string]any)
	if !ok {
		return nil
	}
	for _, name := range []string{"encryptionKey", "dsn"} {
		value, exists := storage[name]
		if !exists {
			continue
		}
		if name == "dsn" {
			// a file path is fine; only connection strings carry credentials
			if s, isString := value.(string); isString && !strings.Contains(s, "://") {
				continue
			}
		}
		if _, isString := value.(string); isString {
			return fmt.Errorf("%s must use environment variable reference for security", name)
		}
		if refMap, isMap := value.(map[string]any); isMap {
			if _, hasEnv := refMap["$env"]; !hasEnv {
				return fmt.Errorf("%s must use {\"$env\": \"VAR_NAME\"} format", name)
			}
		}
	}
	return nil
}

// ApplyDefaults fills unset fields with their defaults
func ApplyDefaults(config *Config) {
	if config.Server.Addr == "" {
		config.Server.Addr = DefaultAddr
	}
	if config.OAuth.PKCE == "" {
		config.OAuth.PKCE = PKCEPerSession
	}
	if config.OAuth.StateTTL == 0 {
		config.OAuth.StateTTL = DefaultStateTTL
	}
	if config.Storage.Kind == "" {
		config.Storage.Kind = StorageMemory
	}
	if config.Storage.CleanupInterval == 0 {
		config.Storage.CleanupInterval = DefaultCleanupInterval
	}
	if config.Storage.Kind == StorageFirestore && config.Storage.FirestoreCollection == "" {
		config.Storage.FirestoreCollection = DefaultFirestoreCollection
	}
	if config.Backend.CallbackPath == "" {
		config.Backend.CallbackPath = DefaultCallbackPath
	}
	if config.Backend.Timeout == 0 {
		config.Backend.Timeout = DefaultBackendTimeout
	}
	if config.Backend.MaxAttempts == 0 {
		config.Backend.MaxAttempts = DefaultMaxAttempts
	}
	if config.Backend.Backoff == 0 {
		config.Backend.Backoff = DefaultBackoff
	}
	if config.Backend.SuccessPattern == "" {
		config.Backend.SuccessPattern = DefaultSuccessPattern
	}
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if err := validateOAuthConfig(&config.OAuth); err != nil {
		return fmt.Errorf("oauth config: %w", err)
	}
	if err := validateStorageConfig(&config.Storage); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	if err := validateBackendConfig(&config.Backend); err != nil {
		return fmt.Errorf("backend config: %w", err)
	}
	if config.Storage.CleanupInterval > config.OAuth.StateTTL {
		log.LogWarn("State cleanup interval is greater than state TTL")
	}
	return nil
}

func validateOAuthConfig(oauth *OAuthConfig) error {
	if oauth.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if oauth.RedirectURI == "" {
		return fmt.Errorf("redirectUri is required")
	}
	if len(oauth.Scopes) == 0 {
		return fmt.Errorf("at least one scope is required")
	}
	switch oauth.PKCE {
	case PKCEPerSession:
	case PKCELegacy:
		if oauth.LegacyCodeChallenge == "" {
			return fmt.Errorf("legacyCodeChallenge is required when pkce is %q", PKCELegacy)
		}
	default:
		return fmt.Errorf("pkce must be %q or %q, got %q", PKCEPerSession, PKCELegacy, oauth.PKCE)
	}
	if oauth.StateTTL <= 0 {
		return fmt.Errorf("stateTtl must be positive")
	}
	return nil
}

func validateStorageConfig(storage *StorageConfig) error {
	switch storage.Kind {
	case StorageMemory:
	case StorageSQLite:
		if storage.DSN == "" {
			return fmt.Errorf("dsn is required when using sqlite storage")
		}
	case StorageFirestore:
		if storage.GCPProject == "" {
			return fmt.Errorf("gcpProject is required when using firestore storage")
		}
	default:
		return fmt.Errorf("unknown storage kind %q (memory, sqlite, firestore)", storage.Kind)
	}
	if storage.Kind.Persistent() && len(storage.EncryptionKey) != 32 {
		return fmt.Errorf("encryptionKey must be exactly 32 characters (got %d). Generate with: openssl rand -base64 32 | head -c 32", len(storage.EncryptionKey))
	}
	if storage.CleanupInterval < 0 {
		return fmt.Errorf("cleanupInterval cannot be negative")
	}
	return nil
}

func validateBackendConfig(backend *BackendConfig) error {
	if backend.URL != "" {
		u, err := url.Parse(backend.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("url must be an absolute http(s) URL")
		}
	} else {
		log.LogWarn("Backend URL is not configured; callbacks will fail until SERVER_URL is set")
	}
	if backend.Timeout < time.Second || backend.Timeout > MaxBackendTimeout {
		return fmt.Errorf("timeout must be between 1s and %s", MaxBackendTimeout)
	}
	if backend.MaxAttempts < 1 || backend.MaxAttempts > MaxAttempts {
		return fmt.Errorf("maxAttempts must be between 1 and %d", MaxAttempts)
	}
	if backend.Backoff < 0 || backend.Backoff > MaxBackoff {
		return fmt.Errorf("backoff must be between 0 and %s", MaxBackoff)
	}
	if _, err := regexp.Compile(backend.SuccessPattern); err != nil {
		return fmt.Errorf("successPattern is not a valid regular expression: %w", err)
	}
	if backend.TLSInsecureSkipVerify {
		log.LogWarn("TLS verification toward the backend is disabled")
	}
	return nil
}
