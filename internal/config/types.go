package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// StorageKind selects the state store implementation
type StorageKind string

const (
	StorageMemory    StorageKind = "memory"
	StorageSQLite    StorageKind = "sqlite"
	StorageFirestore StorageKind = "firestore"
)

// Persistent reports whether records survive a restart
func (k StorageKind) Persistent() bool {
	return k == StorageSQLite || k == StorageFirestore
}

// PKCE modes
const (
	PKCEPerSession = "per-session"
	PKCELegacy     = "legacy"
)

const (
	// ConfigVersion is the supported config version prefix
	ConfigVersion = "v0.0.1"

	DefaultAddr                = ":3000"
	DefaultStateTTL            = 30 * time.Minute
	DefaultCleanupInterval     = 5 * time.Minute
	DefaultFirestoreCollection = "authrelay_states"
	DefaultCallbackPath        = "/callback"
	DefaultBackendTimeout      = 15 * time.Second
	DefaultMaxAttempts         = 2
	DefaultBackoff             = 500 * time.Millisecond
	DefaultSuccessPattern      = "успеш"

	MaxBackendTimeout = 60 * time.Second
	MaxBackoff        = 5 * time.Second
	MaxAttempts       = 2
)

// ServerConfig configures the public HTTP listener
type ServerConfig struct {
	Addr           string   `json:"addr"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
	// MetricsAddr enables the Prometheus listener when set
	MetricsAddr string `json:"metricsAddr,omitempty"`
}

// OAuthConfig describes the OAuth client logins are started for
type OAuthConfig struct {
	ClientID            string        `json:"clientId"`
	RedirectURI         string        `json:"redirectUri"`
	Scopes              []string      `json:"scopes"`
	PKCE                string        `json:"pkce"`
	LegacyCodeChallenge string        `json:"legacyCodeChallenge,omitempty"`
	StateTTL            time.Duration `json:"stateTtl"`
}

// StorageConfig selects and configures the state store
type StorageConfig struct {
	Kind                StorageKind   `json:"kind"`
	DSN                 Secret        `json:"dsn"`
	EncryptionKey       Secret        `json:"encryptionKey"`
	GCPProject          string        `json:"gcpProject,omitempty"`
	FirestoreDatabase   string        `json:"firestoreDatabase,omitempty"`
	FirestoreCollection string        `json:"firestoreCollection,omitempty"`
	CleanupInterval     time.Duration `json:"cleanupInterval"`
}

// BackendConfig configures the token-exchange backend the relay posts to
type BackendConfig struct {
	URL                   string        `json:"url"`
	CallbackPath          string        `json:"callbackPath"`
	Timeout               time.Duration `json:"timeout"`
	MaxAttempts           int           `json:"maxAttempts"`
	Backoff               time.Duration `json:"backoff"`
	TLSInsecureSkipVerify bool          `json:"tlsInsecureSkipVerify"`
	SendState             bool          `json:"sendState"`
	SuccessPattern        string        `json:"successPattern"`
}

// Config represents the config structure with resolved values
type Config struct {
	Version string        `json:"version"`
	Server  ServerConfig  `json:"server"`
	OAuth   OAuthConfig   `json:"oauth"`
	Storage StorageConfig `json:"storage"`
	Backend BackendConfig `json:"backend"`
}

// RawConfigValue represents a value that could be a string or env ref
// This is only used during parsing, not in the final config
type RawConfigValue struct {
	value string
}

// ParseConfigValue parses a JSON value that could be a string or reference object
func ParseConfigValue(raw json.RawMessage) (*RawConfigValue, error) {
	// Try plain string first
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return &RawConfigValue{value: str}, nil
	}

	// Try reference object
	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, fmt.Errorf("config value must be string or reference object")
	}

	// Check for $env reference
	if envVar, ok := ref["$env"]; ok {
		value := os.Getenv(envVar)
		if value == "" {
			return nil, fmt.Errorf("environment variable %s not set", envVar)
		}
		// Strip surrounding quotes if present (only matching pairs)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		return &RawConfigValue{value: value}, nil
	}

	return nil, fmt.Errorf("unknown reference type in config value")
}

// ParseConfigValueSlice parses a slice that may contain references
func ParseConfigValueSlice(raw []json.RawMessage) ([]string, error) {
	values := make([]string, len(raw))
	for i, item := range raw {
		parsed, err := ParseConfigValue(item)
		if err != nil {
			return nil, fmt.Errorf("parsing item %d: %w", i, err)
		}
		values[i] = parsed.value
	}
	return values, nil
}
