package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) addError(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) addWarning(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	result := &ValidationResult{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Check JSON syntax
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Message: fmt.Sprintf("invalid JSON: %v", err),
		})
		return result, nil
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.addError("version", "version field is required. Hint: Add \"version\": \"%s\"", ConfigVersion)
	} else if !strings.HasPrefix(version, ConfigVersion) {
		result.addError("version", "unsupported version '%s' - use '%s'", version, ConfigVersion)
	}

	validateServerStructure(rawConfig, result)
	validateOAuthStructure(rawConfig, result)
	kind := validateStorageStructure(rawConfig, result)
	validateBackendStructure(rawConfig, result)
	validateIntervals(rawConfig, kind, result)

	return result, nil
}

func section(rawConfig map[string]any, name string, result *ValidationResult) (map[string]any, bool) {
	value, exists := rawConfig[name]
	if !exists {
		return nil, false
	}
	m, ok := value.(map[string]any)
	if !ok {
		result.addError(name, "%s must be an object", name)
		return nil, false
	}
	return m, true
}

func validateServerStructure(rawConfig map[string]any, result *ValidationResult) {
	server, ok := section(rawConfig, "server", result)
	if !ok {
		return
	}
	if origins, exists := server["allowedOrigins"]; exists {
		list, ok := origins.([]any)
		if !ok {
			result.addError("server.allowedOrigins", "allowedOrigins must be an array of strings")
			return
		}
		for i, o := range list {
			if s, ok := o.(string); !ok || s == "" {
				result.addError(fmt.Sprintf("server.allowedOrigins[%d]", i), "origin must be a non-empty string")
			}
		}
	}
}

func validateOAuthStructure(rawConfig map[string]any, result *ValidationResult) {
	oauth, ok := section(rawConfig, "oauth", result)
	if !ok {
		result.addError("oauth", "oauth section is required")
		return
	}
	for _, field := range []string{"clientId", "redirectUri"} {
		if _, exists := oauth[field]; !exists {
			result.addError("oauth."+field, "%s is required", field)
		}
	}
	if scopes, ok := oauth["scopes"].([]any); !ok || len(scopes) == 0 {
		result.addError("oauth.scopes", "scopes must be a non-empty array")
	}
	if mode, exists := oauth["pkce"]; exists {
		switch mode {
		case PKCEPerSession:
		case PKCELegacy:
			if _, has := oauth["legacyCodeChallenge"]; !has {
				result.addError("oauth.legacyCodeChallenge", "legacyCodeChallenge is required when pkce is %q", PKCELegacy)
			}
			result.addWarning("oauth.pkce", "legacy PKCE reuses one code challenge for every login. Hint: use %q", PKCEPerSession)
		default:
			result.addError("oauth.pkce", "pkce must be %q or %q", PKCEPerSession, PKCELegacy)
		}
	}
	checkDuration(oauth, "stateTtl", "oauth.stateTtl", 0, 0, result)
}

func validateStorageStructure(rawConfig map[string]any, result *ValidationResult) StorageKind {
	storage, ok := section(rawConfig, "storage", result)
	if !ok {
		return StorageMemory
	}
	kind := StorageMemory
	if k, exists := storage["kind"]; exists {
		s, _ := k.(string)
		kind = StorageKind(s)
	}
	switch kind {
	case StorageMemory:
		result.addWarning("storage.kind", "memory storage loses every pending login on restart")
	case StorageSQLite:
		if _, exists := storage["dsn"]; !exists {
			result.addError("storage.dsn", "dsn is required when using sqlite storage")
		}
	case StorageFirestore:
		if _, exists := storage["gcpProject"]; !exists {
			result.addError("storage.gcpProject", "gcpProject is required when using firestore storage")
		}
	default:
		result.addError("storage.kind", "unknown storage kind '%s' (memory, sqlite, firestore)", kind)
	}

	if key, exists := storage["encryptionKey"]; exists {
		if err := validateEnvVarReference(key, "encryptionKey", "storage.encryptionKey"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	} else if kind.Persistent() {
		result.addError("storage.encryptionKey", "encryptionKey is required when using %s storage", kind)
	}

	if dsn, exists := storage["dsn"]; exists {
		if s, isString := dsn.(string); isString && strings.Contains(s, "://") {
			if err := validateEnvVarReference(dsn, "dsn", "storage.dsn"); err != nil {
				result.Errors = append(result.Errors, *err)
			}
		}
	}
	checkDuration(storage, "cleanupInterval", "storage.cleanupInterval", 0, 0, result)
	return kind
}

func validateBackendStructure(rawConfig map[string]any, result *ValidationResult) {
	backend, ok := section(rawConfig, "backend", result)
	if !ok {
		result.addWarning("backend", "backend section missing; set SERVER_URL or callbacks will fail")
		return
	}
	if _, exists := backend["url"]; !exists {
		result.addWarning("backend.url", "backend url missing; set SERVER_URL or callbacks will fail")
	}
	checkDuration(backend, "timeout", "backend.timeout", time.Second, MaxBackendTimeout, result)
	checkDuration(backend, "backoff", "backend.backoff", 0, MaxBackoff, result)

	if attempts, exists := backend["maxAttempts"]; exists {
		n, ok := attempts.(float64)
		if !ok || n != float64(int(n)) || n < 1 || n > MaxAttempts {
			result.addError("backend.maxAttempts", "maxAttempts must be an integer between 1 and %d", MaxAttempts)
		}
	}
	if pattern, exists := backend["successPattern"]; exists {
		s, ok := pattern.(string)
		if !ok {
			result.addError("backend.successPattern", "successPattern must be a string")
		} else if _, err := regexp.Compile(s); err != nil {
			result.addError("backend.successPattern", "invalid regular expression: %v", err)
		}
	}
	if insecure, _ := backend["tlsInsecureSkipVerify"].(bool); insecure {
		result.addWarning("backend.tlsInsecureSkipVerify", "TLS verification toward the backend is disabled")
	}
}

// checkDuration validates a duration string field. Zero bounds are open.
func checkDuration(m map[string]any, key, path string, min, max time.Duration, result *ValidationResult) {
	value, exists := m[key]
	if !exists {
		return
	}
	s, ok := value.(string)
	if !ok {
		result.addError(path, "%s must be a duration string like \"15s\"", key)
		return
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		result.addError(path, "invalid duration '%s': %v", s, err)
		return
	}
	if d < 0 || (min > 0 && d < min) || (max > 0 && d > max) {
		lo := min.String()
		hi := "unbounded"
		if max > 0 {
			hi = max.String()
		}
		result.addError(path, "%s must be between %s and %s", key, lo, hi)
	}
}

func validateIntervals(rawConfig map[string]any, kind StorageKind, result *ValidationResult) {
	oauth, _ := rawConfig["oauth"].(map[string]any)
	storage, _ := rawConfig["storage"].(map[string]any)

	ttl := DefaultStateTTL
	if s, ok := oauth["stateTtl"].(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			ttl = d
		}
	}
	interval := DefaultCleanupInterval
	if s, ok := storage["cleanupInterval"].(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			interval = d
		}
	}
	if interval > ttl {
		result.addWarning("storage.cleanupInterval",
			"cleanupInterval (%s) is longer than stateTtl (%s). Expired %s records will linger until cleanup runs.",
			interval, ttl, kind)
	}
}

// validateEnvVarReference validates that a field uses proper env var reference format
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		// Check if it looks like a bash-style env var
		bashStyleRegex := regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			varName := matches[1]
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead. Hint: JSON syntax prevents accidental shell expansion and ensures security", v, varName),
			}
		}
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text. Hint: This prevents secrets from being stored in config files", fieldName),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format", fieldName),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	bashStyleRegex := regexp.MustCompile(`\$\{?[A-Z_][A-Z0-9_]*\}?`)

	switch v := value.(type) {
	case string:
		if matches := bashStyleRegex.FindAllString(v, -1); len(matches) > 0 {
			for _, match := range matches {
				varName := strings.Trim(match, "${}")
				result.Warnings = append(result.Warnings, ValidationError{
					Path:    path,
					Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead. Hint: JSON syntax prevents accidental shell expansion in scripts/CI and ensures unambiguous parsing", match, varName),
				})
			}
		}
	case map[string]any:
		// Skip if this is already an env ref
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}

		for key, val := range v {
			newPath := path
			if newPath == "" {
				newPath = key
			} else {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			newPath := fmt.Sprintf("%s[%d]", path, i)
			checkBashStyleSyntax(item, newPath, result)
		}
	}
}
