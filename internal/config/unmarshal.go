package config

import (
	"encoding/json"
	"fmt"
	"time"
)

func parseDuration(field, raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", field, err)
	}
	return d, nil
}

func parseOptionalValue(field string, raw json.RawMessage) (string, error) {
	if raw == nil {
		return "", nil
	}
	parsed, err := ParseConfigValue(raw)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", field, err)
	}
	return parsed.value, nil
}

// UnmarshalJSON implements custom unmarshaling for OAuthConfig
func (o *OAuthConfig) UnmarshalJSON(data []byte) error {
	type rawOAuth struct {
		ClientID            json.RawMessage `json:"clientId"`
		RedirectURI         json.RawMessage `json:"redirectUri"`
		Scopes              []string        `json:"scopes"`
		PKCE                string          `json:"pkce"`
		LegacyCodeChallenge json.RawMessage `json:"legacyCodeChallenge"`
		StateTTL            string          `json:"stateTtl"`
	}

	var raw rawOAuth
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	o.Scopes = raw.Scopes
	o.PKCE = raw.PKCE

	var err error
	if o.StateTTL, err = parseDuration("stateTtl", raw.StateTTL); err != nil {
		return err
	}
	if o.ClientID, err = parseOptionalValue("clientId", raw.ClientID); err != nil {
		return err
	}
	if o.RedirectURI, err = parseOptionalValue("redirectUri", raw.RedirectURI); err != nil {
		return err
	}
	if o.LegacyCodeChallenge, err = parseOptionalValue("legacyCodeChallenge", raw.LegacyCodeChallenge); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for StorageConfig
func (s *StorageConfig) UnmarshalJSON(data []byte) error {
	type rawStorage struct {
		Kind                StorageKind     `json:"kind"`
		DSN                 json.RawMessage `json:"dsn"`
		EncryptionKey       json.RawMessage `json:"encryptionKey"`
		GCPProject          json.RawMessage `json:"gcpProject"`
		FirestoreDatabase   string          `json:"firestoreDatabase"`
		FirestoreCollection string          `json:"firestoreCollection"`
		CleanupInterval     string          `json:"cleanupInterval"`
	}

	var raw rawStorage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Kind = raw.Kind
	s.FirestoreDatabase = raw.FirestoreDatabase
	s.FirestoreCollection = raw.FirestoreCollection

	var err error
	if s.CleanupInterval, err = parseDuration("cleanupInterval", raw.CleanupInterval); err != nil {
		return err
	}

	dsn, err := parseOptionalValue("dsn", raw.DSN)
	if err != nil {
		return err
	}
	s.DSN = Secret(dsn)

	key, err := parseOptionalValue("encryptionKey", raw.EncryptionKey)
	if err != nil {
		return err
	}
	s.EncryptionKey = Secret(key)

	if s.GCPProject, err = parseOptionalValue("gcpProject", raw.GCPProject); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for BackendConfig
func (b *BackendConfig) UnmarshalJSON(data []byte) error {
	type rawBackend struct {
		URL                   json.RawMessage `json:"url"`
		CallbackPath          string          `json:"callbackPath"`
		Timeout               string          `json:"timeout"`
		MaxAttempts           int             `json:"maxAttempts"`
		Backoff               string          `json:"backoff"`
		TLSInsecureSkipVerify bool            `json:"tlsInsecureSkipVerify"`
		SendState             *bool           `json:"sendState"`
		SuccessPattern        string          `json:"successPattern"`
	}

	var raw rawBackend
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	b.CallbackPath = raw.CallbackPath
	b.MaxAttempts = raw.MaxAttempts
	b.TLSInsecureSkipVerify = raw.TLSInsecureSkipVerify
	b.SuccessPattern = raw.SuccessPattern

	// state is sent unless explicitly disabled
	b.SendState = raw.SendState == nil || *raw.SendState

	var err error
	if b.Timeout, err = parseDuration("timeout", raw.Timeout); err != nil {
		return err
	}
	if b.Backoff, err = parseDuration("backoff", raw.Backoff); err != nil {
		return err
	}
	if b.URL, err = parseOptionalValue("url", raw.URL); err != nil {
		return err
	}
	return nil
}
