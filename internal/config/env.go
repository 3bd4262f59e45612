package config

import (
	"fmt"
	"strconv"

	"github.com/caarlos0/env/v11"
)

// envOverrides are deployment-level settings that win over the file.
// Unset variables leave the file value alone.
type envOverrides struct {
	Addr        string      `env:"AUTHRELAY_ADDR"`
	MetricsAddr string      `env:"AUTHRELAY_METRICS_ADDR"`
	Storage     StorageKind `env:"AUTHRELAY_STORAGE"`
	BackendURL  string      `env:"SERVER_URL"`
	DSN         string      `env:"DB_URL"`
	TLSInsecure string      `env:"BACKEND_TLS_INSECURE"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// ApplyEnv overlays environment overrides onto cfg.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := ParseEnv(&o); err != nil {
		return err
	}

	if o.Addr != "" {
		cfg.Server.Addr = o.Addr
	}
	if o.MetricsAddr != "" {
		cfg.Server.MetricsAddr = o.MetricsAddr
	}
	if o.Storage != "" {
		cfg.Storage.Kind = o.Storage
	}
	if o.BackendURL != "" {
		cfg.Backend.URL = o.BackendURL
	}
	if o.DSN != "" {
		cfg.Storage.DSN = Secret(o.DSN)
	}
	if o.TLSInsecure != "" {
		insecure, err := strconv.ParseBool(o.TLSInsecure)
		if err != nil {
			return fmt.Errorf("parse env: BACKEND_TLS_INSECURE: %w", err)
		}
		cfg.Backend.TLSInsecureSkipVerify = insecure
	}
	return nil
}
