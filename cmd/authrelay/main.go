package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/dodobot/authrelay/internal"
	"github.com/dodobot/authrelay/internal/config"
	"github.com/dodobot/authrelay/internal/log"
	"github.com/dodobot/authrelay/internal/oauth"
)

var BuildVersion = "dev"

func defaultConfig() map[string]any {
	return map[string]any{
		"version": config.ConfigVersion,
		"server": map[string]any{
			"addr":           config.DefaultAddr,
			"allowedOrigins": []string{"https://dodobot.ru"},
			"metricsAddr":    ":9090",
		},
		"oauth": map[string]any{
			"clientId":    oauth.DefaultClientID,
			"redirectUri": oauth.DefaultRedirectURI,
			"scopes":      oauth.DefaultScopes,
			"pkce":        config.PKCEPerSession,
			"stateTtl":    config.DefaultStateTTL.String(),
		},
		"storage": map[string]any{
			"kind":            string(config.StorageSQLite),
			"dsn":             "/var/lib/authrelay/state.db",
			"encryptionKey":   map[string]string{"$env": "ENCRYPTION_KEY"},
			"cleanupInterval": config.DefaultCleanupInterval.String(),
		},
		"backend": map[string]any{
			"url":            map[string]string{"$env": "SERVER_URL"},
			"callbackPath":   config.DefaultCallbackPath,
			"timeout":        config.DefaultBackendTimeout.String(),
			"maxAttempts":    config.DefaultMaxAttempts,
			"backoff":        config.DefaultBackoff.String(),
			"sendState":      true,
			"successPattern": config.DefaultSuccessPattern,
		},
	}
}

func generateDefaultConfig(path string) error {
	data, err := json.MarshalIndent(defaultConfig(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfig(path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Printf("Validating: %s\n", path)

	printIssues := func(title string, issues []config.ValidationError) {
		if len(issues) == 0 {
			return
		}
		fmt.Printf("\n%s (%d):\n", title, len(issues))
		for _, issue := range issues {
			if issue.Path != "" {
				fmt.Printf("  - %s: %s\n", issue.Path, issue.Message)
			} else {
				fmt.Printf("  - %s\n", issue.Message)
			}
		}
	}
	printIssues("Errors", result.Errors)
	printIssues("Warnings", result.Warnings)

	fmt.Println()
	if len(result.Errors) == 0 && len(result.Warnings) == 0 {
		fmt.Println("Result: PASS")
	} else if len(result.Errors) == 0 {
		fmt.Println("Result: FAIL (warnings present)")
	} else {
		fmt.Println("Result: FAIL")
	}

	if len(result.Errors) > 0 || len(result.Warnings) > 0 {
		return fmt.Errorf("validation failed: %d error(s), %d warning(s)", len(result.Errors), len(result.Warnings))
	}
	return nil
}

func main() {
	conf := flag.String("config", "", "path to config file (required)")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	validate := flag.Bool("validate", false, "validate config file and exit")
	logLevel := flag.String("log-level", "", "override LOG_LEVEL (error, warn, info, debug, trace)")
	flag.Parse()
	if *logLevel != "" {
		if err := log.SetLogLevel(*logLevel); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(BuildVersion)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	if *validate {
		if *conf == "" {
			fmt.Fprintf(os.Stderr, "Error: -config flag is required for validation\n")
			os.Exit(1)
		}
		if err := validateConfig(*conf); err != nil {
			os.Exit(1)
		}
		return
	}

	if *conf == "" {
		fmt.Fprintf(os.Stderr, "Error: -config flag is required\n")
		fmt.Fprintf(os.Stderr, "Run with -help for usage information\n")
		os.Exit(1)
	}

	cfg, err := config.Load(*conf)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	log.LogInfoWithFields("main", "Starting authrelay", map[string]any{
		"version": BuildVersion,
		"config":  *conf,
	})

	ctx := context.Background()
	app, err := internal.NewAuthRelay(ctx, cfg)
	if err != nil {
		log.LogError("Failed to create auth relay: %v", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		log.LogError("Auth relay stopped with error: %v", err)
		os.Exit(1)
	}
}
