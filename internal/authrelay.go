package internal

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dodobot/authrelay/internal/callback"
	"github.com/dodobot/authrelay/internal/config"
	"github.com/dodobot/authrelay/internal/crypto"
	"github.com/dodobot/authrelay/internal/envutil"
	"github.com/dodobot/authrelay/internal/gateway"
	"github.com/dodobot/authrelay/internal/log"
	"github.com/dodobot/authrelay/internal/metrics"
	"github.com/dodobot/authrelay/internal/oauth"
	"github.com/dodobot/authrelay/internal/relay"
	"github.com/dodobot/authrelay/internal/server"
	"github.com/dodobot/authrelay/internal/storage"
)

// shutdownTimeout bounds graceful shutdown of both listeners and the final
// cleanup pass.
const shutdownTimeout = 30 * time.Second

// AuthRelay is the complete application: state store, login flow, HTTP
// surface and background cleanup.
type AuthRelay struct {
	config        config.Config
	store         storage.StateStore
	cleanup       *storage.CleanupManager
	metrics       *metrics.Metrics
	handler       http.Handler
	httpServer    *server.HTTPServer
	metricsServer *server.MetricsServer
}

// NewAuthRelay builds the application with all dependencies wired.
func NewAuthRelay(ctx context.Context, cfg config.Config) (*AuthRelay, error) {
	log.LogInfoWithFields("authrelay", "Building auth relay", map[string]any{
		"addr":    cfg.Server.Addr,
		"storage": string(cfg.Storage.Kind),
		"pkce":    cfg.OAuth.PKCE,
	})

	m := metrics.New()

	store, err := setupStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	gw, err := buildGateway(cfg, store, m)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	handler := server.NewRouter(server.NewHandlers(gw), cfg.Server.AllowedOrigins)

	// the callback waits for the whole relay budget before answering
	writeTimeout := gateway.CompleteTimeout(relayConfig(cfg.Backend)) + 5*time.Second

	cleanup := storage.NewCleanupManager(store, cfg.Storage.CleanupInterval)
	cleanup.OnSweep(m.RecordCleanup)

	app := &AuthRelay{
		config:     cfg,
		store:      store,
		cleanup:    cleanup,
		metrics:    m,
		handler:    handler,
		httpServer: server.NewHTTPServer(handler, cfg.Server.Addr, writeTimeout),
	}
	if cfg.Server.MetricsAddr != "" {
		app.metricsServer = server.NewMetricsServer(cfg.Server.MetricsAddr, m.Handler())
	}
	return app, nil
}

// Handler returns the public HTTP handler.
func (a *AuthRelay) Handler() http.Handler {
	return a.handler
}

// Run starts the listeners and the cleanup manager and blocks until a
// signal or a listener failure, then shuts everything down.
func (a *AuthRelay) Run() error {
	log.LogInfoWithFields("authrelay", "Starting auth relay", map[string]any{
		"addr":        a.config.Server.Addr,
		"metricsAddr": a.config.Server.MetricsAddr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 2)

	go func() {
		if err := a.httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()
	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.Start(); err != nil {
				errChan <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	a.cleanup.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var shutdownReason string
	var runErr error
	select {
	case sig := <-sigChan:
		shutdownReason = fmt.Sprintf("signal %v", sig)
		log.LogInfoWithFields("authrelay", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case err := <-errChan:
		shutdownReason = fmt.Sprintf("error: %v", err)
		runErr = err
		log.LogErrorWithFields("authrelay", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("authrelay", "Starting graceful shutdown", map[string]any{
		"reason":  shutdownReason,
		"timeout": shutdownTimeout.String(),
	})
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := a.httpServer.Stop(shutdownCtx); err != nil {
		log.LogErrorWithFields("authrelay", "HTTP server shutdown error", map[string]any{
			"error": err.Error(),
		})
		if runErr == nil {
			runErr = err
		}
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			log.LogErrorWithFields("authrelay", "Metrics server shutdown error", map[string]any{
				"error": err.Error(),
			})
		}
	}

	// in-flight callbacks are drained; sweep once more and release the store
	a.cleanup.Stop()
	if err := a.store.Close(); err != nil {
		log.LogErrorWithFields("authrelay", "Failed to close state store", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("authrelay", "Application shutdown complete", map[string]any{
		"reason": shutdownReason,
	})
	return runErr
}

// setupStorage creates the state store selected by storage.kind.
func setupStorage(ctx context.Context, cfg config.Config) (storage.StateStore, error) {
	opts := []storage.Option{storage.WithTTL(cfg.OAuth.StateTTL)}

	switch cfg.Storage.Kind {
	case config.StorageSQLite, config.StorageFirestore:
		encryptor, err := crypto.NewEncryptor([]byte(cfg.Storage.EncryptionKey))
		if err != nil {
			return nil, fmt.Errorf("failed to create encryptor: %w", err)
		}

		if cfg.Storage.Kind == config.StorageFirestore {
			log.LogInfoWithFields("storage", "Using Firestore storage", map[string]any{
				"project":    cfg.Storage.GCPProject,
				"database":   cfg.Storage.FirestoreDatabase,
				"collection": cfg.Storage.FirestoreCollection,
			})
			store, err := storage.NewFirestoreStorage(ctx,
				cfg.Storage.GCPProject,
				cfg.Storage.FirestoreDatabase,
				cfg.Storage.FirestoreCollection,
				encryptor,
				opts...,
			)
			if err != nil {
				return nil, fmt.Errorf("failed to create Firestore storage: %w", err)
			}
			return store, nil
		}

		log.LogInfoWithFields("storage", "Using SQLite storage", nil)
		store, err := storage.NewSQLiteStorage(ctx, string(cfg.Storage.DSN), encryptor, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite storage: %w", err)
		}
		return store, nil

	case config.StorageMemory, "":
		log.LogWarnWithFields("storage", "Using in-memory storage; pending logins are lost on restart", nil)
		return storage.NewMemoryStorage(opts...), nil

	default:
		return nil, fmt.Errorf("unknown storage kind %q", cfg.Storage.Kind)
	}
}

func clientConfig(cfg config.OAuthConfig) oauth.ClientConfig {
	client := oauth.ClientConfig{
		ClientID:            cfg.ClientID,
		RedirectURI:         cfg.RedirectURI,
		Scopes:              cfg.Scopes,
		PKCE:                oauth.PKCEMode(cfg.PKCE),
		LegacyCodeChallenge: cfg.LegacyCodeChallenge,
	}
	if client.RedirectURI == "" {
		client.RedirectURI = oauth.DefaultRedirectURI
	}
	if len(client.Scopes) == 0 {
		client.Scopes = oauth.DefaultScopes
	}
	return client
}

func relayConfig(cfg config.BackendConfig) relay.Config {
	return relay.Config{
		URL:                cfg.URL,
		CallbackPath:       cfg.CallbackPath,
		Timeout:            cfg.Timeout,
		MaxAttempts:        cfg.MaxAttempts,
		Backoff:            cfg.Backoff,
		InsecureSkipVerify: cfg.TLSInsecureSkipVerify,
		SendState:          cfg.SendState,
		SuccessPattern:     cfg.SuccessPattern,
	}
}

func buildGateway(cfg config.Config, store storage.StateStore, m *metrics.Metrics) (*gateway.Gateway, error) {
	issuer, err := oauth.NewIssuer(clientConfig(cfg.OAuth), store)
	if err != nil {
		return nil, fmt.Errorf("failed to create state issuer: %w", err)
	}

	rl, err := relay.New(relayConfig(cfg.Backend), relay.WithRecorder(m))
	if err != nil {
		return nil, fmt.Errorf("failed to create backend relay: %w", err)
	}
	switch {
	case rl.Endpoint() == "":
		log.LogWarnWithFields("authrelay", "Backend URL not set; callbacks will fail until SERVER_URL is configured", nil)
	case !envutil.IsDev() && strings.HasPrefix(rl.Endpoint(), "http://"):
		log.LogWarnWithFields("authrelay", "Backend URL is plain http; authorization codes travel unencrypted", map[string]any{
			"endpoint": rl.Endpoint(),
		})
	default:
		log.LogInfoWithFields("authrelay", "Relaying callbacks", map[string]any{
			"endpoint": rl.Endpoint(),
		})
	}
	if cfg.Backend.TLSInsecureSkipVerify && !envutil.IsDev() {
		log.LogWarnWithFields("authrelay", "TLS verification toward the backend is disabled", nil)
	}

	return gateway.New(issuer, callback.NewVerifier(store), rl, gateway.WithRecorder(m)), nil
}
