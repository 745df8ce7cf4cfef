package internal

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sellista/authbroker/internal/config"
	"github.com/sellista/authbroker/internal/crypto"
	"github.com/sellista/authbroker/internal/idp"
	"github.com/sellista/authbroker/internal/log"
	"github.com/sellista/authbroker/internal/server"
	"github.com/sellista/authbroker/internal/storage"
	"github.com/sellista/authbroker/internal/urlutil"
	"golang.org/x/sync/errgroup"
)

// AuthBroker represents the complete broker application.
type AuthBroker struct {
	config     config.Config
	httpServer *server.HTTPServer
	store      storage.Store
}

// NewAuthBroker creates a new broker application with all dependencies built.
func NewAuthBroker(ctx context.Context, cfg config.Config) (*AuthBroker, error) {
	log.LogInfoWithFields("authbroker", "Building auth broker application", map[string]any{
		"baseURL":   cfg.Server.BaseURL,
		"providers": len(cfg.Providers),
	})

	store, err := setupStorage(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	providers, err := buildProviders(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build providers: %w", err)
	}

	authHandlers, err := server.NewAuthHandlers(providers, store, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build auth handlers: %w", err)
	}

	mux := buildHTTPHandler(cfg, store, authHandlers)
	httpServer := server.NewHTTPServer(mux, cfg.Server.Addr)

	return &AuthBroker{
		config:     cfg,
		httpServer: httpServer,
		store:      store,
	}, nil
}

// Run starts the broker and blocks until a shutdown signal or server error.
func (a *AuthBroker) Run() error {
	log.LogInfoWithFields("authbroker", "Starting auth broker", map[string]any{
		"addr": a.config.Server.Addr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := a.httpServer.Start(); err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()

		log.LogInfoWithFields("authbroker", "Starting graceful shutdown", map[string]any{
			"timeout": "30s",
		})
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := a.httpServer.Stop(shutdownCtx); err != nil {
			log.LogErrorWithFields("authbroker", "HTTP server shutdown error", map[string]any{
				"error": err.Error(),
			})
			return err
		}
		return nil
	})

	err := group.Wait()

	if closeErr := a.store.Close(); closeErr != nil {
		log.LogErrorWithFields("authbroker", "Storage close error", map[string]any{
			"error": closeErr.Error(),
		})
	}

	log.LogInfoWithFields("authbroker", "Application shutdown complete", nil)
	return err
}

// setupStorage creates storage based on configuration.
func setupStorage(ctx context.Context, cfg config.Config) (storage.Store, error) {
	if cfg.Storage.Kind == config.StorageKindFirestore {
		log.LogInfoWithFields("storage", "Using Firestore storage", map[string]any{
			"project":  cfg.Storage.GCPProject,
			"database": cfg.Storage.Database,
		})
		encryptor, err := crypto.NewAESEncryptor([]byte(cfg.Storage.EncryptionKey))
		if err != nil {
			return nil, fmt.Errorf("failed to create encryptor: %w", err)
		}
		store, err := storage.NewFirestoreStore(ctx, cfg.Storage.GCPProject, cfg.Storage.Database, encryptor)
		if err != nil {
			return nil, fmt.Errorf("failed to create Firestore storage: %w", err)
		}
		return store, nil
	}

	log.LogInfoWithFields("storage", "Using in-memory storage", map[string]any{})
	return storage.NewMemoryStore(), nil
}

// buildProviders constructs an idp.Provider for each configured provider,
// with callback URIs derived from the public base URL.
func buildProviders(cfg config.Config) (map[string]idp.Provider, error) {
	providers := make(map[string]idp.Provider, len(cfg.Providers))

	for name, pc := range cfg.Providers {
		redirectURI, err := urlutil.JoinPath(cfg.Server.BaseURL, "/api/auth/"+name+"/callback")
		if err != nil {
			return nil, fmt.Errorf("building callback URI for %s: %w", name, err)
		}

		clientID := string(pc.ClientID)
		clientSecret := string(pc.ClientSecret)

		switch name {
		case "google":
			providers[name] = idp.NewGoogleProvider(clientID, clientSecret, redirectURI, pc.AllowedDomains)
		case "instagram":
			providers[name] = idp.NewInstagramProvider(clientID, clientSecret, redirectURI)
		case "facebook":
			providers[name] = idp.NewFacebookProvider(clientID, clientSecret, redirectURI)
		case "pinterest":
			providers[name] = idp.NewPinterestProvider(clientID, clientSecret, redirectURI)
		case "tiktok":
			providers[name] = idp.NewTikTokProvider(clientID, clientSecret, redirectURI)
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}

	return providers, nil
}

// buildHTTPHandler assembles the route table and middleware stack.
func buildHTTPHandler(cfg config.Config, store storage.Store, authHandlers *server.AuthHandlers) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", server.HealthHandler)

	// Flow endpoints are rate limited per client IP; the state nonce already
	// defends against CSRF, this defends the providers against us.
	authLimiter := server.NewRateLimitMiddleware(server.AuthRateLimit)
	mux.Handle("GET /api/auth/{provider}/start", authLimiter(http.HandlerFunc(authHandlers.StartHandler)))
	mux.Handle("GET /api/auth/{provider}/callback", authLimiter(http.HandlerFunc(authHandlers.CallbackHandler)))

	mux.HandleFunc("GET /api/auth/session", authHandlers.SessionHandler)
	mux.HandleFunc("POST /api/auth/logout", authHandlers.LogoutHandler)

	// Meta webhooks are signed with the Instagram app secret.
	if ig := cfg.Provider("instagram"); ig != nil {
		webhookHandlers := server.NewWebhookHandlers(store, []byte(ig.ClientSecret), cfg.Server.BaseURL)
		mux.HandleFunc("POST /api/webhooks/instagram/deauthorize", webhookHandlers.DeauthorizeHandler)
		mux.HandleFunc("POST /api/webhooks/instagram/data-deletion", webhookHandlers.DataDeletionHandler)
		mux.HandleFunc("GET /api/webhooks/deletion-status", webhookHandlers.DeletionStatusHandler)
	}

	// Applied inside out: CORS, then logging, then request id outermost so
	// the log line carries it.
	return server.ChainMiddleware(
		mux,
		server.NewCORSMiddleware(cfg.Server.AllowedOrigins),
		server.NewLoggingMiddleware(),
		server.NewRequestIDMiddleware(),
	)
}
