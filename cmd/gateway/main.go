// Command gateway runs the MCP auth gateway as a standalone HTTP server.
//
// Configuration is environment-sourced (see gateway.ConfigFromEnv). The
// storage backend is selected by REDIS_URL: when set, codes and tokens live
// in Redis so the single-use guarantee holds across replicas; otherwise an
// in-memory store is used.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gateway "github.com/daaplabs/mcp-gateway"
	"github.com/daaplabs/mcp-gateway/instrumentation"
	"github.com/daaplabs/mcp-gateway/security"
	"github.com/daaplabs/mcp-gateway/storage"
	memorystore "github.com/daaplabs/mcp-gateway/storage/memory"
	redisstore "github.com/daaplabs/mcp-gateway/storage/redis"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("Gateway exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := gateway.ConfigFromEnv()
	cfg.Logger = logger

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Enabled:        true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = inst.Shutdown(shutdownCtx)
	}()

	store, closeStore, err := selectStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	auditor := security.NewAuditor(logger, cfg.EnableAuditLogging)
	registry := gateway.NewRegistry(clientsFromEnv())
	engine := gateway.NewEngine(cfg, store, registry, auditor, inst)
	auth := gateway.NewAuthenticator(engine, cfg.StaticToken, auditor, inst)

	// The protocol dispatcher is wired by the embedding deployment; the
	// standalone binary serves the OAuth surface and answers /mcp with 503.
	handler := gateway.NewHandler(cfg, engine, auth, nil, auditor, inst)
	defer handler.Close()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Gateway listening", "addr", cfg.ListenAddr, "version", version)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// selectStore picks the storage backend from configuration.
func selectStore(ctx context.Context, cfg *gateway.Config, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.RedisURL != "" {
		s, err := redisstore.New(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Using Redis storage backend")
		return s, func() { _ = s.Close() }, nil
	}

	logger.Info("Using in-memory storage backend",
		"note", "single-use code guarantee holds within this process only")
	s := memorystore.New(logger)
	return s, func() { _ = s.Close() }, nil
}

// clientsFromEnv builds the static client registry. OAUTH_CLIENT_ID names
// the client; OAUTH_CLIENT_REDIRECT_URIS is a comma-separated allowlist
// (exact URIs or trailing-* prefixes). An empty OAUTH_CLIENT_ID yields an
// empty registry, leaving the gateway fully permissive.
func clientsFromEnv() []gateway.Client {
	clientID := os.Getenv("OAUTH_CLIENT_ID")
	if clientID == "" {
		return nil
	}

	var redirects []string
	for _, uri := range strings.Split(os.Getenv("OAUTH_CLIENT_REDIRECT_URIS"), ",") {
		if uri = strings.TrimSpace(uri); uri != "" {
			redirects = append(redirects, uri)
		}
	}

	client := gateway.Client{
		ID:           clientID,
		Name:         os.Getenv("OAUTH_CLIENT_NAME"),
		Type:         gateway.ClientTypePublic,
		RedirectURIs: redirects,
		Scopes:       []string{gateway.DefaultScope},
	}
	if hash := os.Getenv("OAUTH_CLIENT_SECRET_HASH"); hash != "" {
		client.Type = gateway.ClientTypeConfidential
		client.SecretHash = hash
	}
	return []gateway.Client{client}
}
