package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"

	"github.com/openquant/deribit-mcp/cmd/mcp-server/auth"
	oauthserver "github.com/openquant/deribit-mcp/cmd/mcp-server/oauth"
	"github.com/openquant/deribit-mcp/internal/config"
	"github.com/openquant/deribit-mcp/internal/deribit"
	"github.com/openquant/deribit-mcp/internal/oauth"
	"github.com/openquant/deribit-mcp/pkg/mcp"
)

const serverVersion = "1.0.0"

func main() {
	root := &cobra.Command{
		Use:          "deribit-mcp",
		Short:        "Deribit MCP server with OAuth 2.1 credential issuance",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var requireAuth bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), requireAuth)
		},
	}
	cmd.Flags().BoolVar(&requireAuth, "require-auth", true, "require bearer tokens on protocol endpoints")
	return cmd
}

func runServe(ctx context.Context, requireAuth bool) error {
	logger := newLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Info("configuration loaded", "config", cfg.Summary())

	oauthCfg := oauth.LoadConfigFromEnv()
	keys, err := oauth.NewKeyManagerFromEnv()
	if err != nil {
		return fmt.Errorf("failed to initialize signing key: %w", err)
	}

	store := oauth.NewMemoryStore(time.Minute, logger)
	defer store.Close()

	authServer := oauthserver.NewServer(oauthCfg, keys, store, nil, logger)
	validator := auth.NewValidator(oauthCfg, keys, store)

	client := deribit.NewClient(cfg, logger)
	service := deribit.NewService(cfg, client, logger)

	manager := mcp.NewSessionManager(func() *mcp.Handler {
		return mcp.NewHandler(service, mcp.ServerInfo{
			Name:    "deribit-mcp-server",
			Version: serverVersion,
		}, cfg.HTTPTimeout, logger)
	}, logger)
	protocol := mcp.NewServer(manager, "/mcp", 15*time.Second, logger)

	mux := http.NewServeMux()
	authServer.Routes(mux)
	mux.HandleFunc("/health", healthHandler(cfg, client, manager))

	var protocolHandler http.Handler = protocol
	if requireAuth {
		protocolHandler = auth.RequireAuth(validator, logger, protocol)
	} else {
		protocolHandler = auth.OptionalAuth(validator, protocol)
	}
	mux.Handle("/mcp", protocolHandler)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", mcp.SessionHeader},
		ExposedHeaders:   []string{mcp.SessionHeader},
		AllowCredentials: true,
	}).Handler(mux)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr, "issuer", oauthCfg.Issuer, "require_auth", requireAuth)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-stop:
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func healthHandler(cfg config.Config, client *deribit.Client, manager *mcp.SessionManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "healthy"
		apiOk := true
		if _, err := client.Public(ctx, "get_time", nil); err != nil {
			status = "degraded"
			apiOk = false
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":          status,
			"env":             cfg.Environment,
			"api_ok":          apiOk,
			"private_enabled": cfg.EnablePrivate,
			"sessions":        manager.Count(),
		})
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
