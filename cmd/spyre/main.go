// Spyre server - dispatches Claude Code CLI tasks into Proxmox/LXC
// environments and exposes the pipeline, orchestrator and agent API.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"spyre/pkg/config"
	"spyre/pkg/engine"
	"spyre/pkg/store"
	"spyre/pkg/store/memstore"
	"spyre/pkg/store/pgstore"

	"spyre/pkg/api"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("warning: could not load %s: %v", envPath, err)
	} else {
		log.Printf("loaded environment from %s", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	gin.SetMode(getEnv("GIN_MODE", "release"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("failed to initialize configuration: %v", err)
	}
	slog.Info("configuration loaded", "stats", cfg.Stats())

	st, closeStore, err := openStore(ctx)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer closeStore()

	eng, err := engine.New(ctx, cfg, engine.Options{
		Store:           st,
		CredentialsPath: getEnv("CREDENTIALS_PATH", filepath.Join(*configDir, "credentials.json")),
		OAuthClientID:   getEnv("OAUTH_CLIENT_ID", ""),
	})
	if err != nil {
		log.Fatalf("failed to wire engine: %v", err)
	}
	defer eng.Close()

	if err := eng.Reconcile(ctx); err != nil {
		log.Fatalf("startup reconcile failed: %v", err)
	}

	go func() {
		if err := eng.Run(ctx); err != nil {
			slog.Error("recovery loop exited", "error", err)
		}
	}()

	router := api.NewRouter(eng)
	srv := &http.Server{Addr: ":" + httpPort, Handler: router}

	go func() {
		slog.Info("HTTP server listening", "port", httpPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
}

// openStore selects pgstore when DATABASE_URL is set, falling back to
// memstore for local/dev runs (spec.md's engine is backend-agnostic: both
// implement store.Store).
func openStore(ctx context.Context) (store.Store, func(), error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (state does not survive a restart)")
		return memstore.New(), func() {}, nil
	}

	pg, err := pgstore.New(ctx, pgstore.Config{DSN: dsn})
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
