// Command kanbanrt runs the real-time Kanban collaboration gateway: a WebSocket server that authenticates
// connections, routes subscriptions, and dispatches board/task commands against Postgres, with Valkey-backed
// ephemeral presence. Startup loads config, connects Postgres, runs migrations, connects Valkey, wires the
// collaborators, and listens until a termination signal triggers the graceful drain.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kanbanrt/gateway/internal/authn"
	"github.com/kanbanrt/gateway/internal/config"
	"github.com/kanbanrt/gateway/internal/gateway"
	"github.com/kanbanrt/gateway/internal/handlers"
	"github.com/kanbanrt/gateway/internal/postgres"
	"github.com/kanbanrt/gateway/internal/presence"
	"github.com/kanbanrt/gateway/internal/ratelimit"
	"github.com/kanbanrt/gateway/internal/registry"
	"github.com/kanbanrt/gateway/internal/repository"
	"github.com/kanbanrt/gateway/internal/repository/migrations"
	"github.com/kanbanrt/gateway/internal/router"
	"github.com/kanbanrt/gateway/internal/server"
	"github.com/kanbanrt/gateway/internal/valkey"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("env", cfg.ServerEnv).
		Msg("Starting kanbanrt gateway")

	ctx := context.Background()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	if err := postgres.Migrate(cfg.DatabaseURL, migrations.FS, log.Logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	repo := repository.NewPGRepository(db, log.Logger)
	credentialStore := repository.NewUserCredentialStore(db)
	apiKeyStore := repository.NewAPIKeyAccountStore(db)
	presenceStore := presence.NewStore(rdb)

	authenticator := authn.New(cfg.JWTSecret, cfg.JWTIssuer, credentialStore, apiKeyStore, log.Logger)

	limiter := ratelimit.New(
		ratelimit.Policy{Limit: cfg.MaxConnectionsPerWindow, WindowMS: cfg.RateLimitWindowMS},
		ratelimit.Policy{Limit: cfg.MaxMessagesPerMinute, WindowMS: 60_000},
		log.Logger,
	)
	defer limiter.Close()

	reg := registry.New()
	rtr := router.New(reg, cfg.SubscriptionIdleTimeout(), cfg.MaxSubscriptionsPerConn, log.Logger)
	defer rtr.Close()

	deps := &handlers.Deps{
		Repo:        repo,
		Publisher:   rtr,
		Sanitizer:   bluemonday.UGCPolicy(),
		CallTimeout: cfg.RepositoryCallTimeout,
		Log:         log.Logger,
	}

	hub := gateway.NewHub(cfg, authenticator, limiter, reg, rtr, presenceStore, deps, log.Logger)
	srv := server.New(cfg, hub, db, rdb, log.Logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	if err := srv.Listen(); err != nil {
		return err
	}

	return nil
}
