// Package server owns the Fiber application: binding, the health and gateway upgrade routes, and graceful
// shutdown. A single fiber.New with a structured ErrorHandler, requestid/cors/log middleware, then routes
// registered against it.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kanbanrt/gateway/internal/config"
	"github.com/kanbanrt/gateway/internal/gateway"
	"github.com/kanbanrt/gateway/internal/httputil"
	"github.com/kanbanrt/gateway/internal/transport"
)

// Server owns the HTTP/WebSocket listener and the drain-then-stop shutdown sequence.
type Server struct {
	cfg *config.Config
	hub *gateway.Hub
	app *fiber.App
	log zerolog.Logger
}

// New builds the Fiber application, wiring the health check against db/rdb and the gateway upgrade route against
// hub, but does not start listening.
func New(cfg *config.Config, hub *gateway.Hub, db *pgxpool.Pool, rdb *redis.Client, logger zerolog.Logger) *Server {
	log := logger.With().Str("component", "server").Logger()

	app := fiber.New(fiber.Config{
		AppName:   "kanbanrt-gateway",
		BodyLimit: int(cfg.MaxPayloadSize),
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
				message = fe.Message
			} else {
				log.Error().Err(err).Str("method", c.Method()).Str("path", c.Path()).Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{Code: httputil.CodeInternalError, Message: message},
			})
		},
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log, "/healthz"))
	app.Use(cors.New())

	app.Get("/healthz", healthHandler(db, rdb))
	app.Get("/statsz", func(c fiber.Ctx) error {
		return httputil.Success(c, hub.Stats())
	})
	app.Get(cfg.Path, transport.New(hub).Upgrade)

	return &Server{cfg: cfg, hub: hub, app: app, log: log}
}

// healthHandler pings Postgres and Valkey and reports component status.
func healthHandler(db *pgxpool.Pool, rdb *redis.Client) fiber.Handler {
	return func(c fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
		defer cancel()

		pgStatus := "ok"
		if err := db.Ping(ctx); err != nil {
			pgStatus = "unavailable"
		}

		vkStatus := "ok"
		if err := rdb.Ping(ctx).Err(); err != nil {
			vkStatus = "unavailable"
		}

		overall := "ok"
		status := fiber.StatusOK
		if pgStatus != "ok" || vkStatus != "ok" {
			overall = "degraded"
			status = fiber.StatusServiceUnavailable
		}

		return httputil.SuccessStatus(c, status, fiber.Map{
			"status":   overall,
			"postgres": pgStatus,
			"valkey":   vkStatus,
		})
	}
}

// Listen binds and serves. It blocks until the listener stops (normally via Shutdown from another goroutine).
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindHost, s.cfg.BindPort)
	s.log.Info().Str("addr", addr).Str("path", s.cfg.Path).Msg("Server listening")
	if err := s.app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown drains the Hub (refusing new connections, letting existing sessions flush their queues up to
// cfg.DrainTimeout) and then stops the Fiber app.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Shutdown(s.cfg.DrainTimeout)

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
