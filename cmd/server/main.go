package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"masterdata-backend/internal/admin"
	"masterdata-backend/internal/auth"
	"masterdata-backend/internal/changereq"
	"masterdata-backend/internal/config"
	"masterdata-backend/internal/dedup"
	"masterdata-backend/internal/eav"
	"masterdata-backend/internal/engine"
	"masterdata-backend/internal/ledger"
	"masterdata-backend/internal/ownership"
	"masterdata-backend/internal/replication"
	"masterdata-backend/internal/store"
)

func main() {
	ctx := context.Background()
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	log.Info().Int("port", cfg.Server.Port).Str("driver", cfg.Database.Driver).Msg("config loaded")

	// 2. Connect to database and bootstrap system tables
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}
	defer db.Close()
	if err := db.Bootstrap(ctx); err != nil {
		log.Fatal().Err(err).Msg("bootstrap system tables")
	}

	// 3. Open the signing keyring and the ledger
	keys, err := ledger.LoadOrCreateKeyring(cfg.Ledger.KeyPath, cfg.Ledger.KeyHistory, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("load ledger keyring")
	}
	led, err := ledger.Open(cfg.Ledger.Path, keys, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open ledger")
	}
	defer led.Close()

	// 4. Replay any ledger tail the store missed
	if _, err := engine.Reconcile(ctx, db, led, log); err != nil {
		log.Fatal().Err(err).Msg("reconcile ledger")
	}

	// 5. Wire the write path
	owners := ownership.NewRegistry()
	eavStore := eav.New(db, led, owners, log).AssignServerSeqs()
	svc := engine.NewService(eavStore, owners, ownership.NewPolicy(), changereq.New(db), dedup.NewResolver(), log)

	// 6. Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler(log),
	})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 7. Auth routes (no auth required), then the protected surface
	auth.RegisterRoutes(app, auth.NewHandler(db, cfg.JWTSecret))
	authMW := auth.Middleware(cfg.JWTSecret)

	api := app.Group("/api", authMW)
	engine.NewHandler(svc, log).RegisterRoutes(api)
	admin.NewHandler(svc, led, log).RegisterRoutes(api)

	sync := app.Group("/", authMW)
	replication.RegisterSyncRoutes(sync, replication.NewApplier(db, led, log))

	// 8. Serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Info().Str("addr", addr).Msg("starting server")
	if err := app.Listen(addr); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func errorHandler(log zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			code = fiberErr.Code
		}

		var appErr *engine.AppError
		if errors.As(err, &appErr) {
			return c.Status(appErr.Status).JSON(engine.ErrorResponse{Error: appErr})
		}

		log.Error().Err(err).Str("path", c.Path()).Msg("unhandled error")
		return c.Status(code).JSON(engine.ErrorResponse{
			Error: &engine.AppError{
				Code:    "INTERNAL_ERROR",
				Message: "Internal server error",
			},
		})
	}
}
