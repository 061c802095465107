// Package main is the entry point of the parley server.
//
// main wires the layers together, leaves first:
//
//  1. Config and logging
//  2. Error reporting (Sentry)
//  3. Durable store (migrations applied on open)
//  4. Session cache tier and delivery queue
//  5. Repositories, realtime core, services
//  6. Callbacks between the broadcaster and the services
//  7. Handlers, routes, CORS, the HTTP server
//  8. Graceful shutdown
//
// There are no globals besides loggers; everything is built here.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/cors"

	"github.com/akinalp/parley/config"
	"github.com/akinalp/parley/database"
	"github.com/akinalp/parley/middleware"
	"github.com/akinalp/parley/pkg/logging"
	"github.com/akinalp/parley/pkg/metrics"
)

var logger = logging.For("main")

func main() {
	// ─── 1. Config ───
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Configure(cfg.LogLevel)
	logger.Info().Int("port", cfg.Server.Port).Str("env", cfg.Environment).Msg("parley server starting")

	// ─── 2. Sentry ───
	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Environment,
		}); err != nil {
			logger.Fatal().Err(err).Msg("failed to init sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx := context.Background()
	m := metrics.New()

	// ─── 3. Database ───
	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()

	// ─── 4. Cache tier and queue ───
	store, err := initCache(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect session cache")
	}
	defer store.Close()

	q, err := initQueue(ctx, cfg, m)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect delivery queue")
	}

	// ─── 5. Repositories and services ───
	repos := initRepositories(db.Conn)
	svcs := initServices(cfg, db.Conn, repos, store, q, m)

	// ─── 6. Callbacks ───
	if err := registerCallbacks(svcs); err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe to delivery queue")
	}

	go svcs.Audience.Start()
	svcs.Sweeper.Start()

	// ─── 7. HTTP ───
	h, err := initHandlers(cfg, svcs)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize handlers")
	}
	mux := http.NewServeMux()
	initRoutes(mux, h, svcs, m)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	chain := append(middleware.AccessLog(logging.For("http")), middleware.Recover, c.Handler)
	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           middleware.Chain(mux, chain...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// ─── 8. Graceful shutdown ───
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Stop accepting requests first, then detach the live sockets so the
	// session rows do not keep stale live handles.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	svcs.Hub.Shutdown(shutdownCtx)
	svcs.Sweeper.Stop()
	svcs.Audience.Stop()
	h.stop()
	if err := q.Close(); err != nil {
		logger.Warn().Err(err).Msg("queue close")
	}

	logger.Info().Msg("server stopped")
}
