package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeoCryptoFlow/aixin/internal/api"
	"github.com/LeoCryptoFlow/aixin/internal/api/middleware"
	"github.com/LeoCryptoFlow/aixin/internal/config"
	"github.com/LeoCryptoFlow/aixin/internal/contact"
	"github.com/LeoCryptoFlow/aixin/internal/directory"
	"github.com/LeoCryptoFlow/aixin/internal/handlers"
	"github.com/LeoCryptoFlow/aixin/internal/messaging"
	"github.com/LeoCryptoFlow/aixin/internal/realtime"
	"github.com/LeoCryptoFlow/aixin/internal/registry"
	"github.com/LeoCryptoFlow/aixin/internal/store"
	"github.com/LeoCryptoFlow/aixin/internal/task"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Open the durable store, if any
	var db store.DataStore
	switch {
	case cfg.DatabaseURL != "":
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		defer pg.Close()
		db = store.WithMetrics(pg)
		logger.Info().Msg("connected to PostgreSQL")
	case cfg.SQLitePath != "":
		lite, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		defer lite.Close()
		db = store.WithMetrics(lite)
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite database")
	default:
		logger.Warn().Msg("no database configured, state is kept in memory only")
	}

	// Initialize Redis store
	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		var err error
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
	}

	deps := buildDeps(cfg, logger, db, redisStore)

	if db != nil {
		snap, err := db.Load(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("loading persisted state failed")
		}
		deps.Registry.Restore(snap.Agents)
		deps.Contacts.Restore(snap.Contacts)
		deps.Messages.Restore(snap.Groups, snap.Messages, snap.Unread)
		deps.Tasks.Restore(snap.Tasks)
		logger.Info().
			Int("agents", len(snap.Agents)).
			Int("contacts", len(snap.Contacts)).
			Int("groups", len(snap.Groups)).
			Int("messages", len(snap.Messages)).
			Int("tasks", len(snap.Tasks)).
			Msg("restored state")
	}

	go func() {
		if err := deps.Hub.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("realtime hub stopped")
		}
	}()

	// Create router
	router := api.NewRouter(logger, deps, middleware.RateLimiterConfig{
		Whitelist:        cfg.RateLimitWhitelist,
		AutoBlockEnabled: cfg.AutoBlockEnabled,
	})

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("region", cfg.Region).
			Msg("starting AIXin server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")
	stop()

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}

// buildDeps wires the components together. db and redisStore may be nil.
func buildDeps(cfg *config.Config, logger zerolog.Logger, db store.DataStore, redisStore *store.RedisStore) handlers.Deps {
	// Interface values stay nil unless a backend exists; the components
	// fall back to memory-only operation on nil.
	var (
		agentsP   registry.Persister
		contactsP contact.Persister
		messagesP messaging.Persister
		tasksP    task.Persister
		broker    realtime.Broker
	)
	if db != nil {
		agentsP, contactsP, messagesP, tasksP = db, db, db, db
	}
	if redisStore != nil {
		broker = redisStore
	}

	reg := registry.New(
		registry.WithRegion(cfg.Region),
		registry.WithHashCost(cfg.BcryptCost),
		registry.WithPersister(agentsP),
	)
	return handlers.Deps{
		Registry:  reg,
		Contacts:  contact.New(reg, contactsP),
		Messages:  messaging.New(reg, messagesP),
		Tasks:     task.New(reg, tasksP),
		Directory: directory.New(reg),
		DB:        db,
		Redis:     redisStore,
		Hub:       realtime.NewHub(logger, broker),
		Logger:    logger,
		SendLimit: cfg.SendLimit,
	}
}
