// Package main runs the experimentation engine: deterministic variant
// assignment and feature-flag evaluation behind an HTTP API.
package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/Beacon-Analytics/experiment_layer/internal/app"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/bucket"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/cache"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/httpapi"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/metrics"
	"github.com/Beacon-Analytics/experiment_layer/internal/app/storage/postgres"
	"github.com/Beacon-Analytics/experiment_layer/internal/config"
	"github.com/Beacon-Analytics/experiment_layer/internal/platform/migrations"
	"github.com/Beacon-Analytics/experiment_layer/pkg/logger"
)

func main() {
	addrFlag := flag.String("addr", "", "listen address (overrides SERVER_HOST/SERVER_PORT)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("engine").WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}).WithField("component", "engine")

	addr := cfg.ListenAddr()
	if *addrFlag != "" {
		addr = *addrFlag
	}

	strategy, ok := bucket.ByName(cfg.BucketStrategy)
	if !ok {
		log.Errorf("Unknown bucket strategy %q", cfg.BucketStrategy)
		os.Exit(1)
	}

	var stores app.Stores
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.WithError(err).Error("Failed to open database")
			os.Exit(1)
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := migrations.Apply(ctx, db); err != nil {
			cancel()
			log.WithError(err).Error("Failed to apply migrations")
			os.Exit(1)
		}
		cancel()

		pg := postgres.New(db)
		stores = app.Stores{Experiments: pg, Flags: pg, Evaluations: pg}
		log.Info("Using PostgreSQL store")
	} else {
		log.Info("DATABASE_URL not set; using in-memory store")
	}

	var kv cache.KV
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		kv = cache.NewRedis(client)
		log.Infof("Using Redis cache at %s", cfg.RedisAddr)
	} else {
		log.Info("REDIS_ADDR not set; using in-process cache")
	}

	application, err := app.New(stores, app.Options{
		Cache:         kv,
		Strategy:      strategy,
		FlagConfigTTL: cfg.FlagCacheTTL,
		FlagEvalTTL:   cfg.EvalCacheTTL,
	}, log)
	if err != nil {
		log.WithError(err).Error("Failed to build application")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start application")
		os.Exit(1)
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      metrics.InstrumentHandler(httpapi.NewHandler(application)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Infof("Engine listening on %s", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.WithError(err).Error("Server error")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Server shutdown error")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("Application stop error")
	}

	log.Info("Engine stopped")
}
