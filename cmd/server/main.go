package main

import (
	"context"
	"log"

	"github.com/joho/godotenv"
	"github.com/opengrants/aggregator/internal/api"
	"github.com/opengrants/aggregator/internal/config"
	"github.com/opengrants/aggregator/internal/db"
	"github.com/opengrants/aggregator/internal/ingest"
	"github.com/opengrants/aggregator/internal/pipeline"
	"github.com/opengrants/aggregator/internal/scheduler"
	"go.uber.org/zap"
)

func main() {
	// .env is optional; absence means production.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool, logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	reg, err := ingest.LoadRegistry("internal/ingest/config/sources.yaml")
	if err != nil {
		logger.Fatal("loading source registry", zap.Error(err))
	}
	logger.Info("source registry loaded",
		zap.Int("sources", len(reg.Sources)),
		zap.Int("enabled", len(reg.Enabled())),
	)

	store := db.NewStore(pool)
	manager := pipeline.NewManager(reg, cfg, logger)

	sched := scheduler.New(manager, store, cfg.ScrapeInterval, logger)
	if cfg.ScheduleEnabled {
		sched.Start(ctx)
		defer sched.Stop()
		logger.Info("scheduler started", zap.Duration("interval", cfg.ScrapeInterval))
	}

	srv := api.NewServer(cfg, store, manager, sched, logger)
	logger.Info("server starting", zap.String("port", cfg.Port))
	if err := srv.Start(cfg.Port); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
