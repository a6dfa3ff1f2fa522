package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"ViralLaunch-server/config"
	"ViralLaunch-server/models"
	"ViralLaunch-server/service"

	"github.com/hibiken/asynq"
	"github.com/nats-io/nats.go"
)

// app holds the wired components of one process.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	pipeline  *service.Pipeline
	runner    service.JobRunner
	processor *service.Processor
	staticDir string
	closers   []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	docs, err := a.documentStore(cfg.Database)
	if err != nil {
		return nil, err
	}
	artifacts, err := a.artifactStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	store := service.NewStatusStore(docs, logger)

	var gen service.Generator
	refs := service.NewReferenceResolver(artifacts, nil, logger)
	gemini, genErr := service.NewGeminiGenerator(ctx, cfg.Gemini, refs, logger)
	if genErr != nil {
		logger.Warn("generation service unavailable, runs will fail until configured", "error", genErr)
	} else {
		a.closers = append(a.closers, gemini.Close)
		gen = service.NewRetryingGenerator(gemini,
			service.RetryPolicyFromConfig(cfg.Pipeline.Retry), cfg.Gemini.RequestsPerMinute, logger)
	}

	scheduler := service.NewScheduler(store, docs, artifacts, gen, genErr,
		service.SchedulerOptionsFromConfig(cfg), logger)
	a.pipeline = service.NewPipeline(scheduler, store, docs, artifacts, logger)

	switch cfg.Queue.Driver {
	case "asynq":
		opt := asynq.RedisClientOpt{
			Addr:     cfg.Queue.Redis.Addr,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
		}
		a.processor = service.NewProcessor(opt, cfg.Queue.Concurrency, a.pipeline.HandleJob, logger)
		a.runner = service.NewAsynqRunner(opt, a.processor, logger)
	case "local", "":
		a.runner = service.NewLocalRunner(a.pipeline.HandleJob, logger)
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Queue.Driver)
	}
	a.pipeline.SetRunner(a.runner)

	if cfg.Notify.NATSURL != "" {
		nc, err := nats.Connect(cfg.Notify.NATSURL, nats.Name("virallaunch-server"))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.closers = append(a.closers, nc.Drain)
		notifier := service.NewNATSNotifier(nc, cfg.Notify.Subject, logger)
		go notifier.Run(ctx, store)
		logger.Info("publishing run updates to nats", "subject", cfg.Notify.Subject+".>")
	}
	return a, nil
}

func (a *app) documentStore(cfg config.DatabaseConfig) (service.DocumentStore, error) {
	switch cfg.Driver {
	case "file", "":
		return service.NewFileDocumentStore(cfg.Dir)
	case "mysql", "sqlite":
		db, err := models.InitDB(cfg, a.logger)
		if err != nil {
			return nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			a.closers = append(a.closers, sqlDB.Close)
		}
		return service.NewGormDocumentStore(db), nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

func (a *app) artifactStore(ctx context.Context, cfg config.StorageConfig) (service.ArtifactStore, error) {
	switch cfg.Driver {
	case "local", "":
		s, err := service.NewLocalArtifactStore(cfg.Dir, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		a.staticDir = filepath.Join(s.Root(), "runs")
		return s, nil
	case "minio":
		return service.NewMinIOArtifactStore(ctx, cfg.MinIO, a.logger)
	}
	return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
}

func (a *app) Close(ctx context.Context) {
	if err := a.runner.Shutdown(ctx); err != nil {
		a.logger.Warn("runner shutdown", "error", err)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}
