package main

import (
	"context"
	"fmt"
	"log/slog"

	"kiln/internal/artifacts"
	"kiln/internal/backend"
	"kiln/internal/config"
	"kiln/internal/history"
	"kiln/internal/notifications"
	"kiln/internal/pipeline"
	"kiln/internal/quality"
	"kiln/internal/services/imagegen"
	"kiln/internal/services/llm"
)

// serviceFactory builds the external collaborators for one run. The returned
// cleanup func is always safe to call.
type serviceFactory func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (pipeline.Services, func(), error)

// newServices is swapped by tests for a factory with fake backends.
var newServices serviceFactory = buildServices

func buildServices(ctx context.Context, cfg *config.Config, logger *slog.Logger) (pipeline.Services, func(), error) {
	noop := func() {}

	analyzer := llm.NewClient(llm.Config{
		APIKey:         cfg.LLM.APIKey,
		BaseURL:        cfg.LLM.BaseURL,
		Model:          cfg.LLM.Model,
		Referer:        cfg.LLM.Referer,
		Title:          cfg.LLM.Title,
		TimeoutSeconds: cfg.LLM.TimeoutSeconds,
	})
	generator := imagegen.NewClient(imagegen.Config{
		APIKey:         cfg.Generator.APIKey,
		BaseURL:        cfg.Generator.BaseURL,
		Model:          cfg.Generator.Model,
		Size:           cfg.Generator.Size,
		TimeoutSeconds: cfg.Generator.TimeoutSeconds,
	})

	svc := pipeline.Services{
		Backend:  backend.Combine(analyzer, generator),
		Notifier: notifications.NewService(cfg),
	}
	if cfg.Quality.Enabled {
		svc.Gate = quality.NewJudgeGate(analyzer.WithModel(cfg.Quality.Model), cfg.Quality.Criterion, logger)
	}

	sink, err := artifacts.New(cfg)
	if err != nil {
		return pipeline.Services{}, noop, fmt.Errorf("artifact sink: %w", err)
	}
	if s3, ok := sink.(*artifacts.S3Sink); ok {
		if err := s3.EnsureBucket(ctx, cfg.Artifacts.S3Region); err != nil {
			return pipeline.Services{}, noop, fmt.Errorf("artifact sink: %w", err)
		}
	}
	svc.Sink = sink

	store, err := history.Open(cfg)
	if err != nil {
		return pipeline.Services{}, noop, fmt.Errorf("open run history: %w", err)
	}
	svc.History = store

	return svc, func() { _ = store.Close() }, nil
}
