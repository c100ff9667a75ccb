package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"kiln/internal/backend"
	"kiln/internal/checkpoint"
	"kiln/internal/config"
	"kiln/internal/credentials"
	"kiln/internal/notifications"
	"kiln/internal/quality"
	"kiln/internal/ratectl"
	"kiln/internal/stepexec"
)

// Services are the external collaborators an Engine is built around. Only
// Backend is required.
type Services struct {
	Backend  backend.Backend
	Gate     quality.Gate
	Sink     stepexec.ArtifactSink
	Notifier notifications.Service
	History  Recorder
}

// Engine owns the per-run state for one run key: the locked checkpoint
// store, the rate controller, and the credential rotator.
type Engine struct {
	Store   *checkpoint.Store
	Rates   *ratectl.Controller
	Rotator *credentials.Rotator

	coordinator *Coordinator
}

// NewEngine opens the checkpoint for runKey and wires a coordinator. Close
// releases the checkpoint lock.
func NewEngine(cfg *config.Config, runKey string, svc Services, logger *slog.Logger, opts ...stepexec.Option) (*Engine, error) {
	if svc.Backend == nil {
		return nil, errors.New("engine: backend is required")
	}
	store, err := checkpoint.Open(cfg.Paths.StateDir, runKey, logger)
	if err != nil {
		return nil, err
	}

	rates := ratectl.NewFromConfig(cfg, logger)
	rotator, err := credentials.NewFromConfig(cfg, rates, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("engine: %w", err)
	}
	store.SetRateSource(rates)

	gate := svc.Gate
	if !cfg.Quality.Enabled {
		gate = nil
	}
	executor := stepexec.New(stepexec.Deps{
		Backend: svc.Backend,
		Rates:   rates,
		Rotator: rotator,
		Store:   store,
		Gate:    gate,
		Sink:    svc.Sink,
		RunKey:  store.RunKey(),
	}, stepexec.SettingsFromConfig(cfg), logger, opts...)

	notifier := svc.Notifier
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}
	coordinator := NewCoordinator(Deps{
		Executor: executor,
		Store:    store,
		Rates:    rates,
		Pools:    rotator,
		Notifier: notifier,
		History:  svc.History,
	}, Options{
		Concurrency: cfg.Engine.Concurrency,
		Expand:      ExpandOptionsFromConfig(cfg),
	}, logger)

	return &Engine{Store: store, Rates: rates, Rotator: rotator, coordinator: coordinator}, nil
}

// Run executes wf against the engine's checkpoint.
func (e *Engine) Run(ctx context.Context, wf Workflow) (Report, error) {
	return e.coordinator.Run(ctx, wf)
}

// Close releases the checkpoint lock.
func (e *Engine) Close() error {
	if e == nil || e.Store == nil {
		return nil
	}
	return e.Store.Close()
}
