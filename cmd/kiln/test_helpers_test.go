package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"kiln/internal/backend"
	"kiln/internal/config"
	"kiln/internal/history"
	"kiln/internal/pipeline"
	"kiln/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	backend    *fakeBackend
}

func setupCLITestEnv(t *testing.T, opts ...testsupport.ConfigOption) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t, opts...)
	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)

	env := &cliTestEnv{cfg: cfg, configPath: configPath, backend: &fakeBackend{}}
	useFakeServices(t, env.backend, testsupport.MustOpenHistory(t, cfg))
	return env
}

// useFakeServices replaces the backend adapters with fake while keeping a
// real history store so history commands see the run.
func useFakeServices(t *testing.T, fake *fakeBackend, store *history.Store) {
	t.Helper()
	previous := newServices
	newServices = func(context.Context, *config.Config, *slog.Logger) (pipeline.Services, func(), error) {
		return pipeline.Services{Backend: fake, History: store}, func() {}, nil
	}
	t.Cleanup(func() { newServices = previous })
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

type fakeBackend struct {
	mu          sync.Mutex
	analyzeErr  error
	analyzes    int
	generations int
}

func (f *fakeBackend) Analyze(_ context.Context, req backend.Request) (backend.AnalysisResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzes++
	if f.analyzeErr != nil {
		return backend.AnalysisResult{}, f.analyzeErr
	}
	return backend.AnalysisResult{Text: "analysis: " + req.Prompt, Model: "fake"}, nil
}

func (f *fakeBackend) Generate(_ context.Context, req backend.Request) (backend.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.generations++
	return backend.Artifact{Data: []byte("png"), ContentType: "image/png", Model: "fake"}, nil
}

func (f *fakeBackend) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.analyzes, f.generations
}
