package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"kiln/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("KILN_LLM_API_KEY", "llm-key")
	t.Chdir(t.TempDir())

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantState := filepath.Join(tempHome, ".local", "share", "kiln", "state")
	if cfg.Paths.StateDir != wantState {
		t.Fatalf("unexpected state dir: got %q want %q", cfg.Paths.StateDir, wantState)
	}
	if cfg.HistoryPath() != filepath.Join(wantState, "history.db") {
		t.Fatalf("unexpected history path: %q", cfg.HistoryPath())
	}
	if cfg.LLM.APIKey != "llm-key" {
		t.Fatalf("expected LLM key from env, got %q", cfg.LLM.APIKey)
	}
	if cfg.Engine.MaxRetries != 3 || cfg.Engine.Concurrency != 2 || cfg.Engine.DecayAfterUnits != 10 {
		t.Fatalf("unexpected engine defaults: %+v", cfg.Engine)
	}
	if cfg.Engine.CallTimeout() != 300*time.Second {
		t.Fatalf("unexpected call timeout: %s", cfg.Engine.CallTimeout())
	}
	gen := cfg.Pools[config.PoolGeneration]
	if gen.Floor() != 2*time.Second || gen.Increment() != 5*time.Second || gen.Ceiling() != 30*time.Second {
		t.Fatalf("unexpected generation pool: %+v", gen)
	}
	if gen.EscalateAfter != 1 || gen.Concurrency != 1 {
		t.Fatalf("unexpected generation pool escalation/concurrency: %+v", gen)
	}
	creds, err := cfg.PoolCredentials(config.PoolAnalysis)
	if err != nil {
		t.Fatalf("PoolCredentials: %v", err)
	}
	if len(creds) != 1 || creds[0].Secret != "llm-key" || creds[0].Label != "llm.api_key" {
		t.Fatalf("expected analysis pool to fall back to llm key, got %+v", creds)
	}
}

func TestLoadCustomPathResolvesCredentialReferences(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("KILN_TEST_KEY_A", "secret-a")

	configPath := filepath.Join(t.TempDir(), "config.toml")
	content := `
[paths]
state_dir = "~/state"

[engine]
max_retries = 5
decay_after_units = 0

[pools.images]
floor_seconds = 1.5
increment_seconds = 3
ceiling_seconds = 12
escalate_after = 2
credentials = ["env:KILN_TEST_KEY_A", "literal-b"]
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("expected existing config at %q, got %q exists=%v", configPath, resolved, exists)
	}
	if cfg.Paths.StateDir != filepath.Join(tempHome, "state") {
		t.Fatalf("unexpected state dir: %q", cfg.Paths.StateDir)
	}
	if cfg.Engine.MaxRetries != 5 || cfg.Engine.DecayAfterUnits != 0 {
		t.Fatalf("unexpected engine: %+v", cfg.Engine)
	}
	pool, ok := cfg.Pools["images"]
	if !ok {
		t.Fatal("expected images pool")
	}
	if pool.Floor() != 1500*time.Millisecond {
		t.Fatalf("unexpected floor: %s", pool.Floor())
	}
	if pool.Concurrency != 1 {
		t.Fatalf("expected pool concurrency default 1, got %d", pool.Concurrency)
	}
	creds, err := cfg.PoolCredentials("images")
	if err != nil {
		t.Fatalf("PoolCredentials: %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("expected 2 credentials, got %d", len(creds))
	}
	if creds[0].Secret != "secret-a" || creds[0].Label != "env:KILN_TEST_KEY_A" {
		t.Fatalf("unexpected first credential: %+v", creds[0])
	}
	if creds[1].Secret != "literal-b" || strings.Contains(creds[1].Label, "literal") {
		t.Fatalf("literal credential label must not leak the secret: %+v", creds[1])
	}
}

func TestLoadRejectsMissingCredentialEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	configPath := filepath.Join(t.TempDir(), "config.toml")
	content := `
[pools.images]
increment_seconds = 3
ceiling_seconds = 12
credentials = ["env:KILN_TEST_DEFINITELY_UNSET"]
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, _, _, err := config.Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "KILN_TEST_DEFINITELY_UNSET") {
		t.Fatalf("expected missing env error, got %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"negative retries", func(c *config.Config) { c.Engine.MaxRetries = -1 }, "engine.max_retries"},
		{"zero concurrency", func(c *config.Config) { c.Engine.Concurrency = 0 }, "engine.concurrency"},
		{"backoff below base", func(c *config.Config) { c.Engine.MaxBackoffSeconds = 1 }, "engine.max_backoff_seconds"},
		{"negative decay", func(c *config.Config) { c.Engine.DecayAfterUnits = -1 }, "engine.decay_after_units"},
		{"ceiling below floor", func(c *config.Config) {
			p := c.Pools[config.PoolGeneration]
			p.CeilingSeconds = 1
			c.Pools[config.PoolGeneration] = p
		}, "pools.generation.ceiling_seconds"},
		{"zero increment", func(c *config.Config) {
			p := c.Pools[config.PoolAnalysis]
			p.IncrementSeconds = 0
			c.Pools[config.PoolAnalysis] = p
		}, "pools.analysis.increment_seconds"},
		{"no pools", func(c *config.Config) { c.Pools = map[string]config.Pool{} }, "pools"},
		{"unknown format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"unknown artifact backend", func(c *config.Config) { c.Artifacts.Backend = "ftp" }, "artifacts.backend"},
		{"s3 without bucket", func(c *config.Config) {
			c.Artifacts.Backend = config.ArtifactBackendS3
			c.Artifacts.S3Endpoint = "localhost:9000"
		}, "artifacts.s3_bucket"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestCreateSampleProducesLoadableConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	var decoded config.Config
	if err := toml.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("sample is not valid TOML: %v", err)
	}
	if _, ok := decoded.Pools[config.PoolGeneration]; !ok {
		t.Fatal("sample should declare the generation pool")
	}
	if _, _, _, err := config.Load(path); err != nil {
		t.Fatalf("sample failed to load: %v", err)
	}
}
