package testsupport

import (
	"path/filepath"
	"testing"

	"kiln/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Pools start with zero delays and literal credentials so tests never sleep
// on the real rate floors or read the environment.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.ArtifactDir = filepath.Join(base, "artifacts")
	cfgVal.Engine.BaseDelaySeconds = 0.001
	cfgVal.Engine.MaxBackoffSeconds = 0.01
	cfgVal.Engine.CallTimeoutSeconds = 5
	cfgVal.LLM.APIKey = "test"
	cfgVal.Generator.APIKey = "test"
	cfgVal.Notifications.NtfyTopic = ""
	cfgVal.Pools = map[string]config.Pool{
		config.PoolAnalysis: {
			CeilingSeconds: 1,
			EscalateAfter:  2,
			Concurrency:    2,
			Credentials:    []string{"analysis-key"},
		},
		config.PoolGeneration: {
			CeilingSeconds: 1,
			EscalateAfter:  1,
			Concurrency:    1,
			Credentials:    []string{"generation-key"},
		},
	}
	// Increments are tiny but non-zero so congestion still moves the delay.
	for name, pool := range cfgVal.Pools {
		pool.IncrementSeconds = 0.001
		cfgVal.Pools[name] = pool
	}

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithPool replaces or adds a pool definition.
func WithPool(name string, pool config.Pool) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pools[name] = pool
	}
}

// WithCredentials replaces a pool's credential list.
func WithCredentials(pool string, creds ...string) ConfigOption {
	return func(b *configBuilder) {
		p := b.cfg.Pools[pool]
		p.Credentials = append([]string(nil), creds...)
		b.cfg.Pools[pool] = p
	}
}

// WithEngine mutates the engine section.
func WithEngine(fn func(*config.Engine)) ConfigOption {
	return func(b *configBuilder) {
		fn(&b.cfg.Engine)
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
