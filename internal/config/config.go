package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StateDir    string `toml:"state_dir"`
	LogDir      string `toml:"log_dir"`
	ArtifactDir string `toml:"artifact_dir"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Engine contains retry, timeout, and concurrency settings shared by every pool.
type Engine struct {
	MaxRetries         int      `toml:"max_retries"`
	BaseDelaySeconds   float64  `toml:"base_delay_seconds"`
	MaxBackoffSeconds  float64  `toml:"max_backoff_seconds"`
	CallTimeoutSeconds float64  `toml:"call_timeout_seconds"`
	Concurrency        int      `toml:"concurrency"`
	DecayAfterUnits    int      `toml:"decay_after_units"`
	GenerateKeywords   []string `toml:"generate_keywords"`
}

// Pool describes one rate/credential pool (e.g. "analysis", "generation").
type Pool struct {
	FloorSeconds     float64 `toml:"floor_seconds"`
	IncrementSeconds float64 `toml:"increment_seconds"`
	CeilingSeconds   float64 `toml:"ceiling_seconds"`
	// EscalateAfter is the number of consecutive congestion signals tolerated
	// before the next one rotates credentials.
	EscalateAfter int `toml:"escalate_after"`
	Concurrency   int `toml:"concurrency"`
	// Credentials are literal secrets or "env:NAME" references, tried in order.
	Credentials []string `toml:"credentials"`
}

// LLM contains the analysis backend connection settings.
type LLM struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	Referer        string `toml:"referer"`
	Title          string `toml:"title"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Generator contains the generation backend connection settings.
type Generator struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	Size           string `toml:"size"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Quality contains the quality gate settings.
type Quality struct {
	Enabled   bool   `toml:"enabled"`
	Model     string `toml:"model"`
	Criterion string `toml:"criterion"`
}

// Artifacts selects where generated artifacts are persisted.
type Artifacts struct {
	Backend     string `toml:"backend"`
	S3Endpoint  string `toml:"s3_endpoint"`
	S3Bucket    string `toml:"s3_bucket"`
	S3Region    string `toml:"s3_region"`
	S3Prefix    string `toml:"s3_prefix"`
	S3AccessKey string `toml:"s3_access_key"`
	S3SecretKey string `toml:"s3_secret_key"`
	S3UseSSL    bool   `toml:"s3_use_ssl"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	RunCompleted   bool   `toml:"run_completed"`
	Errors         bool   `toml:"errors"`
}

// Config encapsulates all configuration values for kiln.
//
// Configuration sections by subsystem:
//   - Paths: checkpoint, log, and artifact directories
//   - Logging: log format and level
//   - Engine: retry budget, backoff, call timeout, concurrency, decay
//   - Pools: per-pool rate bounds, escalation threshold, credentials
//   - LLM: analysis and quality-judge backend
//   - Generator: generation backend
//   - Quality: quality gate toggle and default criterion
//   - Artifacts: filesystem or S3 artifact sink
//   - Notifications: ntfy push notification settings
type Config struct {
	Paths         Paths           `toml:"paths"`
	Logging       Logging         `toml:"logging"`
	Engine        Engine          `toml:"engine"`
	Pools         map[string]Pool `toml:"pools"`
	LLM           LLM             `toml:"llm"`
	Generator     Generator       `toml:"generator"`
	Quality       Quality         `toml:"quality"`
	Artifacts     Artifacts       `toml:"artifacts"`
	Notifications Notifications   `toml:"notifications"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and credential references resolved.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("kiln.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the state, log, and artifact directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir, c.Paths.ArtifactDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// HistoryPath returns the SQLite run history database location.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.Paths.StateDir, "history.db")
}

// PoolNames returns configured pool names in sorted order.
func (c *Config) PoolNames() []string {
	names := make([]string, 0, len(c.Pools))
	for name := range c.Pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Floor returns the pool's minimum inter-request delay.
func (p Pool) Floor() time.Duration { return seconds(p.FloorSeconds) }

// Increment returns the delay added on each congestion signal.
func (p Pool) Increment() time.Duration { return seconds(p.IncrementSeconds) }

// Ceiling returns the pool's maximum inter-request delay.
func (p Pool) Ceiling() time.Duration { return seconds(p.CeilingSeconds) }

// BaseDelay returns the first retry backoff interval.
func (e Engine) BaseDelay() time.Duration { return seconds(e.BaseDelaySeconds) }

// MaxBackoff returns the retry backoff cap.
func (e Engine) MaxBackoff() time.Duration { return seconds(e.MaxBackoffSeconds) }

// CallTimeout returns the per-backend-call timeout.
func (e Engine) CallTimeout() time.Duration { return seconds(e.CallTimeoutSeconds) }

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
