package config

import (
	"fmt"
	"os"
	"strings"
)

const envCredentialPrefix = "env:"

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.normalizeEngine()
	c.normalizeLLM()
	c.normalizeGenerator()
	c.normalizePools()
	c.normalizeArtifacts()
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyTimeout
	}
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.ArtifactDir) == "" {
		c.Paths.ArtifactDir = defaultArtifactDir
	}
	if c.Paths.ArtifactDir, err = expandPath(c.Paths.ArtifactDir); err != nil {
		return fmt.Errorf("paths.artifact_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeEngine() {
	if c.Engine.Concurrency == 0 {
		c.Engine.Concurrency = defaultConcurrency
	}
	keywords := make([]string, 0, len(c.Engine.GenerateKeywords))
	for _, kw := range c.Engine.GenerateKeywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	if len(keywords) == 0 {
		keywords = append(keywords, defaultGenerateKeywords...)
	}
	c.Engine.GenerateKeywords = keywords
}

func (c *Config) normalizeLLM() {
	c.LLM.APIKey = strings.TrimSpace(c.LLM.APIKey)
	if c.LLM.APIKey == "" {
		if value, ok := os.LookupEnv("KILN_LLM_API_KEY"); ok {
			c.LLM.APIKey = strings.TrimSpace(value)
		}
	}
	c.LLM.BaseURL = strings.TrimSpace(c.LLM.BaseURL)
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = defaultLLMBaseURL
	}
	c.LLM.Model = strings.TrimSpace(c.LLM.Model)
	if c.LLM.Model == "" {
		c.LLM.Model = defaultLLMModel
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = defaultLLMTimeoutSeconds
	}
	c.Quality.Model = strings.TrimSpace(c.Quality.Model)
	c.Quality.Criterion = strings.TrimSpace(c.Quality.Criterion)
}

func (c *Config) normalizeGenerator() {
	c.Generator.APIKey = strings.TrimSpace(c.Generator.APIKey)
	if c.Generator.APIKey == "" {
		if value, ok := os.LookupEnv("KILN_GENERATOR_API_KEY"); ok {
			c.Generator.APIKey = strings.TrimSpace(value)
		}
	}
	c.Generator.BaseURL = strings.TrimSpace(c.Generator.BaseURL)
	if c.Generator.BaseURL == "" {
		c.Generator.BaseURL = defaultGeneratorBaseURL
	}
	c.Generator.Model = strings.TrimSpace(c.Generator.Model)
	if c.Generator.Model == "" {
		c.Generator.Model = defaultGeneratorModel
	}
	if c.Generator.TimeoutSeconds <= 0 {
		c.Generator.TimeoutSeconds = defaultGeneratorTimeout
	}
}

func (c *Config) normalizePools() {
	if c.Pools == nil {
		c.Pools = map[string]Pool{}
	}
	normalized := make(map[string]Pool, len(c.Pools))
	for name, pool := range c.Pools {
		name = strings.TrimSpace(name)
		if pool.Concurrency == 0 {
			pool.Concurrency = defaultPoolConcurrency
		}
		creds := make([]string, 0, len(pool.Credentials))
		for _, cred := range pool.Credentials {
			if cred = strings.TrimSpace(cred); cred != "" {
				creds = append(creds, cred)
			}
		}
		pool.Credentials = creds
		normalized[name] = pool
	}
	c.Pools = normalized
}

func (c *Config) normalizeArtifacts() {
	c.Artifacts.Backend = strings.ToLower(strings.TrimSpace(c.Artifacts.Backend))
	if c.Artifacts.Backend == "" {
		c.Artifacts.Backend = defaultArtifactBackend
	}
	c.Artifacts.S3Endpoint = strings.TrimSpace(c.Artifacts.S3Endpoint)
	c.Artifacts.S3Bucket = strings.TrimSpace(c.Artifacts.S3Bucket)
	c.Artifacts.S3Prefix = strings.Trim(strings.TrimSpace(c.Artifacts.S3Prefix), "/")
	if c.Artifacts.S3AccessKey == "" {
		c.Artifacts.S3AccessKey = strings.TrimSpace(os.Getenv("KILN_S3_ACCESS_KEY"))
	}
	if c.Artifacts.S3SecretKey == "" {
		c.Artifacts.S3SecretKey = strings.TrimSpace(os.Getenv("KILN_S3_SECRET_KEY"))
	}
}
