package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateEngine(); err != nil {
		return err
	}
	if err := c.validatePools(); err != nil {
		return err
	}
	if err := c.validateArtifacts(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q (use console or json)", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func (c *Config) validateEngine() error {
	e := c.Engine
	if e.MaxRetries < 0 {
		return errors.New("engine.max_retries must be >= 0")
	}
	if e.BaseDelaySeconds <= 0 {
		return errors.New("engine.base_delay_seconds must be positive")
	}
	if e.MaxBackoffSeconds < e.BaseDelaySeconds {
		return errors.New("engine.max_backoff_seconds must be >= engine.base_delay_seconds")
	}
	if e.CallTimeoutSeconds <= 0 {
		return errors.New("engine.call_timeout_seconds must be positive")
	}
	if e.Concurrency < 1 {
		return errors.New("engine.concurrency must be >= 1")
	}
	if e.DecayAfterUnits < 0 {
		return errors.New("engine.decay_after_units must be >= 0 (0 disables decay)")
	}
	return nil
}

func (c *Config) validatePools() error {
	if len(c.Pools) == 0 {
		return errors.New("at least one [pools.<name>] section is required")
	}
	for _, name := range c.PoolNames() {
		p := c.Pools[name]
		if name == "" {
			return errors.New("pool names must not be empty")
		}
		if p.FloorSeconds < 0 {
			return fmt.Errorf("pools.%s.floor_seconds must be >= 0", name)
		}
		if p.IncrementSeconds <= 0 {
			return fmt.Errorf("pools.%s.increment_seconds must be positive", name)
		}
		if p.CeilingSeconds < p.FloorSeconds {
			return fmt.Errorf("pools.%s.ceiling_seconds must be >= floor_seconds", name)
		}
		if p.EscalateAfter < 0 {
			return fmt.Errorf("pools.%s.escalate_after must be >= 0", name)
		}
		if p.Concurrency < 1 {
			return fmt.Errorf("pools.%s.concurrency must be >= 1", name)
		}
		if _, err := c.PoolCredentials(name); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateArtifacts() error {
	switch c.Artifacts.Backend {
	case ArtifactBackendFilesystem:
		return nil
	case ArtifactBackendS3:
		if c.Artifacts.S3Endpoint == "" {
			return errors.New("artifacts.s3_endpoint must be set when artifacts.backend is s3")
		}
		if c.Artifacts.S3Bucket == "" {
			return errors.New("artifacts.s3_bucket must be set when artifacts.backend is s3")
		}
		return nil
	default:
		return fmt.Errorf("artifacts.backend: unsupported value %q (use filesystem or s3)", c.Artifacts.Backend)
	}
}
