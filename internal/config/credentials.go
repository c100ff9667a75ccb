package config

import (
	"fmt"
	"os"
	"strings"
)

// Credential is one resolved secret together with a label that is safe to log.
type Credential struct {
	Label  string
	Secret string
}

// PoolCredentials resolves the ordered credential list for a pool. Entries of
// the form "env:NAME" read the named environment variable. A pool without
// explicit credentials falls back to the API key of the adapter that charges it.
func (c *Config) PoolCredentials(name string) ([]Credential, error) {
	pool, ok := c.Pools[name]
	if !ok {
		return nil, fmt.Errorf("pool %q is not configured", name)
	}
	if len(pool.Credentials) == 0 {
		switch name {
		case PoolAnalysis:
			if c.LLM.APIKey != "" {
				return []Credential{{Label: "llm.api_key", Secret: c.LLM.APIKey}}, nil
			}
		case PoolGeneration:
			if c.Generator.APIKey != "" {
				return []Credential{{Label: "generator.api_key", Secret: c.Generator.APIKey}}, nil
			}
		}
		return nil, nil
	}

	out := make([]Credential, 0, len(pool.Credentials))
	for i, raw := range pool.Credentials {
		cred, err := resolveCredential(raw, i)
		if err != nil {
			return nil, fmt.Errorf("pools.%s.credentials[%d]: %w", name, i, err)
		}
		out = append(out, cred)
	}
	return out, nil
}

func resolveCredential(raw string, index int) (Credential, error) {
	if envName, ok := strings.CutPrefix(raw, envCredentialPrefix); ok {
		envName = strings.TrimSpace(envName)
		if envName == "" {
			return Credential{}, fmt.Errorf("empty environment variable name")
		}
		value, ok := os.LookupEnv(envName)
		if !ok || strings.TrimSpace(value) == "" {
			return Credential{}, fmt.Errorf("environment variable %s is not set", envName)
		}
		return Credential{Label: raw, Secret: strings.TrimSpace(value)}, nil
	}
	return Credential{Label: fmt.Sprintf("credential#%d", index+1), Secret: raw}, nil
}
