package preflight

import (
	"context"

	"kiln/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result

	results = append(results, CheckDirectoryAccess("State directory", cfg.Paths.StateDir))
	if cfg.Artifacts.Backend == config.ArtifactBackendFilesystem {
		results = append(results, CheckDirectoryAccess("Artifact directory", cfg.Paths.ArtifactDir))
	}

	for _, name := range cfg.PoolNames() {
		results = append(results, CheckPoolCredentials(cfg, name))
	}

	results = append(results, CheckLLM(ctx, "Analysis LLM", cfg.LLM, analysisKey(cfg)))
	if cfg.Quality.Enabled && cfg.Quality.Model != "" && cfg.Quality.Model != cfg.LLM.Model {
		judge := cfg.LLM
		judge.Model = cfg.Quality.Model
		results = append(results, CheckLLM(ctx, "Quality judge", judge, analysisKey(cfg)))
	}
	results = append(results, CheckGenerator(cfg.Generator))

	if cfg.Artifacts.Backend == config.ArtifactBackendS3 {
		results = append(results, CheckBucket(ctx, cfg.Artifacts))
	}

	return results
}

// Failed reports whether any result did not pass.
func Failed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return true
		}
	}
	return false
}

// analysisKey picks the key the health check authenticates with: the adapter's
// own key, else the analysis pool's first credential.
func analysisKey(cfg *config.Config) string {
	if cfg.LLM.APIKey != "" {
		return cfg.LLM.APIKey
	}
	creds, err := cfg.PoolCredentials(config.PoolAnalysis)
	if err != nil || len(creds) == 0 {
		return ""
	}
	return creds[0].Secret
}
