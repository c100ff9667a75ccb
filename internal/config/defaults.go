package config

const (
	defaultConfigPath         = "~/.config/kiln/config.toml"
	defaultStateDir           = "~/.local/share/kiln/state"
	defaultLogDir             = "~/.local/share/kiln/logs"
	defaultArtifactDir        = "~/.local/share/kiln/artifacts"
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
	defaultMaxRetries         = 3
	defaultBaseDelaySeconds   = 2
	defaultMaxBackoffSeconds  = 60
	defaultCallTimeoutSeconds = 300
	defaultConcurrency        = 2
	defaultDecayAfterUnits    = 10
	defaultPoolConcurrency    = 1
	defaultLLMBaseURL         = "https://openrouter.ai/api/v1/chat/completions"
	defaultLLMModel           = "google/gemini-3-flash-preview"
	defaultLLMReferer         = "https://github.com/kiln-dev/kiln"
	defaultLLMTitle           = "kiln"
	defaultLLMTimeoutSeconds  = 120
	defaultGeneratorBaseURL   = "https://api.openai.com/v1/images/generations"
	defaultGeneratorModel     = "gpt-image-1"
	defaultGeneratorSize      = "1024x1024"
	defaultGeneratorTimeout   = 600
	defaultArtifactBackend    = ArtifactBackendFilesystem
	defaultS3Region           = "us-east-1"
	defaultNotifyTimeout      = 10

	// PoolAnalysis and PoolGeneration are the pools the built-in adapters charge.
	PoolAnalysis   = "analysis"
	PoolGeneration = "generation"

	ArtifactBackendFilesystem = "filesystem"
	ArtifactBackendS3         = "s3"
)

var defaultGenerateKeywords = []string{"generate", "render", "image", "video"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:    defaultStateDir,
			LogDir:      defaultLogDir,
			ArtifactDir: defaultArtifactDir,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Engine: Engine{
			MaxRetries:         defaultMaxRetries,
			BaseDelaySeconds:   defaultBaseDelaySeconds,
			MaxBackoffSeconds:  defaultMaxBackoffSeconds,
			CallTimeoutSeconds: defaultCallTimeoutSeconds,
			Concurrency:        defaultConcurrency,
			DecayAfterUnits:    defaultDecayAfterUnits,
			GenerateKeywords:   append([]string(nil), defaultGenerateKeywords...),
		},
		Pools: map[string]Pool{
			PoolAnalysis: {
				FloorSeconds:     1,
				IncrementSeconds: 2,
				CeilingSeconds:   15,
				EscalateAfter:    2,
				Concurrency:      2,
			},
			PoolGeneration: {
				FloorSeconds:     2,
				IncrementSeconds: 5,
				CeilingSeconds:   30,
				EscalateAfter:    1,
				Concurrency:      defaultPoolConcurrency,
			},
		},
		LLM: LLM{
			BaseURL:        defaultLLMBaseURL,
			Model:          defaultLLMModel,
			Referer:        defaultLLMReferer,
			Title:          defaultLLMTitle,
			TimeoutSeconds: defaultLLMTimeoutSeconds,
		},
		Generator: Generator{
			BaseURL:        defaultGeneratorBaseURL,
			Model:          defaultGeneratorModel,
			Size:           defaultGeneratorSize,
			TimeoutSeconds: defaultGeneratorTimeout,
		},
		Artifacts: Artifacts{
			Backend:  defaultArtifactBackend,
			S3Region: defaultS3Region,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
			RunCompleted:   true,
			Errors:         true,
		},
	}
}
