package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"kiln/internal/artifacts"
	"kiln/internal/config"
	"kiln/internal/services/llm"
)

const (
	llmCheckTimeout    = 30 * time.Second
	bucketCheckTimeout = 10 * time.Second
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	if strings.TrimSpace(path) == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckPoolCredentials verifies that a pool resolves at least one credential.
// Unset env: references surface here instead of at the first backend call.
func CheckPoolCredentials(cfg *config.Config, pool string) Result {
	name := fmt.Sprintf("Pool %s", pool)
	creds, err := cfg.PoolCredentials(pool)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	if len(creds) == 0 {
		return Result{Name: name, Detail: "no credentials (set pools." + pool + ".credentials or the adapter api_key)"}
	}
	labels := make([]string, 0, len(creds))
	for _, c := range creds {
		labels = append(labels, c.Label)
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%d credential(s): %s", len(creds), strings.Join(labels, ", "))}
}

// CheckLLM verifies that the LLM API is reachable and the key is valid with a
// single request.
func CheckLLM(ctx context.Context, name string, cfg config.LLM, apiKey string) Result {
	if strings.TrimSpace(apiKey) == "" {
		return Result{Name: name, Detail: "API key missing"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, llmCheckTimeout)
	defer cancel()

	client := llm.NewClient(llm.Config{
		APIKey:  apiKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		Referer: cfg.Referer,
		Title:   cfg.Title,
	})
	if err := client.HealthCheck(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeLLMError(err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("API reachable (model %s)", client.Model())}
}

// CheckGenerator verifies the generation adapter is configured. It makes no
// request because every generation call is billed.
func CheckGenerator(cfg config.Generator) Result {
	const name = "Generator"
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return Result{Name: name, Detail: "missing base_url"}
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return Result{Name: name, Passed: true, Detail: cfg.BaseURL}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (model %s)", cfg.BaseURL, cfg.Model)}
}

// CheckBucket verifies the S3 artifact bucket is reachable and exists.
func CheckBucket(ctx context.Context, cfg config.Artifacts) Result {
	const name = "Artifact bucket"
	sink, err := artifacts.NewS3Sink(artifacts.S3Config{
		Endpoint:  cfg.S3Endpoint,
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
		Prefix:    cfg.S3Prefix,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}

	checkCtx, cancel := context.WithTimeout(ctx, bucketCheckTimeout)
	defer cancel()

	exists, err := sink.BucketExists(checkCtx)
	switch {
	case err != nil:
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", cfg.S3Bucket, err)}
	case !exists:
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: bucket does not exist)", cfg.S3Bucket)}
	default:
		return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s at %s", cfg.S3Bucket, cfg.S3Endpoint)}
	}
}

// summarizeLLMError produces a human-readable summary for LLM health check failures.
func summarizeLLMError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "health check timed out (LLM API unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "health check timed out (LLM API unreachable)"
	}
	return err.Error()
}
