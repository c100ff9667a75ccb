// Package artifacts persists generated artifacts so a unit's checkpointed
// output can point at them. Two sinks exist: a local directory written with
// atomic renames, and an S3-compatible bucket reached through minio-go.
package artifacts

import (
	"context"
	"fmt"
	"path"
	"strings"

	"kiln/internal/backend"
	"kiln/internal/checkpoint"
	"kiln/internal/config"
)

// Sink stores one artifact and returns where it landed.
type Sink interface {
	Store(ctx context.Context, runKey, unitID, stage string, artifact backend.Artifact) (string, error)
}

// New builds the sink selected by the artifacts section of the config.
func New(cfg *config.Config) (Sink, error) {
	switch cfg.Artifacts.Backend {
	case "", config.ArtifactBackendFilesystem:
		return NewFileSink(cfg.Paths.ArtifactDir), nil
	case config.ArtifactBackendS3:
		return NewS3Sink(S3Config{
			Endpoint:  cfg.Artifacts.S3Endpoint,
			Bucket:    cfg.Artifacts.S3Bucket,
			Region:    cfg.Artifacts.S3Region,
			Prefix:    cfg.Artifacts.S3Prefix,
			AccessKey: cfg.Artifacts.S3AccessKey,
			SecretKey: cfg.Artifacts.S3SecretKey,
			UseSSL:    cfg.Artifacts.S3UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown artifacts backend %q", cfg.Artifacts.Backend)
	}
}

// ObjectKey returns the slash-separated key for an artifact:
// <run>/<unit segments>/<stage><ext>. Every segment is slug-sanitized.
func ObjectKey(runKey, unitID, stage, contentType string) string {
	parts := []string{slug(runKey, "run")}
	for _, seg := range strings.Split(unitID, "/") {
		if s := checkpoint.SanitizeRunKey(seg); s != "" {
			parts = append(parts, s)
		}
	}
	parts = append(parts, slug(stage, "artifact")+Extension(contentType))
	return path.Join(parts...)
}

// Extension maps common artifact content types to a file extension.
func Extension(contentType string) string {
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	switch mediaType {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "application/json":
		return ".json"
	case "text/plain":
		return ".txt"
	default:
		return ".bin"
	}
}

func slug(value, fallback string) string {
	if s := checkpoint.SanitizeRunKey(value); s != "" {
		return s
	}
	return fallback
}
