package artifacts

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"kiln/internal/backend"
	"kiln/internal/fileutil"
)

// FileSink writes artifacts under a root directory.
type FileSink struct {
	root string
}

// NewFileSink returns a sink rooted at dir.
func NewFileSink(dir string) *FileSink {
	return &FileSink{root: dir}
}

// Store writes the artifact atomically and returns its absolute path.
func (s *FileSink) Store(ctx context.Context, runKey, unitID, stage string, artifact backend.Artifact) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(s.root) == "" {
		return "", errors.New("artifact directory not configured")
	}
	if len(artifact.Data) == 0 {
		return "", errors.New("artifact is empty")
	}
	key := ObjectKey(runKey, unitID, stage, artifact.ContentType)
	target := filepath.Join(s.root, filepath.FromSlash(key))
	if err := fileutil.WriteFileAtomic(target, artifact.Data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", key, err)
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return target, nil
	}
	return abs, nil
}
