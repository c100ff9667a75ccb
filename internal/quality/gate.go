// Package quality decides whether a generated artifact is good enough to
// complete its unit, by asking a secondary, cheaper model.
package quality

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"kiln/internal/backend"
	"kiln/internal/logging"
)

// Gate validates an artifact against a natural-language criterion.
type Gate interface {
	Validate(ctx context.Context, artifact backend.Artifact, criterion string) (accepted bool, reason string, err error)
}

// Judge is the model call behind a JudgeGate.
type Judge interface {
	JudgeArtifact(ctx context.Context, artifact backend.Artifact, criterion string) (bool, string, error)
}

// JudgeGate adapts a Judge into a Gate with a default criterion and logging.
type JudgeGate struct {
	judge            Judge
	defaultCriterion string
	logger           *slog.Logger
}

// NewJudgeGate builds a gate. defaultCriterion applies when a workflow supplies none.
func NewJudgeGate(judge Judge, defaultCriterion string, logger *slog.Logger) *JudgeGate {
	return &JudgeGate{
		judge:            judge,
		defaultCriterion: strings.TrimSpace(defaultCriterion),
		logger:           logging.NewComponentLogger(logger, "quality"),
	}
}

// Validate runs the judge. Empty artifacts are rejected without a model call.
func (g *JudgeGate) Validate(ctx context.Context, artifact backend.Artifact, criterion string) (bool, string, error) {
	criterion = strings.TrimSpace(criterion)
	if criterion == "" {
		criterion = g.defaultCriterion
	}
	logger := logging.WithContext(ctx, g.logger)
	if criterion == "" {
		return true, "no criterion configured", nil
	}
	if len(artifact.Data) == 0 {
		logger.Info("quality verdict",
			logging.String(logging.FieldEventType, "quality_rejected"),
			logging.String("reason", "empty artifact"))
		return false, "empty artifact", nil
	}

	accepted, reason, err := g.judge.JudgeArtifact(ctx, artifact, criterion)
	if err != nil {
		return false, "", fmt.Errorf("quality judge: %w", err)
	}
	if reason == "" {
		reason = "no reason given"
	}
	eventType := "quality_accepted"
	if !accepted {
		eventType = "quality_rejected"
	}
	logger.Info("quality verdict",
		logging.String(logging.FieldEventType, eventType),
		logging.Bool("accepted", accepted),
		logging.String("reason", reason),
		logging.Int("artifact_bytes", len(artifact.Data)),
	)
	return accepted, reason, nil
}

// GateFunc adapts a plain function into a Gate.
type GateFunc func(ctx context.Context, artifact backend.Artifact, criterion string) (bool, string, error)

func (f GateFunc) Validate(ctx context.Context, artifact backend.Artifact, criterion string) (bool, string, error) {
	return f(ctx, artifact, criterion)
}
