// Package backend defines the contract between the engine and the external
// analysis and generation services. Implementations classify their failures
// with the sentinel markers in internal/services so the executor can decide
// between retrying, throttling, rotating credentials, or giving up.
package backend

import (
	"context"
	"fmt"

	"kiln/internal/credentials"
	"kiln/internal/services"
)

// Operation names the backend call a stage issues.
type Operation string

const (
	OpAnalyze  Operation = "analyze"
	OpGenerate Operation = "generate"
)

// Request is one backend invocation.
type Request struct {
	RequestID string
	UnitID    string
	Stage     string
	Pool      string
	// Prompt is the step body or stage template text.
	Prompt string
	// Input is the previous stage's output, empty for the first stage.
	Input string
	// Inputs are the unit's static inputs from the workflow definition.
	Inputs map[string]string
	// Credential is the pool's active credential. A zero handle means the
	// adapter uses its own configured key.
	Credential credentials.Handle
}

// AnalysisResult is the text produced by an Analyze call.
type AnalysisResult struct {
	Text  string
	Model string
}

// Artifact is the payload produced by a Generate call.
type Artifact struct {
	Data        []byte
	ContentType string
	// Location is filled once the artifact has been stored by a sink.
	Location string
	Model    string
}

// Analyzer runs the fast, cheap analysis call.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (AnalysisResult, error)
}

// Generator runs the slow, expensive generation call.
type Generator interface {
	Generate(ctx context.Context, req Request) (Artifact, error)
}

// Backend serves both operations.
type Backend interface {
	Analyzer
	Generator
}

// ErrNotConfigured is returned by a Combined backend missing one side. It is a
// configuration error and therefore never retried.
var ErrNotConfigured = fmt.Errorf("%w: backend operation not configured", services.ErrConfiguration)

// Combined pairs independent analyzer and generator implementations.
type Combined struct {
	Analyzer  Analyzer
	Generator Generator
}

// Combine returns a Backend that routes each operation to its adapter.
func Combine(a Analyzer, g Generator) Combined {
	return Combined{Analyzer: a, Generator: g}
}

func (c Combined) Analyze(ctx context.Context, req Request) (AnalysisResult, error) {
	if c.Analyzer == nil {
		return AnalysisResult{}, ErrNotConfigured
	}
	return c.Analyzer.Analyze(ctx, req)
}

func (c Combined) Generate(ctx context.Context, req Request) (Artifact, error) {
	if c.Generator == nil {
		return Artifact{}, ErrNotConfigured
	}
	return c.Generator.Generate(ctx, req)
}
