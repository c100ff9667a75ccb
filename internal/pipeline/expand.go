package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"kiln/internal/backend"
	"kiln/internal/checkpoint"
	"kiln/internal/config"
	"kiln/internal/stepexec"
)

// Matrix stage names, in execution order.
const (
	StageValidate = "validate"
	StageAnalyze  = "analyze"
	StageRefine   = "refine"
	StageGenerate = "generate"
)

// ExpandOptions controls unit expansion.
type ExpandOptions struct {
	// GenerateKeywords mark directive steps that call the generation backend.
	GenerateKeywords []string
	AnalysisPool     string
	GenerationPool   string
	// Gate enables the quality gate on generate stages.
	Gate bool
	// Criterion is the fallback quality criterion.
	Criterion string
}

// ExpandOptionsFromConfig derives expansion options from the config.
func ExpandOptionsFromConfig(cfg *config.Config) ExpandOptions {
	return ExpandOptions{
		GenerateKeywords: cfg.Engine.GenerateKeywords,
		AnalysisPool:     config.PoolAnalysis,
		GenerationPool:   config.PoolGeneration,
		Gate:             cfg.Quality.Enabled,
		Criterion:        cfg.Quality.Criterion,
	}
}

// Expand turns a workflow into its ordered work units.
func Expand(wf Workflow, opts ExpandOptions) ([]stepexec.WorkUnit, error) {
	if opts.AnalysisPool == "" {
		opts.AnalysisPool = config.PoolAnalysis
	}
	if opts.GenerationPool == "" {
		opts.GenerationPool = config.PoolGeneration
	}
	switch wf.Mode {
	case ModeDirective:
		return expandDirective(wf, opts)
	case ModeMatrix:
		if wf.Matrix == nil {
			return nil, errors.New("matrix workflow has no matrix")
		}
		return expandMatrix(wf.Matrix, opts), nil
	default:
		return nil, fmt.Errorf("unknown workflow mode %q", wf.Mode)
	}
}

func expandDirective(wf Workflow, opts ExpandOptions) ([]stepexec.WorkUnit, error) {
	if len(wf.Steps) == 0 {
		return nil, errors.New("directive workflow has no steps")
	}
	criterion := firstNonEmpty(wf.Criterion, opts.Criterion)
	units := make([]stepexec.WorkUnit, 0, len(wf.Steps))
	for _, step := range wf.Steps {
		spec := stepexec.StepSpec{
			Name:   step.Name,
			Op:     backend.OpAnalyze,
			Pool:   opts.AnalysisPool,
			Prompt: step.Body,
		}
		if isGenerateStep(step.Name, opts.GenerateKeywords) {
			spec.Op = backend.OpGenerate
			spec.Pool = opts.GenerationPool
			spec.Gate = opts.Gate
			spec.Criterion = criterion
		}
		slug := checkpoint.SanitizeRunKey(step.Name)
		if slug == "" {
			slug = "step"
		}
		units = append(units, stepexec.WorkUnit{
			ID:    fmt.Sprintf("%02d-%s", step.Ordinal, slug),
			Task:  wf.Name,
			Index: step.Ordinal,
			Pool:  spec.Pool,
			Steps: []stepexec.StepSpec{spec},
		})
	}
	return units, nil
}

func expandMatrix(m *Matrix, opts ExpandOptions) []stepexec.WorkUnit {
	analysisPool := firstNonEmpty(m.Pools.Analysis, opts.AnalysisPool)
	generationPool := firstNonEmpty(m.Pools.Generation, opts.GenerationPool)
	criterion := firstNonEmpty(m.Criterion, opts.Criterion)
	required := append([]string(nil), m.Required...)

	var units []stepexec.WorkUnit
	for _, task := range m.Tasks {
		slug := checkpoint.SanitizeRunKey(task.Name)
		for v := 1; v <= task.Variations; v++ {
			inputs := make(map[string]string, len(task.Inputs)+2)
			for k, val := range task.Inputs {
				inputs[k] = val
			}
			inputs["task"] = task.Name
			inputs["variation"] = fmt.Sprintf("%d", v)
			units = append(units, stepexec.WorkUnit{
				ID:     fmt.Sprintf("%s/v%d", slug, v),
				Task:   task.Name,
				Index:  v,
				Pool:   generationPool,
				Inputs: inputs,
				Steps: []stepexec.StepSpec{
					{Name: StageValidate, Check: requireInputs(required)},
					{Name: StageAnalyze, Op: backend.OpAnalyze, Pool: analysisPool, Prompt: m.Prompts.Analyze},
					{Name: StageRefine, Op: backend.OpAnalyze, Pool: analysisPool, Prompt: m.Prompts.Refine},
					{
						Name:      StageGenerate,
						Op:        backend.OpGenerate,
						Pool:      generationPool,
						Prompt:    m.Prompts.Generate,
						Gate:      opts.Gate,
						Criterion: criterion,
					},
				},
			})
		}
	}
	return units
}

func requireInputs(keys []string) func(map[string]string) error {
	return func(inputs map[string]string) error {
		var missing []string
		for _, key := range keys {
			if strings.TrimSpace(inputs[key]) == "" {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return fmt.Errorf("missing required inputs: %s", strings.Join(missing, ", "))
		}
		return nil
	}
}

func isGenerateStep(name string, keywords []string) bool {
	lower := strings.ToLower(name)
	for _, kw := range keywords {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
