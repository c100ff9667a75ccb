package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"kiln/internal/checkpoint"
	"kiln/internal/directive"
)

// Mode selects how a workflow expands into units.
type Mode string

const (
	ModeDirective Mode = "directive"
	ModeMatrix    Mode = "matrix"
)

// Workflow is one run request.
type Workflow struct {
	Name string
	// RunKey names the checkpoint record. Defaults to the sanitized Name.
	RunKey string
	Mode   Mode
	// Steps are the parsed directive steps (directive mode).
	Steps []directive.Step
	// Criterion is the quality criterion for directive generate steps.
	Criterion string
	// Matrix is the task matrix (matrix mode).
	Matrix *Matrix
}

// Key returns the workflow's checkpoint run key.
func (w Workflow) Key() string {
	if key := checkpoint.SanitizeRunKey(w.RunKey); key != "" {
		return key
	}
	return checkpoint.SanitizeRunKey(w.Name)
}

// DirectiveWorkflow builds a directive workflow from parsed steps.
func DirectiveWorkflow(name string, steps []directive.Step) Workflow {
	return Workflow{Name: name, Mode: ModeDirective, Steps: steps}
}

// MatrixWorkflow wraps a loaded matrix.
func MatrixWorkflow(m *Matrix) Workflow {
	return Workflow{Name: m.Name, RunKey: m.RunKey, Mode: ModeMatrix, Matrix: m}
}

// Matrix is a set of tasks, each run Variations times through the
// validate, analyze, refine, generate template.
type Matrix struct {
	Name      string `yaml:"name"`
	RunKey    string `yaml:"run_key"`
	Criterion string `yaml:"criterion"`

	// Required lists input keys every task must provide; checked by the validate stage.
	Required []string      `yaml:"required"`
	Pools    MatrixPools   `yaml:"pools"`
	Prompts  MatrixPrompts `yaml:"prompts"`
	Tasks    []MatrixTask  `yaml:"tasks"`
}

// MatrixPools overrides the pools the backend stages charge.
type MatrixPools struct {
	Analysis   string `yaml:"analysis"`
	Generation string `yaml:"generation"`
}

// MatrixPrompts are the per-stage prompt bodies.
type MatrixPrompts struct {
	Analyze  string `yaml:"analyze"`
	Refine   string `yaml:"refine"`
	Generate string `yaml:"generate"`
}

// MatrixTask is one row of the matrix.
type MatrixTask struct {
	Name       string            `yaml:"name"`
	Variations int               `yaml:"variations"`
	Inputs     map[string]string `yaml:"inputs"`
}

// LoadMatrix reads and validates a matrix workflow file.
func LoadMatrix(path string) (*Matrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read matrix: %w", err)
	}
	m, err := ParseMatrix(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ParseMatrix decodes YAML, rejecting unknown fields, and validates the result.
func ParseMatrix(data []byte) (*Matrix, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Matrix
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode matrix: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate normalizes defaults and reports structural problems.
func (m *Matrix) Validate() error {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return errors.New("matrix name is required")
	}
	if len(m.Tasks) == 0 {
		return errors.New("matrix has no tasks")
	}
	if strings.TrimSpace(m.Prompts.Generate) == "" {
		return errors.New("prompts.generate is required")
	}
	seen := make(map[string]struct{}, len(m.Tasks))
	for i := range m.Tasks {
		task := &m.Tasks[i]
		task.Name = strings.TrimSpace(task.Name)
		if task.Name == "" {
			return fmt.Errorf("task %d: name is required", i+1)
		}
		slug := checkpoint.SanitizeRunKey(task.Name)
		if slug == "" {
			return fmt.Errorf("task %q: name has no usable characters", task.Name)
		}
		if _, dup := seen[slug]; dup {
			return fmt.Errorf("task %q: duplicate name", task.Name)
		}
		seen[slug] = struct{}{}
		if task.Variations == 0 {
			task.Variations = 1
		}
		if task.Variations < 0 {
			return fmt.Errorf("task %q: variations must be positive", task.Name)
		}
	}
	return nil
}
