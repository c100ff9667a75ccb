package stepexec

import (
	"kiln/internal/backend"
)

// StepSpec describes one stage of a unit.
type StepSpec struct {
	Name string
	// Op selects the backend call. Ignored when Check is set.
	Op     backend.Operation
	Pool   string
	Prompt string
	// Gate runs the quality gate on the stage's artifact.
	Gate      bool
	Criterion string
	// Check is a local validation stage: no backend call, no rate delay, and
	// any error fails the unit permanently.
	Check func(inputs map[string]string) error
}

// WorkUnit is one concrete piece of work. It is immutable once expanded.
type WorkUnit struct {
	ID     string
	Task   string
	Index  int
	Pool   string
	Inputs map[string]string
	// Input seeds the first stage, e.g. the previous directive step's output.
	Input string
	Steps []StepSpec
}

// PoolFor returns the pool a step charges.
func (u WorkUnit) PoolFor(step StepSpec) string {
	if step.Pool != "" {
		return step.Pool
	}
	return u.Pool
}

// Pools returns the distinct pools the unit's backend stages charge.
func (u WorkUnit) Pools() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, s := range u.Steps {
		if s.Check != nil {
			continue
		}
		p := u.PoolFor(s)
		if _, ok := seen[p]; ok || p == "" {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
