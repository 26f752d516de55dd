package executor

import (
	"fmt"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Plan is the on-disk task list consumed by the run command.
type Plan struct {
	Tasks []Task `yaml:"tasks"`
}

// LoadPlan reads a YAML task plan. Transforms are attached by the caller.
func LoadPlan(fs afero.Fs, path string) ([]Task, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task plan: %w", err)
	}

	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse task plan: %w", err)
	}
	if len(plan.Tasks) == 0 {
		return nil, fmt.Errorf("task plan %s contains no tasks", path)
	}
	return plan.Tasks, nil
}
