package executor

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// validateTasks checks a submitted task set. completed reports dependencies
// satisfied by work finished before this call. On success the returned graph
// is acyclic.
func validateTasks(tasks []Task, completed func(entityType string) bool) (*graph, error) {
	var problems *multierror.Error
	if len(tasks) == 0 {
		problems = multierror.Append(problems, fmt.Errorf("at least one task is required"))
		return nil, &ValidationError{Problems: problems}
	}

	names := make(map[string]bool, len(tasks))
	for i, t := range tasks {
		if t.EntityType == "" {
			problems = multierror.Append(problems, fmt.Errorf("task %d: entity type is required", i))
			continue
		}
		if names[t.EntityType] {
			problems = multierror.Append(problems, fmt.Errorf("task %s: submitted more than once", t.EntityType))
		}
		names[t.EntityType] = true
	}

	for _, t := range tasks {
		if t.EntityType == "" {
			continue
		}
		if t.SourceTable == "" || t.DestinationTable == "" {
			problems = multierror.Append(problems, fmt.Errorf("task %s: source and destination tables are required", t.EntityType))
		}
		if t.Priority.rank() < 0 {
			problems = multierror.Append(problems, fmt.Errorf("task %s: unknown priority %q", t.EntityType, t.Priority))
		}

		seen := make(map[string]bool, len(t.RecordIDs))
		for _, id := range t.RecordIDs {
			if id == "" {
				problems = multierror.Append(problems, fmt.Errorf("task %s: empty record id", t.EntityType))
				break
			}
			if seen[id] {
				problems = multierror.Append(problems, fmt.Errorf("task %s: duplicate record id %q", t.EntityType, id))
				break
			}
			seen[id] = true
		}

		for _, dep := range t.Dependencies {
			if names[dep] {
				continue
			}
			if completed != nil && completed(dep) {
				continue
			}
			problems = multierror.Append(problems, fmt.Errorf("task %s: unknown dependency %q", t.EntityType, dep))
		}
	}

	if problems.ErrorOrNil() != nil {
		return nil, &ValidationError{Problems: problems}
	}

	g := newGraph(tasks)
	if path := g.cycle(); path != nil {
		problems = multierror.Append(problems, fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(path, " -> ")))
		return nil, &ValidationError{Problems: problems}
	}
	return g, nil
}
