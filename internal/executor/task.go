package executor

import (
	"fmt"

	"relmigrate/internal/storage"
)

// Priority orders tasks inside a wave
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium, "":
		return 1
	case PriorityLow:
		return 0
	}
	return -1
}

// Transform maps one source row to its destination shape. It must not keep
// a reference to the row it is given.
type Transform func(storage.Row) (storage.Row, error)

// Task represents the migration of one entity type
type Task struct {
	EntityType          string    `yaml:"entity_type"`
	RecordIDs           []string  `yaml:"record_ids"`
	Priority            Priority  `yaml:"priority"`
	Dependencies        []string  `yaml:"dependencies"`
	EstimatedDurationMs int64     `yaml:"estimated_duration_ms"`
	SourceTable         string    `yaml:"source_table"`
	DestinationTable    string    `yaml:"destination_table"`
	SourceKey           string    `yaml:"source_key"`    // default "id"
	LegacyColumn        string    `yaml:"legacy_column"` // default "legacy_id"
	Transform           Transform `yaml:"-"`
}

const (
	defaultSourceKey    = "id"
	defaultLegacyColumn = "legacy_id"
)

func (t Task) withDefaults() Task {
	if t.SourceKey == "" {
		t.SourceKey = defaultSourceKey
	}
	if t.LegacyColumn == "" {
		t.LegacyColumn = defaultLegacyColumn
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.Transform == nil {
		key := t.SourceKey
		t.Transform = func(row storage.Row) (storage.Row, error) {
			out := row.Clone()
			delete(out, key)
			return out, nil
		}
	}
	return t
}

// TaskStatus is the per-task state machine
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending: {TaskRunning, TaskPaused, TaskCompleted, TaskFailed, TaskCancelled},
	TaskRunning: {TaskCompleted, TaskPaused, TaskFailed, TaskCancelled},
	TaskPaused:  {TaskRunning, TaskCancelled},
}

func (s TaskStatus) canTransition(to TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Finished reports whether the task will not run again in this session.
func (s TaskStatus) Finished() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

func (t Task) String() string {
	return fmt.Sprintf("%s(%d records)", t.EntityType, len(t.RecordIDs))
}
