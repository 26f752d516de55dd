package executor

import (
	"time"
)

// ResultStatus is the overall outcome of a session run
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultPartial   ResultStatus = "partial"
	ResultFailed    ResultStatus = "failed"
	ResultPaused    ResultStatus = "paused"
	ResultCancelled ResultStatus = "cancelled"
)

// BatchResult is the outcome of one committed (or timed out) batch.
type BatchResult struct {
	BatchNumber       int           `json:"batch_number"`
	BatchSize         int           `json:"batch_size"`
	SuccessfulRecords int           `json:"successful_records"`
	FailedRecords     int           `json:"failed_records"`
	Errors            []RecordError `json:"errors,omitempty"`
	Attempts          int           `json:"attempts"`
	Retries           int           `json:"retries"`
	Duration          time.Duration `json:"duration"`
	TimedOut          bool          `json:"timed_out,omitempty"`
}

// Failure is the recovery analysis of a failed task.
type Failure struct {
	Category         FailureCategory `json:"category"`
	Message          string          `json:"message"`
	Retryable        bool            `json:"retryable"`
	LastCheckpointID string          `json:"last_checkpoint_id,omitempty"`
	ResumeFromBatch  int             `json:"resume_from_batch"`
}

// TaskResult is the outcome of one task.
type TaskResult struct {
	EntityType       string        `json:"entity_type"`
	Status           TaskStatus    `json:"status"`
	RecordsTotal     int           `json:"records_total"`
	RecordsProcessed int           `json:"records_processed"`
	RecordsMigrated  int           `json:"records_migrated"`
	RecordsFailed    int           `json:"records_failed"`
	RecordsRemaining int           `json:"records_remaining"`
	ResumedFromBatch int           `json:"resumed_from_batch"`
	LastCheckpointID string        `json:"last_checkpoint_id,omitempty"`
	Batches          []BatchResult `json:"batches"`
	Failure          *Failure      `json:"failure,omitempty"`
}

// EntityRecovery tells the caller where an unfinished entity can resume.
type EntityRecovery struct {
	EntityType       string          `json:"entity_type"`
	Status           TaskStatus      `json:"status"`
	LastCheckpointID string          `json:"last_checkpoint_id,omitempty"`
	ResumeFromBatch  int             `json:"resume_from_batch"`
	RecordsRemaining int             `json:"records_remaining"`
	Category         FailureCategory `json:"category,omitempty"`
}

// RecoveryInfo is attached to every incomplete result.
type RecoveryInfo struct {
	SessionID string           `json:"session_id"`
	Entities  []EntityRecovery `json:"entities"`
}

// PerformanceSummary aggregates timing over the run.
type PerformanceSummary struct {
	Duration         time.Duration `json:"duration"`
	Batches          int           `json:"batches"`
	AverageBatch     time.Duration `json:"average_batch"`
	RecordsPerSecond float64       `json:"records_per_second"`
	PeakMemoryBytes  uint64        `json:"peak_memory_bytes"`
}

// Result is the aggregate outcome returned by Execute and Resume.
type Result struct {
	SessionID             string             `json:"session_id"`
	Status                ResultStatus       `json:"status"`
	TotalRecordsProcessed int                `json:"total_records_processed"`
	TotalRecordsFailed    int                `json:"total_records_failed"`
	EntitiesProcessed     int                `json:"entities_processed"`
	EntitiesFailed        int                `json:"entities_failed"`
	Tasks                 []TaskResult       `json:"tasks"`
	Checkpoints           []string           `json:"checkpoints"`
	Recovery              *RecoveryInfo      `json:"recovery,omitempty"`
	Performance           PerformanceSummary `json:"performance"`
	Warnings              []string           `json:"warnings,omitempty"`
	StartedAt             time.Time          `json:"started_at"`
	FinishedAt            time.Time          `json:"finished_at"`
}

// Task returns the result of one entity.
func (r *Result) Task(entityType string) (TaskResult, bool) {
	for _, t := range r.Tasks {
		if t.EntityType == entityType {
			return t, true
		}
	}
	return TaskResult{}, false
}

// overallStatus: completed only if every task completed; partial when some
// task made forward progress; failed otherwise.
func overallStatus(tasks []TaskResult, paused, cancelled bool) ResultStatus {
	switch {
	case cancelled:
		return ResultCancelled
	case paused:
		return ResultPaused
	}

	allCompleted, progressed := true, false
	for _, t := range tasks {
		if t.Status != TaskCompleted {
			allCompleted = false
		}
		if t.Status == TaskCompleted || t.RecordsMigrated > 0 {
			progressed = true
		}
	}
	switch {
	case allCompleted:
		return ResultCompleted
	case progressed:
		return ResultPartial
	}
	return ResultFailed
}
