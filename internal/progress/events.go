package progress

import "time"

// EventType identifies a progress stream event
type EventType string

const (
	EventBatchStarted    EventType = "batch_started"
	EventBatchCompleted  EventType = "batch_completed"
	EventEntityCompleted EventType = "entity_completed"
	EventProgress        EventType = "progress"
	EventAlert           EventType = "alert"
)

// Event is delivered to subscribers. Sequence increases by one per entity.
type Event struct {
	Type        EventType `json:"type"`
	SessionID   string    `json:"session_id"`
	EntityType  string    `json:"entity_type"`
	Sequence    uint64    `json:"sequence"`
	Timestamp   time.Time `json:"timestamp"`
	BatchNumber int       `json:"batch_number,omitempty"`
	BatchSize   int       `json:"batch_size,omitempty"`
	Snapshot    *Snapshot `json:"snapshot,omitempty"`
	Alert       *Alert    `json:"alert,omitempty"`
}

// Severity of an alert
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Alert types raised by the executor
const (
	AlertLowThroughput       = "low_throughput"
	AlertHighRetryRate       = "high_retry_rate"
	AlertMemoryPressure      = "memory_pressure"
	AlertBatchTimeout        = "batch_timeout"
	AlertCheckpointFailed    = "checkpoint_failed"
	AlertCheckpointCorrupted = "checkpoint_corrupted"
	AlertEntityFailed        = "entity_failed"
)

// Alert is a threshold crossing or notable condition.
type Alert struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	EntityType string         `json:"entity_type,omitempty"`
	Severity   Severity       `json:"severity"`
	Type       string         `json:"type"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
