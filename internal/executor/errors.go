package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"relmigrate/internal/checkpoint"
	"relmigrate/internal/storage"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrDependencyCycle is wrapped by validation errors describing a cycle.
	ErrDependencyCycle = errors.New("dependency cycle")
	// ErrNotRunning is returned by Pause and Cancel when no session is active.
	ErrNotRunning = errors.New("no migration session is running")
	// ErrNoPausedSession is returned by Resume when nothing is paused.
	ErrNoPausedSession = errors.New("no paused migration session")
	// ErrEntityNotPaused is returned by Resume when the checkpoint's entity
	// has nothing left to resume.
	ErrEntityNotPaused = errors.New("checkpoint's entity is not paused")
	// ErrAlreadyRunning is returned when a session is already executing.
	ErrAlreadyRunning = errors.New("a migration session is already running")
)

// ValidationError lists every problem found in a rejected task set.
type ValidationError struct {
	Problems *multierror.Error
}

func (e *ValidationError) Error() string {
	return "invalid migration tasks: " + e.Problems.Error()
}

// Unwrap exposes the individual problems to errors.Is.
func (e *ValidationError) Unwrap() []error {
	return e.Problems.WrappedErrors()
}

// FatalError is a non-retryable task failure. It propagates from Execute.
type FatalError struct {
	EntityType string
	Err        error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal failure migrating %s: %v", e.EntityType, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// FailureCategory groups errors for recovery analysis
type FailureCategory string

const (
	CategoryConnectivity FailureCategory = "connectivity"
	CategoryTimeout      FailureCategory = "timeout"
	CategoryConstraint   FailureCategory = "constraint"
	CategoryTransform    FailureCategory = "transform"
	CategorySchema       FailureCategory = "schema"
	CategoryCheckpoint   FailureCategory = "checkpoint"
	CategoryDependency   FailureCategory = "dependency"
	CategoryMissing      FailureCategory = "missing_source"
	CategoryUnknown      FailureCategory = "unknown"
)

// Retryable reports whether another attempt may succeed.
func (c FailureCategory) Retryable() bool {
	return c == CategoryConnectivity || c == CategoryTimeout
}

// RecordError is one record's failure inside an otherwise committed batch.
type RecordError struct {
	RecordID  string          `json:"record_id"`
	Type      FailureCategory `json:"error_type"`
	Message   string          `json:"message"`
	Retryable bool            `json:"retryable"`
}

func (e RecordError) Error() string {
	return fmt.Sprintf("record %s: %s: %s", e.RecordID, e.Type, e.Message)
}

// transformError marks errors returned by a Transform.
type transformError struct {
	err error
}

func (e *transformError) Error() string { return "transform: " + e.err.Error() }
func (e *transformError) Unwrap() error { return e.err }

// Classify assigns a failure category to err.
func Classify(err error) FailureCategory {
	if err == nil {
		return ""
	}

	var te *transformError
	switch {
	case errors.As(err, &te):
		return CategoryTransform
	case errors.Is(err, storage.ErrSchemaMissing):
		return CategorySchema
	case errors.Is(err, checkpoint.ErrChecksumMismatch), errors.Is(err, checkpoint.ErrNotFound):
		return CategoryCheckpoint
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "timed out"):
		return CategoryTimeout
	case isRetriableError(errStr):
		return CategoryConnectivity
	case strings.Contains(errStr, "constraint"),
		strings.Contains(errStr, "unique"),
		strings.Contains(errStr, "duplicate"),
		strings.Contains(errStr, "foreign key"),
		strings.Contains(errStr, "not null"),
		strings.Contains(errStr, "violat"):
		return CategoryConstraint
	}
	return CategoryUnknown
}

func isRetriableError(errStr string) bool {
	// Network and lock contention errors
	return strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "temporary") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "dns") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "bad conn") ||
		strings.Contains(errStr, "unexpected eof") ||
		strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "sqlite_busy") ||
		strings.Contains(errStr, "deadlock") ||
		strings.Contains(errStr, "too many connections") ||
		strings.Contains(errStr, "server closed")
}

func calculateBackoff(base, limit time.Duration, attempt int) time.Duration {
	backoff := base * time.Duration(math.Pow(2, float64(attempt-1)))
	if limit > 0 && (backoff > limit || backoff < 0) {
		return limit
	}
	return backoff
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
