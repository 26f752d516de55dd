package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relmigrate/internal/progress"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// runWaves executes the waves strictly in sequence. Tasks of one wave run
// concurrently, bounded by the configured parallelism. It returns the first
// fatal task error in submission order.
func (e *Executor) runWaves(ctx context.Context, s *session, r *run) error {
	for n, wave := range s.waves {
		if stopRequested(ctx, r) {
			break
		}

		var g errgroup.Group
		g.SetLimit(e.cfg.Parallelism)

		launched := 0
		for _, idx := range wave {
			ts := s.tasks[idx]
			status := s.statusOf(ts)
			if status.Finished() {
				continue
			}
			if stopRequested(ctx, r) {
				break
			}
			if dep, ok := e.blockedBy(s, ts); ok {
				e.failDependency(s, ts, dep)
				continue
			}

			launched++
			g.Go(func() error {
				e.runTask(ctx, s, r, ts)
				return nil
			})
		}
		_ = g.Wait()

		s.logger.Debug("Wave finished", zap.Int("wave", n+1), zap.Int("tasks", launched))
	}

	e.settleUnstarted(ctx, s, r)

	for _, ts := range s.tasks {
		if ts.fatal != nil {
			return ts.fatal
		}
	}
	return nil
}

func stopRequested(ctx context.Context, r *run) bool {
	return ctx.Err() != nil || r.pause.Load() || r.cancel.Load()
}

// blockedBy returns the first in-call dependency that did not complete.
func (e *Executor) blockedBy(s *session, ts *taskState) (string, bool) {
	for _, d := range s.graph.deps[ts.index] {
		dep := s.tasks[d]
		if s.statusOf(dep) != TaskCompleted {
			return dep.task.EntityType, true
		}
	}
	return "", false
}

func (e *Executor) failDependency(s *session, ts *taskState, dep string) {
	if !s.transition(ts, TaskFailed) {
		return
	}
	msg := fmt.Sprintf("dependency %s did not complete", dep)
	ts.failure = &Failure{
		Category:         CategoryDependency,
		Message:          msg,
		LastCheckpointID: ts.lastCheckpointID,
		ResumeFromBatch:  ts.checkpointBatch,
	}
	e.tracker.SetStatus(ts.task.EntityType, progress.StatusFailed)
	e.tracker.RecordAlert(progress.Alert{
		SessionID:  s.id,
		EntityType: ts.task.EntityType,
		Severity:   progress.SeverityError,
		Type:       progress.AlertEntityFailed,
		Message:    msg,
	})
	s.logger.Warn("Task skipped", zap.String("entity", ts.task.EntityType), zap.String("reason", msg))
}

// settleUnstarted moves tasks that never got a worker into the state the
// stop request implies.
func (e *Executor) settleUnstarted(ctx context.Context, s *session, r *run) {
	cancelled := r.cancel.Load() || ctx.Err() != nil
	for _, ts := range s.tasks {
		status := s.statusOf(ts)
		switch {
		case status == TaskPending && cancelled:
			s.transition(ts, TaskCancelled)
			e.tracker.SetStatus(ts.task.EntityType, progress.StatusCancelled)
		case status == TaskPending && r.pause.Load():
			s.transition(ts, TaskPaused)
			e.tracker.SetStatus(ts.task.EntityType, progress.StatusPaused)
		case status == TaskPaused && cancelled:
			s.transition(ts, TaskCancelled)
			e.tracker.SetStatus(ts.task.EntityType, progress.StatusCancelled)
		}
	}
}

func (e *Executor) buildResult(ctx context.Context, s *session, r *run, started time.Time) *Result {
	finished := time.Now()
	result := &Result{
		SessionID:  s.id,
		StartedAt:  started,
		FinishedAt: finished,
	}

	var (
		paused     bool
		batches    int
		batchTotal time.Duration
	)
	for _, ts := range s.tasks {
		status := s.statusOf(ts)
		tr := TaskResult{
			EntityType:       ts.task.EntityType,
			Status:           status,
			RecordsTotal:     len(ts.task.RecordIDs),
			RecordsProcessed: ts.pos.processed,
			RecordsMigrated:  ts.migrated,
			RecordsFailed:    ts.failedRecords,
			RecordsRemaining: len(ts.task.RecordIDs) - ts.pos.processed,
			ResumedFromBatch: ts.resumedFromBatch,
			LastCheckpointID: ts.lastCheckpointID,
			Batches:          append([]BatchResult(nil), ts.batches...),
			Failure:          ts.failure,
		}
		result.Tasks = append(result.Tasks, tr)

		result.TotalRecordsProcessed += ts.migrated
		result.TotalRecordsFailed += ts.failedRecords
		switch status {
		case TaskCompleted:
			result.EntitiesProcessed++
		case TaskFailed:
			result.EntitiesFailed++
		case TaskPaused:
			paused = true
		}
		for _, b := range ts.batches {
			batches++
			batchTotal += b.Duration
		}
	}

	cancelled := r.cancel.Load() || ctx.Err() != nil
	result.Status = overallStatus(result.Tasks, paused && !cancelled, cancelled)

	s.mu.Lock()
	result.Checkpoints = append([]string(nil), s.checkpoints...)
	result.Warnings = append([]string(nil), s.warnings...)
	result.Performance = PerformanceSummary{
		Duration:        finished.Sub(started),
		Batches:         batches,
		PeakMemoryBytes: s.peakMemory,
	}
	switch result.Status {
	case ResultCompleted:
		s.status = SessionCompleted
	case ResultPaused:
		s.status = SessionPaused
	case ResultCancelled:
		s.status = SessionCancelled
	default:
		s.status = SessionFailed
	}
	s.mu.Unlock()

	if batches > 0 {
		result.Performance.AverageBatch = batchTotal / time.Duration(batches)
	}
	if secs := result.Performance.Duration.Seconds(); secs > 0 {
		result.Performance.RecordsPerSecond = float64(result.TotalRecordsProcessed) / secs
	}

	if result.Status != ResultCompleted {
		result.Recovery = &RecoveryInfo{SessionID: s.id}
		for _, ts := range s.tasks {
			status := s.statusOf(ts)
			if status == TaskCompleted {
				continue
			}
			rec := EntityRecovery{
				EntityType:       ts.task.EntityType,
				Status:           status,
				LastCheckpointID: ts.lastCheckpointID,
				ResumeFromBatch:  ts.checkpointBatch,
				RecordsRemaining: len(ts.task.RecordIDs) - ts.checkpointRecs,
			}
			if ts.failure != nil {
				rec.Category = ts.failure.Category
			}
			result.Recovery.Entities = append(result.Recovery.Entities, rec)
		}
	}
	return result
}

// IsFatal reports whether err is a fatal task failure.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
