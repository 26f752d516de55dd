package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relmigrate/internal/checkpoint"
	"relmigrate/internal/progress"
	"relmigrate/internal/storage"

	"go.uber.org/zap"
)

const maxPerfSamples = 20

// taskRunner processes the batches of one task strictly in sequence. It is
// the only writer of its taskState and of its entity's progress slot.
type taskRunner struct {
	e      *Executor
	s      *session
	r      *run
	ts     *taskState
	sizer  *batchSizer
	logger *zap.Logger

	dirty          bool // batches committed since the last checkpoint
	lowThroughput  bool
	memoryPressure bool
}

func (e *Executor) runTask(ctx context.Context, s *session, r *run, ts *taskState) {
	t := &taskRunner{
		e:      e,
		s:      s,
		r:      r,
		ts:     ts,
		sizer:  newBatchSizer(e.cfg),
		logger: s.logger.With(zap.String("entity", ts.task.EntityType)),
	}
	t.sizer.restore(ts.pos.batchSize)
	t.process(ctx)
}

func (t *taskRunner) process(ctx context.Context) {
	task := t.ts.task
	if !t.s.transition(t.ts, TaskRunning) {
		return
	}
	t.e.tracker.Start(task.EntityType)
	if m := t.e.metrics; m != nil {
		m.EntityStarted()
		defer m.EntityFinished()
	}

	t.logger.Info("Task started",
		zap.Int("records", len(task.RecordIDs)),
		zap.Int("resume_from_record", t.ts.pos.processed),
		zap.Int("resume_from_batch", t.ts.pos.batchNumber),
	)

	if err := t.preflight(ctx); err != nil {
		t.fail(ctx, err)
		return
	}

	ids := task.RecordIDs
	for t.ts.pos.processed < len(ids) {
		if t.stopAtBoundary(ctx) {
			return
		}

		batchIDs := partition(ids, t.ts.pos.processed, t.sizer.next())
		batchNumber := t.ts.pos.batchNumber + 1
		t.e.tracker.BatchStarted(task.EntityType, batchNumber, len(batchIDs))

		br, err := t.processBatch(ctx, batchNumber, batchIDs)
		if err != nil {
			t.fail(ctx, err)
			return
		}
		t.commit(br, batchIDs)

		if t.ts.pos.batchNumber%t.e.cfg.CheckpointInterval == 0 {
			t.checkpoint(ctx)
		}
	}

	if t.dirty || t.ts.lastCheckpointID == "" {
		t.checkpoint(ctx)
	}
	t.s.transition(t.ts, TaskCompleted)
	t.e.tracker.SetStatus(task.EntityType, progress.StatusCompleted)
	t.logger.Info("Task completed",
		zap.Int("records_migrated", t.ts.migrated),
		zap.Int("records_failed", t.ts.failedRecords),
		zap.Int("batches", t.ts.pos.batchNumber),
	)
}

// preflight verifies the destination schema, retrying transient errors.
func (t *taskRunner) preflight(ctx context.Context) error {
	task := t.ts.task
	var err error
	for attempt := 1; attempt <= t.e.cfg.BatchRetries+1; attempt++ {
		err = t.e.dest.Preflight(ctx, task.DestinationTable, task.LegacyColumn)
		if err == nil || !Classify(err).Retryable() || attempt > t.e.cfg.BatchRetries {
			break
		}
		if serr := sleepCtx(ctx, calculateBackoff(t.e.cfg.RetryBackoff(), t.e.cfg.MaxBackoff(), attempt)); serr != nil {
			return serr
		}
	}
	return err
}

// stopAtBoundary honours pause and cancel requests between batches.
func (t *taskRunner) stopAtBoundary(ctx context.Context) bool {
	entity := t.ts.task.EntityType
	switch {
	case t.r.cancel.Load() || ctx.Err() != nil:
		t.s.transition(t.ts, TaskCancelled)
		t.e.tracker.SetStatus(entity, progress.StatusCancelled)
		t.logger.Info("Task cancelled", zap.Int("records_processed", t.ts.pos.processed))
		return true

	case t.r.pause.Load():
		id := t.checkpoint(ctx)
		if id != "" {
			t.r.recordPauseCheckpoint(entity, id)
		}
		t.s.transition(t.ts, TaskPaused)
		t.e.tracker.SetStatus(entity, progress.StatusPaused)
		t.logger.Info("Task paused",
			zap.String("checkpoint_id", id),
			zap.Int("records_processed", t.ts.pos.processed))
		return true
	}
	return false
}

// processBatch writes one batch, retrying infrastructure failures with capped
// exponential backoff. The batch is committed as a whole or not at all.
func (t *taskRunner) processBatch(ctx context.Context, batchNumber int, ids []string) (BatchResult, error) {
	cfg := t.e.cfg
	var lastErr error

	for attempt := 1; attempt <= cfg.BatchRetries+1; attempt++ {
		start := time.Now()
		br, err := t.writeBatch(ctx, batchNumber, ids)
		took := time.Since(start)
		if err == nil {
			br.Attempts = attempt
			br.Retries += attempt - 1
			br.Duration = took
			return br, nil
		}

		lastErr = err
		category := Classify(err)
		if m := t.e.metrics; m != nil {
			m.ObserveBatch(t.ts.task.EntityType, false, 0, 0, took)
		}
		t.logger.Warn("Batch attempt failed",
			zap.Int("batch", batchNumber),
			zap.Int("attempt", attempt),
			zap.String("category", string(category)),
			zap.Error(err),
		)

		if ctx.Err() != nil || !category.Retryable() {
			break
		}
		if attempt <= cfg.BatchRetries {
			if serr := sleepCtx(ctx, calculateBackoff(cfg.RetryBackoff(), cfg.MaxBackoff(), attempt)); serr != nil {
				break
			}
		}
	}
	return BatchResult{}, lastErr
}

// writeBatch makes one attempt. A batch that exceeds the batch timeout is
// abandoned and reported with every record as a retryable failure.
func (t *taskRunner) writeBatch(ctx context.Context, batchNumber int, ids []string) (BatchResult, error) {
	bctx, cancel := ctx, context.CancelFunc(func() {})
	if timeout := t.e.cfg.BatchTimeout(); timeout > 0 {
		bctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	br, err := t.attempt(bctx, batchNumber, ids)
	if err != nil && ctx.Err() == nil && errors.Is(bctx.Err(), context.DeadlineExceeded) {
		return t.timedOut(batchNumber, ids), nil
	}
	return br, err
}

type preparedRow struct {
	id  string
	row storage.Row
}

func (t *taskRunner) attempt(ctx context.Context, batchNumber int, ids []string) (BatchResult, error) {
	task := t.ts.task
	result := BatchResult{BatchNumber: batchNumber, BatchSize: len(ids)}

	rows, err := t.e.source.ReadRows(ctx, task.SourceTable, task.SourceKey, ids)
	if err != nil {
		return result, fmt.Errorf("read %s: %w", task.SourceTable, err)
	}

	ready := make([]preparedRow, 0, len(ids))
	for _, id := range ids {
		row, ok := rows[id]
		if !ok {
			result.Errors = append(result.Errors, RecordError{
				RecordID: id,
				Type:     CategoryMissing,
				Message:  "record not found in source",
			})
			continue
		}
		out, retries, err := t.transform(ctx, row)
		result.Retries += retries
		if err != nil {
			result.Errors = append(result.Errors, RecordError{
				RecordID: id,
				Type:     CategoryTransform,
				Message:  err.Error(),
			})
			continue
		}
		out[task.LegacyColumn] = id
		ready = append(ready, preparedRow{id: id, row: out})
	}

	var (
		writeErrs    []RecordError
		writeRetries int
	)
	err = t.e.dest.WriteBatch(ctx, task.DestinationTable, task.LegacyColumn, func(w storage.BatchWriter) error {
		writeErrs, writeRetries = writeErrs[:0], 0
		for _, p := range ready {
			retries, err := t.upsert(ctx, w, p.row)
			writeRetries += retries
			if err == nil {
				continue
			}
			if errors.Is(err, storage.ErrBatchAborted) {
				return err
			}
			category := Classify(err)
			writeErrs = append(writeErrs, RecordError{
				RecordID:  p.id,
				Type:      category,
				Message:   err.Error(),
				Retryable: category.Retryable(),
			})
		}
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("write %s batch %d: %w", task.DestinationTable, batchNumber, err)
	}

	result.Errors = append(result.Errors, writeErrs...)
	result.Retries += writeRetries
	result.FailedRecords = len(result.Errors)
	result.SuccessfulRecords = len(ids) - result.FailedRecords
	return result, nil
}

// transform applies the task's transform with the record retry policy.
func (t *taskRunner) transform(ctx context.Context, row storage.Row) (storage.Row, int, error) {
	cfg := t.e.cfg
	for attempt := 1; ; attempt++ {
		out, err := t.safeTransform(row)
		if err == nil {
			if out == nil {
				out = storage.Row{}
			}
			return out, attempt - 1, nil
		}
		if attempt > cfg.RecordRetries {
			return nil, attempt - 1, err
		}
		if serr := sleepCtx(ctx, calculateBackoff(cfg.RetryBackoff(), cfg.MaxBackoff(), attempt)); serr != nil {
			return nil, attempt - 1, err
		}
	}
}

func (t *taskRunner) safeTransform(row storage.Row) (out storage.Row, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &transformError{err: fmt.Errorf("panic: %v", r)}
		}
	}()
	out, err = t.ts.task.Transform(row.Clone())
	if err != nil {
		err = &transformError{err: err}
	}
	return out, err
}

// upsert writes one record, retrying with backoff. Errors wrapping
// storage.ErrBatchAborted end the batch.
func (t *taskRunner) upsert(ctx context.Context, w storage.BatchWriter, row storage.Row) (int, error) {
	cfg := t.e.cfg
	for attempt := 1; ; attempt++ {
		err := w.Upsert(ctx, row)
		if err == nil || errors.Is(err, storage.ErrBatchAborted) || attempt > cfg.RecordRetries {
			return attempt - 1, err
		}
		if serr := sleepCtx(ctx, calculateBackoff(cfg.RetryBackoff(), cfg.MaxBackoff(), attempt)); serr != nil {
			return attempt - 1, fmt.Errorf("%w: %v", storage.ErrBatchAborted, serr)
		}
	}
}

func (t *taskRunner) timedOut(batchNumber int, ids []string) BatchResult {
	timeout := t.e.cfg.BatchTimeout()
	br := BatchResult{
		BatchNumber:   batchNumber,
		BatchSize:     len(ids),
		FailedRecords: len(ids),
		Attempts:      1,
		Duration:      timeout,
		TimedOut:      true,
	}
	for _, id := range ids {
		br.Errors = append(br.Errors, RecordError{
			RecordID:  id,
			Type:      CategoryTimeout,
			Message:   fmt.Sprintf("batch exceeded %s", timeout),
			Retryable: true,
		})
	}

	t.logger.Warn("Batch timed out", zap.Int("batch", batchNumber), zap.Duration("timeout", timeout))
	t.e.tracker.RecordAlert(progress.Alert{
		SessionID:  t.s.id,
		EntityType: t.ts.task.EntityType,
		Severity:   progress.SeverityWarning,
		Type:       progress.AlertBatchTimeout,
		Message:    fmt.Sprintf("batch %d abandoned after %s", batchNumber, timeout),
		Details:    map[string]any{"batch": batchNumber, "records": len(ids)},
	})
	return br
}

// commit advances the task position past a finished batch.
func (t *taskRunner) commit(br BatchResult, ids []string) {
	pos := &t.ts.pos
	pos.batchNumber = br.BatchNumber
	pos.processed += len(ids)
	if id := lastCommitted(ids, br.Errors); id != "" {
		pos.lastID = id
	}
	pos.retries += br.Retries
	pos.errors += len(br.Errors)
	pos.failed += br.FailedRecords

	memory := heapInUse()
	t.s.observeMemory(memory)
	pos.samples = append(pos.samples, checkpoint.PerfSample{
		BatchNumber: br.BatchNumber,
		Records:     len(ids),
		DurationMs:  br.Duration.Milliseconds(),
		MemoryBytes: memory,
	})
	if len(pos.samples) > maxPerfSamples {
		pos.samples = pos.samples[len(pos.samples)-maxPerfSamples:]
	}

	t.sizer.observe(len(ids), br.Duration, memory)
	pos.batchSize = t.sizer.next()

	t.ts.batches = append(t.ts.batches, br)
	t.ts.migrated += br.SuccessfulRecords
	t.ts.failedRecords += br.FailedRecords
	t.dirty = true

	snap := t.e.tracker.BatchCompleted(t.ts.task.EntityType, progress.BatchStats{
		BatchNumber:      br.BatchNumber,
		Records:          len(ids),
		Failed:           br.FailedRecords,
		Retries:          br.Retries,
		Duration:         br.Duration,
		MemoryBytes:      memory,
		RecordsProcessed: pos.processed,
		RecordsRemaining: len(t.ts.task.RecordIDs) - pos.processed,
	})
	if m := t.e.metrics; m != nil {
		m.ObserveBatch(t.ts.task.EntityType, !br.TimedOut, br.SuccessfulRecords, br.FailedRecords, br.Duration)
	}

	t.logger.Debug("Batch committed",
		zap.Int("batch", br.BatchNumber),
		zap.Int("records", len(ids)),
		zap.Int("failed", br.FailedRecords),
		zap.Duration("duration", br.Duration),
		zap.Int("next_batch_size", pos.batchSize),
	)

	t.checkAlerts(br, snap, memory)
}

// lastCommitted returns the last id of the batch that did not fail, or "".
func lastCommitted(ids []string, failed []RecordError) string {
	skip := make(map[string]struct{}, len(failed))
	for _, re := range failed {
		skip[re.RecordID] = struct{}{}
	}
	for i := len(ids) - 1; i >= 0; i-- {
		if _, ok := skip[ids[i]]; !ok {
			return ids[i]
		}
	}
	return ""
}

// checkpoint persists the current position. Failures are surfaced as alerts
// and never stop the task. It returns the new checkpoint id or "".
func (t *taskRunner) checkpoint(ctx context.Context) string {
	pos := t.ts.pos
	task := t.ts.task
	data := checkpoint.Data{
		SessionID:             t.s.id,
		EntityType:            task.EntityType,
		BatchNumber:           pos.batchNumber,
		RecordsProcessed:      pos.processed,
		RecordsRemaining:      len(task.RecordIDs) - pos.processed,
		LastProcessedRecordID: pos.lastID,
		ProcessingState: checkpoint.ProcessingState{
			BatchSize:     t.sizer.next(),
			RetryCount:    pos.retries,
			ErrorCount:    pos.errors,
			FailedRecords: pos.failed,
			Samples:       append([]checkpoint.PerfSample(nil), pos.samples...),
		},
	}

	// Checkpoints taken while stopping must survive a cancelled context.
	res, err := t.e.checkpoints.Create(context.WithoutCancel(ctx), data)
	for _, w := range res.Warnings {
		t.alert(progress.SeverityWarning, progress.AlertCheckpointFailed, w, nil)
	}
	if err != nil {
		t.logger.Error("Checkpoint failed", zap.Int("batch", pos.batchNumber), zap.Error(err))
		t.s.addWarning(fmt.Sprintf("%s: checkpoint at batch %d failed: %v", task.EntityType, pos.batchNumber, err))
		t.alert(progress.SeverityError, progress.AlertCheckpointFailed,
			fmt.Sprintf("checkpoint at batch %d not persisted", pos.batchNumber),
			map[string]any{"error": err.Error()})
		return ""
	}

	t.ts.lastCheckpointID = res.CheckpointID
	t.ts.checkpointBatch = pos.batchNumber
	t.ts.checkpointRecs = pos.processed
	t.s.addCheckpoint(res.CheckpointID)
	t.dirty = false

	t.logger.Debug("Checkpoint created",
		zap.String("checkpoint_id", res.CheckpointID),
		zap.Int("batch", pos.batchNumber),
		zap.Strings("locations", res.BackupLocations))
	return res.CheckpointID
}

// fail marks the task failed with recovery metadata. Committed batches are
// checkpointed first so a resubmission loses as little as possible.
func (t *taskRunner) fail(ctx context.Context, err error) {
	entity := t.ts.task.EntityType
	if ctx.Err() != nil && !errors.Is(err, storage.ErrSchemaMissing) {
		// Interrupted mid-batch: the batch rolled back, stop like a cancel.
		t.s.transition(t.ts, TaskCancelled)
		t.e.tracker.SetStatus(entity, progress.StatusCancelled)
		t.logger.Info("Task interrupted", zap.Error(err))
		return
	}

	if t.dirty {
		t.checkpoint(ctx)
	}

	category := Classify(err)
	t.ts.failure = &Failure{
		Category:         category,
		Message:          err.Error(),
		Retryable:        category.Retryable(),
		LastCheckpointID: t.ts.lastCheckpointID,
		ResumeFromBatch:  t.ts.checkpointBatch,
	}
	if category == CategorySchema {
		t.ts.failure.Retryable = false
		t.ts.fatal = &FatalError{EntityType: entity, Err: err}
	}

	t.s.transition(t.ts, TaskFailed)
	t.e.tracker.SetStatus(entity, progress.StatusFailed)
	t.alert(progress.SeverityError, progress.AlertEntityFailed, err.Error(),
		map[string]any{"category": string(category), "last_checkpoint_id": t.ts.lastCheckpointID})
	t.logger.Error("Task failed",
		zap.String("category", string(category)),
		zap.String("last_checkpoint_id", t.ts.lastCheckpointID),
		zap.Int("resume_from_batch", t.ts.checkpointBatch),
		zap.Error(err),
	)
}

func (t *taskRunner) alert(severity progress.Severity, kind, msg string, details map[string]any) {
	t.e.tracker.RecordAlert(progress.Alert{
		SessionID:  t.s.id,
		EntityType: t.ts.task.EntityType,
		Severity:   severity,
		Type:       kind,
		Message:    msg,
		Details:    details,
	})
}
