package executor

import (
	"context"
	"fmt"

	"relmigrate/internal/checkpoint"
	"relmigrate/internal/progress"

	"go.uber.org/zap"
)

// resolvePosition moves ts to its best valid checkpoint in the session. When
// preferredID is set, that checkpoint is tried first and only older ones are
// considered as fallbacks. Without any valid checkpoint the task restarts
// from the first record.
func (e *Executor) resolvePosition(ctx context.Context, s *session, ts *taskState, preferredID string) {
	entity := ts.task.EntityType
	logger := s.logger.With(zap.String("entity", entity))

	history, err := e.checkpoints.History(ctx, s.id, entity)
	if err != nil {
		logger.Warn("Failed to read checkpoint history", zap.Error(err))
		s.addWarning(fmt.Sprintf("%s: checkpoint history unavailable: %v", entity, err))
		e.resetPosition(ts)
		return
	}

	candidates := make([]string, 0, len(history)+1)
	ceiling := -1
	if preferredID != "" {
		candidates = append(candidates, preferredID)
		for _, h := range history {
			if h.CheckpointID == preferredID {
				ceiling = h.BatchNumber
			}
		}
	}
	for _, h := range history {
		if h.CheckpointID == preferredID || h.Status == checkpoint.StatusCorrupted {
			continue
		}
		if ceiling >= 0 && h.BatchNumber > ceiling {
			continue
		}
		candidates = append(candidates, h.CheckpointID)
	}

	var rejected []string
	for _, id := range candidates {
		loaded, err := e.checkpoints.Load(ctx, id)
		if err == nil {
			err = consistent(&loaded.Data, s.id, ts.task)
		}
		if err != nil {
			logger.Warn("Checkpoint rejected", zap.String("checkpoint_id", id), zap.Error(err))
			rejected = append(rejected, id)
			continue
		}

		e.applyCheckpoint(ts, &loaded.Data)
		logger.Info("Resuming from checkpoint",
			zap.String("checkpoint_id", id),
			zap.String("source", loaded.Source),
			zap.Int("batch", loaded.Data.BatchNumber),
			zap.Int("records_processed", loaded.Data.RecordsProcessed))
		break
	}

	if len(rejected) > 0 {
		msg := fmt.Sprintf("%s: %d checkpoint(s) rejected during recovery", entity, len(rejected))
		s.addWarning(msg)
		e.tracker.RecordAlert(progress.Alert{
			SessionID:  s.id,
			EntityType: entity,
			Severity:   progress.SeverityWarning,
			Type:       progress.AlertCheckpointCorrupted,
			Message:    msg,
			Details:    map[string]any{"checkpoint_ids": rejected, "resumed_from": ts.lastCheckpointID},
		})
	}
	if len(candidates) > 0 && len(rejected) == len(candidates) {
		e.resetPosition(ts)
	}
}

// consistent verifies that a checkpoint belongs to this task and that its
// position agrees with the task's record list.
func consistent(d *checkpoint.Data, sessionID string, task Task) error {
	switch {
	case d.SessionID != sessionID || d.EntityType != task.EntityType:
		return fmt.Errorf("checkpoint belongs to %s/%s", d.SessionID, d.EntityType)
	case d.RecordsProcessed < 0 || d.RecordsRemaining < 0:
		return fmt.Errorf("checkpoint has negative counters")
	case d.RecordsProcessed+d.RecordsRemaining != len(task.RecordIDs):
		return fmt.Errorf("checkpoint covers %d records, task has %d",
			d.RecordsProcessed+d.RecordsRemaining, len(task.RecordIDs))
	case d.RecordsProcessed == 0 && d.LastProcessedRecordID != "":
		return fmt.Errorf("checkpoint has no processed records but last id %q", d.LastProcessedRecordID)
	case d.LastProcessedRecordID != "" && !contains(task.RecordIDs[:d.RecordsProcessed], d.LastProcessedRecordID):
		return fmt.Errorf("last processed record %q is not among the first %d records of the task",
			d.LastProcessedRecordID, d.RecordsProcessed)
	}
	return nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func (e *Executor) applyCheckpoint(ts *taskState, d *checkpoint.Data) {
	ts.pos = position{
		batchNumber: d.BatchNumber,
		processed:   d.RecordsProcessed,
		lastID:      d.LastProcessedRecordID,
		batchSize:   d.ProcessingState.BatchSize,
		retries:     d.ProcessingState.RetryCount,
		errors:      d.ProcessingState.ErrorCount,
		failed:      d.ProcessingState.FailedRecords,
		samples:     append([]checkpoint.PerfSample(nil), d.ProcessingState.Samples...),
	}
	ts.lastCheckpointID = d.CheckpointID
	ts.checkpointBatch = d.BatchNumber
	ts.checkpointRecs = d.RecordsProcessed
	ts.resumedFromBatch = d.BatchNumber
	rewindBatches(ts, d.BatchNumber)
}

// rewindBatches forgets batch results past batchNumber so replayed batches
// are not counted twice.
func rewindBatches(ts *taskState, batchNumber int) {
	kept := ts.batches[:0]
	ts.migrated, ts.failedRecords = 0, 0
	for _, b := range ts.batches {
		if b.BatchNumber > batchNumber {
			continue
		}
		kept = append(kept, b)
		ts.migrated += b.SuccessfulRecords
		ts.failedRecords += b.FailedRecords
	}
	ts.batches = kept
}

func (e *Executor) resetPosition(ts *taskState) {
	ts.pos = position{}
	ts.lastCheckpointID = ""
	ts.checkpointBatch = 0
	ts.checkpointRecs = 0
	ts.resumedFromBatch = 0
	rewindBatches(ts, 0)
}
