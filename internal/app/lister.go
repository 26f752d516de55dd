package app

import (
	"context"
	"fmt"

	"relmigrate/internal/executor"

	"go.uber.org/zap"
)

// KeySource enumerates the primary keys of a source table.
type KeySource interface {
	ListKeys(ctx context.Context, table, keyColumn string) ([]string, error)
}

// KeyLister fills in record identifiers for plan tasks that list none.
type KeyLister struct {
	source KeySource
	logger *zap.Logger
}

// Complete returns tasks with every empty RecordIDs replaced by all keys of
// the task's source table. Tasks with explicit identifiers are unchanged.
func (l *KeyLister) Complete(ctx context.Context, tasks []executor.Task) ([]executor.Task, error) {
	out := make([]executor.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t
		if len(t.RecordIDs) > 0 {
			continue
		}

		key := t.SourceKey
		if key == "" {
			key = "id"
		}
		ids, err := l.source.ListKeys(ctx, t.SourceTable, key)
		if err != nil {
			return nil, fmt.Errorf("failed to list records for %s: %w", t.EntityType, err)
		}
		out[i].RecordIDs = ids

		l.logger.Info("Listed source records",
			zap.String("entity", t.EntityType),
			zap.String("table", t.SourceTable),
			zap.Int("records", len(ids)),
		)
	}
	return out, nil
}
