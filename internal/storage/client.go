package storage

import (
	"context"
	"errors"
)

var (
	// ErrBatchAborted means the batch transaction can no longer be used and
	// every write in it has been discarded.
	ErrBatchAborted = errors.New("batch transaction aborted")
	// ErrSchemaMissing means the destination table or legacy column does not exist.
	ErrSchemaMissing = errors.New("destination schema missing")
)

// Row is one record keyed by column name.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Source reads records by explicit identifier.
type Source interface {
	// ReadRows returns the rows of table whose keyColumn matches one of ids,
	// keyed by identifier. Missing identifiers are simply absent.
	ReadRows(ctx context.Context, table, keyColumn string, ids []string) (map[string]Row, error)
}

// Destination writes records in atomic batches.
type Destination interface {
	// Preflight verifies that table and legacyColumn exist.
	Preflight(ctx context.Context, table, legacyColumn string) error
	// WriteBatch runs fn inside one transaction. The transaction commits when
	// fn returns nil and rolls back otherwise.
	WriteBatch(ctx context.Context, table, legacyColumn string, fn func(BatchWriter) error) error
	// Count returns the number of rows in table.
	Count(ctx context.Context, table string) (int64, error)
}

// BatchWriter upserts single records inside a batch transaction. A failed
// Upsert leaves the rest of the batch intact unless the returned error wraps
// ErrBatchAborted.
type BatchWriter interface {
	Upsert(ctx context.Context, row Row) error
}
