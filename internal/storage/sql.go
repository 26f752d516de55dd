package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"relmigrate/internal/database"
)

// SQLStore implements Source and Destination over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB, dialect database.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// DB returns the underlying handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// ReadRows implements Source.
func (s *SQLStore) ReadRows(ctx context.Context, table, keyColumn string, ids []string) (map[string]Row, error) {
	out := make(map[string]Row, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := s.dialect.Rebind(fmt.Sprintf(
		"SELECT * FROM %s WHERE %s IN (%s)",
		s.dialect.Quote(table), s.dialect.Quote(keyColumn), database.Placeholders(len(ids)),
	))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}

	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out[KeyString(row[keyColumn])] = row
	}

	return out, rows.Err()
}

// ListKeys returns every value of keyColumn in table in ascending order.
func (s *SQLStore) ListKeys(ctx context.Context, table, keyColumn string) ([]string, error) {
	col := s.dialect.Quote(keyColumn)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", col, s.dialect.Quote(table), col))
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", table, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan key of %s: %w", table, err)
		}
		keys = append(keys, KeyString(v))
	}
	return keys, rows.Err()
}

// KeyString renders a key column value the way record identifiers are written.
func KeyString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// Preflight implements Destination.
func (s *SQLStore) Preflight(ctx context.Context, table, legacyColumn string) error {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE 1=0", s.dialect.Quote(legacyColumn), s.dialect.Quote(table))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		if isMissingSchema(err) {
			return fmt.Errorf("%s.%s: %w: %v", table, legacyColumn, ErrSchemaMissing, err)
		}
		return fmt.Errorf("preflight %s: %w", table, err)
	}
	return rows.Close()
}

func isMissingSchema(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "no such column") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "doesn't exist") ||
		strings.Contains(msg, "unknown column")
}

// WriteBatch implements Destination.
func (s *SQLStore) WriteBatch(ctx context.Context, table, legacyColumn string, fn func(BatchWriter) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // This will be ignored if Commit() succeeds

	w := &txWriter{tx: tx, dialect: s.dialect, table: table, legacyColumn: legacyColumn}
	if err := fn(w); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Count implements Destination.
func (s *SQLStore) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+s.dialect.Quote(table)).Scan(&n)
	return n, err
}

type txWriter struct {
	tx           *sql.Tx
	dialect      database.Dialect
	table        string
	legacyColumn string
}

const savepoint = "relmigrate_record"

// Upsert writes one row keyed by the legacy column, isolated by a savepoint
// so a failing record does not poison the batch.
func (w *txWriter) Upsert(ctx context.Context, row Row) error {
	if _, ok := row[w.legacyColumn]; !ok {
		return fmt.Errorf("row is missing legacy column %q", w.legacyColumn)
	}

	if _, err := w.tx.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
		return fmt.Errorf("%w: savepoint: %v", ErrBatchAborted, err)
	}

	query, args := w.upsertStatement(row)
	if _, err := w.tx.ExecContext(ctx, query, args...); err != nil {
		if _, rbErr := w.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); rbErr != nil {
			return fmt.Errorf("%w: %v (rollback: %v)", ErrBatchAborted, err, rbErr)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrBatchAborted, ctx.Err())
		}
		return err
	}

	if _, err := w.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
		return fmt.Errorf("%w: release savepoint: %v", ErrBatchAborted, err)
	}
	return nil
}

func (w *txWriter) upsertStatement(row Row) (string, []any) {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	args := make([]any, len(cols))
	var updates []string
	for i, c := range cols {
		quoted[i] = w.dialect.Quote(c)
		args[i] = row[c]
		if c == w.legacyColumn {
			continue
		}
		if w.dialect == database.MySQL {
			updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", quoted[i], quoted[i]))
		} else {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", quoted[i], quoted[i]))
		}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		w.dialect.Quote(w.table), strings.Join(quoted, ", "), database.Placeholders(len(cols)))

	switch {
	case w.dialect == database.MySQL && len(updates) == 0:
		legacy := w.dialect.Quote(w.legacyColumn)
		query += fmt.Sprintf(" ON DUPLICATE KEY UPDATE %s = %s", legacy, legacy)
	case w.dialect == database.MySQL:
		query += " ON DUPLICATE KEY UPDATE " + strings.Join(updates, ", ")
	case len(updates) == 0:
		query += fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", w.dialect.Quote(w.legacyColumn))
	default:
		query += fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", w.dialect.Quote(w.legacyColumn), strings.Join(updates, ", "))
	}

	return w.dialect.Rebind(query), args
}
