package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"relmigrate/internal/database"
)

// SQLBackend persists checkpoints in a relational table. It is normally a
// dedicated SQLite file but may also live in the destination database.
type SQLBackend struct {
	db      *sql.DB
	dialect database.Dialect
	name    string
	owned   bool
	closed  bool
	writeMu sync.Mutex
}

// NewSQLiteBackend opens (or creates) a SQLite checkpoint database.
func NewSQLiteBackend(dbPath string) (*SQLBackend, error) {
	db, err := database.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	b := &SQLBackend{db: db, dialect: database.SQLite, name: "sqlite:" + dbPath, owned: true}
	if err := b.createTables(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return b, nil
}

// NewSQLBackend uses an existing handle. The caller keeps ownership of db.
func NewSQLBackend(ctx context.Context, db *sql.DB, dialect database.Dialect, name string) (*SQLBackend, error) {
	b := &SQLBackend{db: db, dialect: dialect, name: name}
	if err := b.createTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return b, nil
}

// DB returns the underlying handle so other tables can share it.
func (s *SQLBackend) DB() *sql.DB {
	return s.db
}

// Name implements Backend.
func (s *SQLBackend) Name() string {
	return s.name
}

func (s *SQLBackend) createTables(ctx context.Context) error {
	idType, blobType := "TEXT", "BLOB"
	switch s.dialect {
	case database.Postgres:
		blobType = "BYTEA"
	case database.MySQL:
		idType, blobType = "VARCHAR(64)", "LONGBLOB"
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS migration_checkpoints (
		checkpoint_id %[1]s NOT NULL PRIMARY KEY,
		session_id %[1]s NOT NULL,
		entity_type VARCHAR(255) NOT NULL,
		batch_number INTEGER NOT NULL,
		records_processed INTEGER NOT NULL,
		records_remaining INTEGER NOT NULL,
		status VARCHAR(32) NOT NULL,
		compressed INTEGER NOT NULL DEFAULT 0,
		checksum VARCHAR(64) NOT NULL,
		state %[2]s NOT NULL,
		created_at BIGINT NOT NULL
	)`, idType, blobType),
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_session_entity ON migration_checkpoints(session_id, entity_type)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_created_at ON migration_checkpoints(created_at)`,
	}
	if s.dialect == database.MySQL {
		// MySQL has no CREATE INDEX IF NOT EXISTS; the table statement is enough.
		statements = statements[:1]
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLBackend) ready() error {
	if s.closed {
		return fmt.Errorf("database store is closed")
	}
	return nil
}

// Put implements Backend.
func (s *SQLBackend) Put(ctx context.Context, rec *Record) error {
	if err := s.ready(); err != nil {
		return err
	}

	// Serialize writes to avoid SQLITE_BUSY from multiple concurrent writers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := s.dialect.Rebind(`
	INSERT INTO migration_checkpoints
	(checkpoint_id, session_id, entity_type, batch_number, records_processed, records_remaining,
	 status, compressed, checksum, state, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	return database.RetryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, query,
			rec.ID,
			rec.SessionID,
			rec.EntityType,
			rec.BatchNumber,
			rec.RecordsProcessed,
			rec.RecordsRemaining,
			string(rec.Status),
			boolToInt(rec.Compressed),
			rec.Checksum,
			rec.State,
			rec.CreatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert checkpoint: %w", err)
		}
		return nil
	})
}

const selectColumns = `checkpoint_id, session_id, entity_type, batch_number, records_processed,
	records_remaining, status, compressed, checksum, state, created_at`

// Get implements Backend.
func (s *SQLBackend) Get(ctx context.Context, id string) (*Record, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	query := s.dialect.Rebind(`SELECT ` + selectColumns + ` FROM migration_checkpoints WHERE checkpoint_id = ?`)

	var rec *Record
	err := database.RetryOnBusy(func() error {
		var err error
		rec, err = scanRecord(s.db.QueryRowContext(ctx, query, id))
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec        Record
		status     string
		compressed int
		createdAt  int64
	)
	err := row.Scan(
		&rec.ID,
		&rec.SessionID,
		&rec.EntityType,
		&rec.BatchNumber,
		&rec.RecordsProcessed,
		&rec.RecordsRemaining,
		&status,
		&compressed,
		&rec.Checksum,
		&rec.State,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.Compressed = compressed != 0
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	return &rec, nil
}

// List implements Backend.
func (s *SQLBackend) List(ctx context.Context, filter Filter) ([]*Record, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if !filter.Before.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, filter.Before.UnixNano())
	}

	query := `SELECT ` + selectColumns + ` FROM migration_checkpoints`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SetStatus implements Backend.
func (s *SQLBackend) SetStatus(ctx context.Context, id string, status Status) error {
	return s.exec(ctx, `UPDATE migration_checkpoints SET status = ? WHERE checkpoint_id = ?`, string(status), id)
}

// Supersede implements Backend.
func (s *SQLBackend) Supersede(ctx context.Context, sessionID, entityType, keepID string) error {
	return s.exec(ctx, `UPDATE migration_checkpoints SET status = ?
	WHERE session_id = ? AND entity_type = ? AND status = ? AND checkpoint_id <> ?`,
		string(StatusSuperseded), sessionID, entityType, string(StatusActive), keepID)
}

// Delete implements Backend.
func (s *SQLBackend) Delete(ctx context.Context, id string) error {
	return s.exec(ctx, `DELETE FROM migration_checkpoints WHERE checkpoint_id = ?`, id)
}

func (s *SQLBackend) exec(ctx context.Context, query string, args ...any) error {
	if err := s.ready(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query = s.dialect.Rebind(query)
	return database.RetryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

// Close closes the database connection when the backend owns it
func (s *SQLBackend) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
