package progress

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"relmigrate/internal/database"
)

// SQLStore mirrors snapshots, events and alerts into relational tables so
// another process can follow a running migration.
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
	writeMu sync.Mutex
}

// NewSQLStore creates the progress tables on db. The caller keeps ownership
// of the handle.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect database.Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.createTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to create progress tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) createTables(ctx context.Context) error {
	keyType, textType, autoID := "TEXT", "TEXT", "INTEGER PRIMARY KEY AUTOINCREMENT"
	switch s.dialect {
	case database.Postgres:
		keyType, autoID = "VARCHAR(255)", "BIGSERIAL PRIMARY KEY"
	case database.MySQL:
		keyType, textType, autoID = "VARCHAR(255)", "LONGTEXT", "BIGINT AUTO_INCREMENT PRIMARY KEY"
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS progress_snapshots (
		session_id %[1]s NOT NULL,
		entity_type %[1]s NOT NULL,
		status VARCHAR(32) NOT NULL,
		records_processed INTEGER NOT NULL,
		records_remaining INTEGER NOT NULL,
		payload %[2]s NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (session_id, entity_type)
	)`, keyType, textType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS progress_events (
		id %[3]s,
		session_id %[1]s NOT NULL,
		entity_type %[1]s NOT NULL,
		sequence BIGINT NOT NULL,
		event_type VARCHAR(32) NOT NULL,
		payload %[2]s NOT NULL,
		created_at BIGINT NOT NULL
	)`, keyType, textType, autoID),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS progress_alerts (
		alert_id %[1]s NOT NULL PRIMARY KEY,
		session_id %[1]s NOT NULL,
		entity_type %[1]s NOT NULL,
		severity VARCHAR(16) NOT NULL,
		alert_type VARCHAR(64) NOT NULL,
		message %[2]s NOT NULL,
		details %[2]s,
		created_at BIGINT NOT NULL
	)`, keyType, textType),
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query = s.dialect.Rebind(query)
	return database.RetryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

// SaveSnapshot implements Store.
func (s *SQLStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	query := `INSERT INTO progress_snapshots
	(session_id, entity_type, status, records_processed, records_remaining, payload, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`
	if s.dialect == database.MySQL {
		query += ` ON DUPLICATE KEY UPDATE status = VALUES(status), records_processed = VALUES(records_processed),
		records_remaining = VALUES(records_remaining), payload = VALUES(payload), updated_at = VALUES(updated_at)`
	} else {
		query += ` ON CONFLICT (session_id, entity_type) DO UPDATE SET status = excluded.status,
		records_processed = excluded.records_processed, records_remaining = excluded.records_remaining,
		payload = excluded.payload, updated_at = excluded.updated_at`
	}

	return s.exec(ctx, query, snap.SessionID, snap.EntityType, string(snap.Status),
		snap.Progress.RecordsProcessed, snap.Progress.RecordsRemaining, string(payload), snap.UpdatedAt.UnixNano())
}

// AppendEvent implements Store.
func (s *SQLStore) AppendEvent(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.exec(ctx, `INSERT INTO progress_events
	(session_id, entity_type, sequence, event_type, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.EntityType, int64(ev.Sequence), string(ev.Type), string(payload), ev.Timestamp.UnixNano())
}

// SaveAlert implements Store.
func (s *SQLStore) SaveAlert(ctx context.Context, a Alert) error {
	var details []byte
	if len(a.Details) > 0 {
		var err error
		if details, err = json.Marshal(a.Details); err != nil {
			return err
		}
	}
	return s.exec(ctx, `INSERT INTO progress_alerts
	(alert_id, session_id, entity_type, severity, alert_type, message, details, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.EntityType, string(a.Severity), a.Type, a.Message, nullString(details), a.Timestamp.UnixNano())
}

func nullString(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}

// Snapshots returns the mirrored snapshots of a session.
func (s *SQLStore) Snapshots(ctx context.Context, sessionID string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		`SELECT payload FROM progress_snapshots WHERE session_id = ? ORDER BY entity_type`), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			return nil, fmt.Errorf("corrupt progress snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// EventCount returns how many events were mirrored for an entity.
func (s *SQLStore) EventCount(ctx context.Context, sessionID, entityType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT COUNT(*) FROM progress_events WHERE session_id = ? AND entity_type = ?`), sessionID, entityType).Scan(&n)
	return n, err
}
