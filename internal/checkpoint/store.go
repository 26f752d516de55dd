package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Status represents the lifecycle state of a persisted checkpoint
type Status string

const (
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
	StatusCorrupted  Status = "corrupted"
)

var (
	// ErrNotFound is returned when no backend holds the checkpoint.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrChecksumMismatch is returned when every copy of a checkpoint fails verification.
	ErrChecksumMismatch = errors.New("checkpoint checksum mismatch")
)

// Data is the resumable position of one entity within a session.
type Data struct {
	CheckpointID          string          `json:"checkpoint_id"`
	SessionID             string          `json:"session_id"`
	EntityType            string          `json:"entity_type"`
	BatchNumber           int             `json:"batch_number"`
	RecordsProcessed      int             `json:"records_processed"`
	RecordsRemaining      int             `json:"records_remaining"`
	LastProcessedRecordID string          `json:"last_processed_record_id,omitempty"`
	ProcessingState       ProcessingState `json:"processing_state"`
	CreatedAt             time.Time       `json:"created_at"`
}

// ProcessingState carries the executor's tuning state across a resume.
type ProcessingState struct {
	BatchSize     int          `json:"batch_size"`
	RetryCount    int          `json:"retry_count"`
	ErrorCount    int          `json:"error_count"`
	FailedRecords int          `json:"failed_records"`
	Samples       []PerfSample `json:"samples,omitempty"`
}

// PerfSample is one batch's performance observation.
type PerfSample struct {
	BatchNumber int    `json:"batch_number"`
	Records     int    `json:"records"`
	DurationMs  int64  `json:"duration_ms"`
	MemoryBytes uint64 `json:"memory_bytes"`
}

// Validate checks the required fields.
func (d *Data) Validate() error {
	var result error
	if d.SessionID == "" {
		result = multierror.Append(result, errors.New("session id is required"))
	}
	if d.EntityType == "" {
		result = multierror.Append(result, errors.New("entity type is required"))
	}
	if d.BatchNumber < 0 || d.RecordsProcessed < 0 || d.RecordsRemaining < 0 {
		result = multierror.Append(result, errors.New("counters must not be negative"))
	}
	if d.RecordsProcessed == 0 && d.LastProcessedRecordID != "" {
		result = multierror.Append(result, errors.New("last processed record id set without processed records"))
	}
	return result
}

// Progress returns the completion percentage in [0, 100].
func (d *Data) Progress() float64 {
	total := d.RecordsProcessed + d.RecordsRemaining
	if total == 0 {
		return 100
	}
	return float64(d.RecordsProcessed) / float64(total) * 100
}

// Record is the persisted form of a checkpoint.
type Record struct {
	ID               string    `json:"checkpoint_id"`
	SessionID        string    `json:"session_id"`
	EntityType       string    `json:"entity_type"`
	BatchNumber      int       `json:"batch_number"`
	RecordsProcessed int       `json:"records_processed"`
	RecordsRemaining int       `json:"records_remaining"`
	Status           Status    `json:"status"`
	Compressed       bool      `json:"compressed"`
	Checksum         string    `json:"checksum"`
	State            []byte    `json:"state"`
	CreatedAt        time.Time `json:"created_at"`
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	SessionID  string
	EntityType string
	Before     time.Time
}

func (f Filter) match(r *Record) bool {
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	if f.EntityType != "" && r.EntityType != f.EntityType {
		return false
	}
	if !f.Before.IsZero() && !r.CreatedAt.Before(f.Before) {
		return false
	}
	return true
}

// Backend is one persistence target for checkpoint records.
type Backend interface {
	Name() string
	Put(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context, filter Filter) ([]*Record, error)
	SetStatus(ctx context.Context, id string, status Status) error
	// Supersede marks every active checkpoint of (sessionID, entityType) other
	// than keepID as superseded.
	Supersede(ctx context.Context, sessionID, entityType, keepID string) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// Observer receives backend write outcomes.
type Observer interface {
	CheckpointWritten(backend string, ok bool)
}

// Options configures a Store
type Options struct {
	CompressionThreshold int
	MaxAge               time.Duration
	MaxPerSession        int
	Observer             Observer
}

// Store persists checkpoints to a primary backend and redundant backups.
type Store struct {
	backends []Backend
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// NewStore creates a store. The first backend is the primary.
func NewStore(opts Options, logger *zap.Logger, primary Backend, backups ...Backend) (*Store, error) {
	if primary == nil {
		return nil, fmt.Errorf("checkpoint: primary backend is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	backends := []Backend{primary}
	for _, b := range backups {
		if b != nil {
			backends = append(backends, b)
		}
	}
	return &Store{backends: backends, opts: opts, logger: logger, now: time.Now}, nil
}

// Primary returns the first backend.
func (s *Store) Primary() Backend {
	return s.backends[0]
}

// CreateResult reports where a checkpoint landed.
type CreateResult struct {
	CheckpointID    string
	BackupLocations []string
	Warnings        []string
}

// Create validates, serializes and writes a checkpoint to every backend. It
// succeeds when at least one backend accepted the write.
func (s *Store) Create(ctx context.Context, data Data) (CreateResult, error) {
	if err := data.Validate(); err != nil {
		return CreateResult{}, fmt.Errorf("invalid checkpoint: %w", err)
	}

	data.CheckpointID = uuid.NewString()
	data.CreatedAt = s.now().UTC()

	rec, err := encode(&data, s.opts.CompressionThreshold)
	if err != nil {
		return CreateResult{}, err
	}

	result := CreateResult{CheckpointID: data.CheckpointID}
	var failures error
	var written []Backend
	for _, b := range s.backends {
		err := b.Put(ctx, rec)
		s.observe(b.Name(), err == nil)
		if err != nil {
			failures = multierror.Append(failures, fmt.Errorf("%s: %w", b.Name(), err))
			result.Warnings = append(result.Warnings, fmt.Sprintf("checkpoint backend %s failed: %v", b.Name(), err))
			s.logger.Warn("Checkpoint write failed",
				zap.String("backend", b.Name()),
				zap.String("checkpoint_id", rec.ID),
				zap.Error(err))
			continue
		}
		written = append(written, b)
		result.BackupLocations = append(result.BackupLocations, b.Name())
	}

	if len(written) == 0 {
		return result, fmt.Errorf("checkpoint %s not persisted: %w", rec.ID, failures)
	}

	for _, b := range written {
		if err := b.Supersede(ctx, rec.SessionID, rec.EntityType, rec.ID); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("supersede on %s failed: %v", b.Name(), err))
		}
	}

	s.logger.Debug("Checkpoint created",
		zap.String("checkpoint_id", rec.ID),
		zap.String("session_id", rec.SessionID),
		zap.String("entity", rec.EntityType),
		zap.Int("batch", rec.BatchNumber),
		zap.Strings("backends", result.BackupLocations))

	return result, nil
}

func (s *Store) observe(backend string, ok bool) {
	if s.opts.Observer != nil {
		s.opts.Observer.CheckpointWritten(backend, ok)
	}
}

// Loaded is a verified checkpoint plus the backend that served it.
type Loaded struct {
	Data     Data
	Status   Status
	Source   string
	Warnings []string
}

// Load returns the checkpoint from the first backend holding a copy whose
// checksum verifies. Copies that fail verification are marked corrupted.
func (s *Store) Load(ctx context.Context, id string) (*Loaded, error) {
	var warnings []string
	corrupted := false

	for _, b := range s.backends {
		rec, err := b.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				warnings = append(warnings, fmt.Sprintf("%s: %v", b.Name(), err))
			}
			continue
		}

		data, err := decode(rec)
		if err != nil {
			if errors.Is(err, ErrChecksumMismatch) {
				corrupted = true
				if setErr := b.SetStatus(ctx, id, StatusCorrupted); setErr != nil {
					s.logger.Warn("Failed to mark checkpoint corrupted", zap.String("backend", b.Name()), zap.Error(setErr))
				}
			}
			warnings = append(warnings, fmt.Sprintf("%s: %v", b.Name(), err))
			s.logger.Warn("Checkpoint copy rejected",
				zap.String("backend", b.Name()),
				zap.String("checkpoint_id", id),
				zap.Error(err))
			continue
		}

		status := rec.Status
		if status == StatusCorrupted {
			// The stored copy verifies again; trust the content, not the flag.
			status = StatusSuperseded
		}
		return &Loaded{Data: *data, Status: status, Source: b.Name(), Warnings: warnings}, nil
	}

	if corrupted {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrChecksumMismatch)
	}
	return nil, fmt.Errorf("checkpoint %s: %w", id, ErrNotFound)
}

// Summary is checkpoint metadata without the verified state.
type Summary struct {
	CheckpointID     string
	SessionID        string
	EntityType       string
	BatchNumber      int
	RecordsProcessed int
	RecordsRemaining int
	Status           Status
	CreatedAt        time.Time
}

// History lists the checkpoints of a session (optionally one entity) across
// all backends, newest batch first.
func (s *Store) History(ctx context.Context, sessionID, entityType string) ([]Summary, error) {
	seen := make(map[string]Summary)
	var failures error
	listed := false

	for _, b := range s.backends {
		recs, err := b.List(ctx, Filter{SessionID: sessionID, EntityType: entityType})
		if err != nil {
			failures = multierror.Append(failures, fmt.Errorf("%s: %w", b.Name(), err))
			continue
		}
		listed = true
		for _, r := range recs {
			if prev, ok := seen[r.ID]; ok && prev.Status != StatusCorrupted {
				continue
			}
			seen[r.ID] = Summary{
				CheckpointID:     r.ID,
				SessionID:        r.SessionID,
				EntityType:       r.EntityType,
				BatchNumber:      r.BatchNumber,
				RecordsProcessed: r.RecordsProcessed,
				RecordsRemaining: r.RecordsRemaining,
				Status:           r.Status,
				CreatedAt:        r.CreatedAt,
			}
		}
	}
	if !listed {
		return nil, fmt.Errorf("list checkpoints: %w", failures)
	}

	out := make([]Summary, 0, len(seen))
	for _, sum := range seen {
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BatchNumber != out[j].BatchNumber {
			return out[i].BatchNumber > out[j].BatchNumber
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Candidate is one resumable checkpoint.
type Candidate struct {
	CheckpointID     string
	EntityType       string
	BatchNumber      int
	RecordsProcessed int
	RecordsRemaining int
	Progress         float64
	CreatedAt        time.Time
	Source           string
}

// RecoveryInfo ranks the resumable checkpoints of a session.
type RecoveryInfo struct {
	SessionID   string
	EntityType  string
	Candidates  []Candidate
	Recommended *Candidate
	Warnings    []string
}

// RecoveryInfo ranks verified, unfinished checkpoints by progress (descending)
// and creation time (newest first), recommending the top entry.
func (s *Store) RecoveryInfo(ctx context.Context, sessionID, entityType string) (*RecoveryInfo, error) {
	history, err := s.History(ctx, sessionID, entityType)
	if err != nil {
		return nil, err
	}

	info := &RecoveryInfo{SessionID: sessionID, EntityType: entityType}
	for _, sum := range history {
		if sum.Status == StatusCorrupted || sum.RecordsRemaining == 0 {
			continue
		}
		loaded, err := s.Load(ctx, sum.CheckpointID)
		if err != nil {
			info.Warnings = append(info.Warnings, err.Error())
			continue
		}
		info.Candidates = append(info.Candidates, Candidate{
			CheckpointID:     loaded.Data.CheckpointID,
			EntityType:       loaded.Data.EntityType,
			BatchNumber:      loaded.Data.BatchNumber,
			RecordsProcessed: loaded.Data.RecordsProcessed,
			RecordsRemaining: loaded.Data.RecordsRemaining,
			Progress:         loaded.Data.Progress(),
			CreatedAt:        loaded.Data.CreatedAt,
			Source:           loaded.Source,
		})
	}

	sort.SliceStable(info.Candidates, func(i, j int) bool {
		a, b := info.Candidates[i], info.Candidates[j]
		if a.Progress != b.Progress {
			return a.Progress > b.Progress
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	if len(info.Candidates) > 0 {
		top := info.Candidates[0]
		info.Recommended = &top
	}
	return info, nil
}

// CleanupOld deletes checkpoints older than the configured maximum age from
// every backend. It returns the number of distinct checkpoints removed.
func (s *Store) CleanupOld(ctx context.Context) (int, error) {
	if s.opts.MaxAge <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.opts.MaxAge)

	deleted := make(map[string]struct{})
	var failures error
	for _, b := range s.backends {
		recs, err := b.List(ctx, Filter{Before: cutoff})
		if err != nil {
			failures = multierror.Append(failures, fmt.Errorf("%s: %w", b.Name(), err))
			continue
		}
		for _, r := range recs {
			if err := b.Delete(ctx, r.ID); err != nil {
				failures = multierror.Append(failures, fmt.Errorf("%s: delete %s: %w", b.Name(), r.ID, err))
				continue
			}
			deleted[r.ID] = struct{}{}
		}
	}

	if len(deleted) > 0 {
		s.logger.Info("Removed expired checkpoints", zap.Int("count", len(deleted)), zap.Time("cutoff", cutoff))
	}
	return len(deleted), failures
}

// EnforceLimit keeps at most MaxPerSession checkpoints for the session,
// deleting the oldest first.
func (s *Store) EnforceLimit(ctx context.Context, sessionID string) (int, error) {
	if s.opts.MaxPerSession <= 0 {
		return 0, nil
	}

	deleted := make(map[string]struct{})
	var failures error
	for _, b := range s.backends {
		recs, err := b.List(ctx, Filter{SessionID: sessionID})
		if err != nil {
			failures = multierror.Append(failures, fmt.Errorf("%s: %w", b.Name(), err))
			continue
		}
		if len(recs) <= s.opts.MaxPerSession {
			continue
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })

		// The newest checkpoint of every entity always survives.
		newest := make(map[string]string)
		for _, r := range recs {
			newest[r.EntityType] = r.ID
		}
		excess := len(recs) - s.opts.MaxPerSession
		for _, r := range recs {
			if excess == 0 {
				break
			}
			if newest[r.EntityType] == r.ID {
				continue
			}
			excess--
			if err := b.Delete(ctx, r.ID); err != nil {
				failures = multierror.Append(failures, fmt.Errorf("%s: delete %s: %w", b.Name(), r.ID, err))
				continue
			}
			deleted[r.ID] = struct{}{}
		}
	}
	return len(deleted), failures
}

// Close closes every backend.
func (s *Store) Close() error {
	var result error
	for _, b := range s.backends {
		if err := b.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", b.Name(), err))
		}
	}
	return result
}
