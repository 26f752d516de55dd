// Package executor runs dependency-ordered, resumable batch migrations.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"relmigrate/internal/checkpoint"
	"relmigrate/internal/config"
	"relmigrate/internal/metrics"
	"relmigrate/internal/progress"
	"relmigrate/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options wires an Executor to its collaborators
type Options struct {
	Migration   config.Migration
	Alerts      config.Alerts
	Source      storage.Source
	Destination storage.Destination
	Checkpoints *checkpoint.Store
	Tracker     *progress.Tracker
	Metrics     *metrics.Collector // optional
}

// Executor represents the migration engine. One session runs at a time.
type Executor struct {
	cfg         config.Migration
	alerts      config.Alerts
	source      storage.Source
	dest        storage.Destination
	checkpoints *checkpoint.Store
	tracker     *progress.Tracker
	metrics     *metrics.Collector
	logger      *zap.Logger

	mu        sync.Mutex
	current   *session
	active    *run
	completed map[string]bool
}

// New creates a new executor instance
func New(opts Options, logger *zap.Logger) (*Executor, error) {
	if err := opts.Migration.Validate(); err != nil {
		return nil, fmt.Errorf("invalid migration config: %w", err)
	}
	if opts.Source == nil || opts.Destination == nil {
		return nil, fmt.Errorf("source and destination are required")
	}
	if opts.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = progress.NewTracker(progress.Options{AlertExpiry: opts.Alerts.AlertExpiry()}, logger)
	}

	return &Executor{
		cfg:         opts.Migration,
		alerts:      opts.Alerts,
		source:      opts.Source,
		dest:        opts.Destination,
		checkpoints: opts.Checkpoints,
		tracker:     tracker,
		metrics:     opts.Metrics,
		logger:      logger,
		completed:   make(map[string]bool),
	}, nil
}

// Tracker returns the progress tracker fed by this executor
func (e *Executor) Tracker() *progress.Tracker {
	return e.tracker
}

// SessionStatus is the lifecycle state of a session
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

type session struct {
	id        string
	createdAt time.Time
	graph     *graph
	waves     [][]int
	tasks     []*taskState
	logger    *zap.Logger

	mu          sync.Mutex
	status      SessionStatus
	checkpoints []string
	warnings    []string
	peakMemory  uint64
}

func (s *session) addCheckpoint(id string) {
	s.mu.Lock()
	s.checkpoints = append(s.checkpoints, id)
	s.mu.Unlock()
}

func (s *session) addWarning(msg string) {
	s.mu.Lock()
	s.warnings = append(s.warnings, msg)
	s.mu.Unlock()
}

func (s *session) getStatus() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *session) setStatus(status SessionStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *session) observeMemory(m uint64) {
	s.mu.Lock()
	if m > s.peakMemory {
		s.peakMemory = m
	}
	s.mu.Unlock()
}

// transition moves a task along its state machine. Illegal moves are logged
// and ignored.
func (s *session) transition(ts *taskState, to TaskStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ts.status.canTransition(to) {
		s.logger.Error("Illegal task transition",
			zap.String("entity", ts.task.EntityType),
			zap.String("from", string(ts.status)),
			zap.String("to", string(to)))
		return false
	}
	ts.status = to
	return true
}

func (s *session) statusOf(ts *taskState) TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ts.status
}

// run holds the control flags of one Execute or Resume call.
type run struct {
	pause  atomic.Bool
	cancel atomic.Bool
	done   chan struct{}

	mu               sync.Mutex
	pauseCheckpoints map[string]string
	latestPause      string
}

func newRun() *run {
	return &run{done: make(chan struct{}), pauseCheckpoints: make(map[string]string)}
}

func (r *run) recordPauseCheckpoint(entity, id string) {
	r.mu.Lock()
	r.pauseCheckpoints[entity] = id
	r.latestPause = id
	r.mu.Unlock()
}

// position is where a task continues: the next record index is processed.
type position struct {
	batchNumber int
	processed   int
	lastID      string
	batchSize   int
	retries     int
	errors      int
	failed      int
	samples     []checkpoint.PerfSample
}

type taskState struct {
	task  Task
	index int

	status           TaskStatus
	pos              position
	lastCheckpointID string
	checkpointBatch  int
	checkpointRecs   int
	resumedFromBatch int
	batches          []BatchResult
	migrated         int
	failedRecords    int
	failure          *Failure
	fatal            error
}

// ExecuteOption customises one Execute call
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	sessionID string
}

// WithSession continues an existing session after a crash: every entity
// resumes from its best valid checkpoint in that session.
func WithSession(id string) ExecuteOption {
	return func(o *executeOptions) {
		o.sessionID = id
	}
}

// Execute validates tasks and runs them wave by wave. Only validation and
// fatal errors are returned as errors; everything else is reported in the
// Result.
func (e *Executor) Execute(ctx context.Context, tasks []Task, opts ...ExecuteOption) (*Result, error) {
	var o executeOptions
	for _, opt := range opts {
		opt(&o)
	}

	prepared := make([]Task, len(tasks))
	for i, t := range tasks {
		prepared[i] = t.withDefaults()
	}

	if e.busy() {
		return nil, ErrAlreadyRunning
	}

	g, err := validateTasks(prepared, func(dep string) bool {
		return e.priorCompleted(ctx, o.sessionID, dep)
	})
	if err != nil {
		return nil, err
	}

	id := o.sessionID
	if id == "" {
		id = uuid.NewString()
	}
	s := &session{
		id:        id,
		createdAt: time.Now(),
		graph:     g,
		waves:     g.waves(),
		status:    SessionRunning,
		logger:    e.logger.With(zap.String("session_id", id)),
	}
	for i, t := range prepared {
		s.tasks = append(s.tasks, &taskState{task: t, index: i, status: TaskPending})
	}

	r := newRun()
	e.mu.Lock()
	if e.active != nil {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	e.current, e.active = s, r
	e.mu.Unlock()

	if o.sessionID != "" {
		e.restoreSession(ctx, s)
	}
	for _, ts := range s.tasks {
		e.tracker.Register(s.id, ts.task.EntityType, ts.pos.processed, len(ts.task.RecordIDs))
		if ts.status == TaskCompleted {
			e.tracker.SetStatus(ts.task.EntityType, progress.StatusCompleted)
		}
	}

	return e.runSession(ctx, s, r)
}

func (e *Executor) busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}

// priorCompleted reports whether entityType finished before this call, in
// this process or, when continuing a session, according to its checkpoints.
func (e *Executor) priorCompleted(ctx context.Context, sessionID, entityType string) bool {
	e.mu.Lock()
	done := e.completed[entityType]
	e.mu.Unlock()
	if done || sessionID == "" {
		return done
	}

	history, err := e.checkpoints.History(ctx, sessionID, entityType)
	if err != nil {
		return false
	}
	for _, h := range history {
		if h.Status == checkpoint.StatusCorrupted || h.RecordsRemaining != 0 {
			continue
		}
		if _, err := e.checkpoints.Load(ctx, h.CheckpointID); err == nil {
			return true
		}
	}
	return false
}

// restoreSession positions every task of a resubmitted session at its best
// valid checkpoint.
func (e *Executor) restoreSession(ctx context.Context, s *session) {
	for _, ts := range s.tasks {
		e.resolvePosition(ctx, s, ts, "")
		if ts.lastCheckpointID != "" && ts.pos.processed == len(ts.task.RecordIDs) {
			s.transition(ts, TaskCompleted)
			s.logger.Info("Entity already completed in this session", zap.String("entity", ts.task.EntityType))
		}
	}
}

func (e *Executor) runSession(ctx context.Context, s *session, r *run) (*Result, error) {
	started := time.Now()
	defer func() {
		e.mu.Lock()
		e.active = nil
		e.mu.Unlock()
		close(r.done)
	}()

	s.logger.Info("Starting migration session",
		zap.Int("tasks", len(s.tasks)),
		zap.Int("waves", len(s.waves)),
		zap.Int("parallelism", e.cfg.Parallelism),
		zap.String("batch_mode", e.cfg.BatchMode),
	)

	fatal := e.runWaves(ctx, s, r)
	result := e.buildResult(ctx, s, r, started)

	if n, err := e.checkpoints.EnforceLimit(context.WithoutCancel(ctx), s.id); err != nil {
		s.logger.Warn("Failed to enforce checkpoint limit", zap.Error(err))
	} else if n > 0 {
		s.logger.Debug("Pruned checkpoints", zap.Int("count", n))
	}

	e.mu.Lock()
	for _, t := range result.Tasks {
		if t.Status == TaskCompleted {
			e.completed[t.EntityType] = true
		}
	}
	e.mu.Unlock()

	s.logger.Info("Migration session finished",
		zap.String("status", string(result.Status)),
		zap.Int("records_processed", result.TotalRecordsProcessed),
		zap.Int("records_failed", result.TotalRecordsFailed),
		zap.Duration("duration", result.Performance.Duration),
	)
	return result, fatal
}

// PauseResult reports the checkpoints forced by a pause
type PauseResult struct {
	Success      bool
	SessionID    string
	CheckpointID string            // most recent forced checkpoint
	Checkpoints  map[string]string // entity type -> checkpoint id
}

// Pause asks every running task to stop at its next batch boundary and
// waits until they have checkpointed.
func (e *Executor) Pause(ctx context.Context) (PauseResult, error) {
	e.mu.Lock()
	r, s := e.active, e.current
	e.mu.Unlock()
	if r == nil {
		return PauseResult{}, ErrNotRunning
	}

	s.logger.Info("Pause requested")
	r.pause.Store(true)
	select {
	case <-r.done:
	case <-ctx.Done():
		return PauseResult{}, ctx.Err()
	}

	paused := s.getStatus() == SessionPaused

	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make(map[string]string, len(r.pauseCheckpoints))
	for k, v := range r.pauseCheckpoints {
		ids[k] = v
	}
	return PauseResult{Success: paused, SessionID: s.id, CheckpointID: r.latestPause, Checkpoints: ids}, nil
}

// ResumeResult reports where a resume started and how the run ended
type ResumeResult struct {
	Success          bool
	ResumedFromBatch int
	Result           *Result
}

// Resume continues the paused session. checkpointID selects the checkpoint of
// its entity; other paused entities continue from their latest checkpoint.
// An empty checkpointID resumes every entity from its latest checkpoint.
// Resume blocks until the session stops again.
func (e *Executor) Resume(ctx context.Context, checkpointID string) (ResumeResult, error) {
	e.mu.Lock()
	s := e.current
	running := e.active != nil
	e.mu.Unlock()
	if running {
		return ResumeResult{}, ErrAlreadyRunning
	}
	if s == nil || s.getStatus() != SessionPaused {
		return ResumeResult{}, ErrNoPausedSession
	}

	target := ""
	if checkpointID != "" {
		entity, err := e.checkpointEntity(ctx, s.id, checkpointID)
		if err != nil {
			return ResumeResult{}, err
		}
		for _, ts := range s.tasks {
			if ts.task.EntityType == entity && s.statusOf(ts) != TaskPaused {
				return ResumeResult{}, fmt.Errorf("%s is %s: %w", entity, s.statusOf(ts), ErrEntityNotPaused)
			}
		}
		target = entity
	}

	r := newRun()
	e.mu.Lock()
	if e.active != nil {
		e.mu.Unlock()
		return ResumeResult{}, ErrAlreadyRunning
	}
	e.active = r
	e.mu.Unlock()

	s.setStatus(SessionRunning)

	resumed := 0
	for _, ts := range s.tasks {
		if s.statusOf(ts) != TaskPaused {
			continue
		}
		preferred := ts.lastCheckpointID
		if ts.task.EntityType == target {
			preferred = checkpointID
		}
		if preferred != "" || ts.pos.processed > 0 {
			e.resolvePosition(ctx, s, ts, preferred)
		}
		if ts.task.EntityType == target || (target == "" && ts.resumedFromBatch > resumed) {
			resumed = ts.resumedFromBatch
		}
		e.tracker.Register(s.id, ts.task.EntityType, ts.pos.processed, len(ts.task.RecordIDs))
	}

	s.logger.Info("Resuming migration session",
		zap.String("checkpoint_id", checkpointID),
		zap.Int("resumed_from_batch", resumed))

	result, err := e.runSession(ctx, s, r)
	return ResumeResult{Success: err == nil, ResumedFromBatch: resumed, Result: result}, err
}

func (e *Executor) checkpointEntity(ctx context.Context, sessionID, checkpointID string) (string, error) {
	history, err := e.checkpoints.History(ctx, sessionID, "")
	if err != nil {
		return "", fmt.Errorf("failed to read checkpoint history: %w", err)
	}
	for _, h := range history {
		if h.CheckpointID == checkpointID {
			return h.EntityType, nil
		}
	}
	return "", fmt.Errorf("checkpoint %s in session %s: %w", checkpointID, sessionID, checkpoint.ErrNotFound)
}

// CancelResult reports a cancellation
type CancelResult struct {
	Success   bool
	SessionID string
}

// Cancel stops the session at the next batch boundary without a fresh
// checkpoint. A paused session is cancelled immediately.
func (e *Executor) Cancel(ctx context.Context) (CancelResult, error) {
	e.mu.Lock()
	r, s := e.active, e.current
	if r == nil {
		defer e.mu.Unlock()
		if s == nil || s.getStatus() != SessionPaused {
			return CancelResult{}, ErrNotRunning
		}
		for _, ts := range s.tasks {
			if s.statusOf(ts) == TaskPaused && s.transition(ts, TaskCancelled) {
				e.tracker.SetStatus(ts.task.EntityType, progress.StatusCancelled)
			}
		}
		s.setStatus(SessionCancelled)
		s.logger.Info("Paused session cancelled")
		return CancelResult{Success: true, SessionID: s.id}, nil
	}
	e.mu.Unlock()

	s.logger.Info("Cancel requested")
	r.cancel.Store(true)
	select {
	case <-r.done:
	case <-ctx.Done():
		return CancelResult{}, ctx.Err()
	}
	return CancelResult{Success: true, SessionID: s.id}, nil
}

// IsValidation reports whether err rejected a task set before any work ran.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
