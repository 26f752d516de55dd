package progress

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status is an entity's lifecycle state as seen by observers
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further progress is expected in this run.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusPaused:
		return true
	}
	return false
}

// Snapshot is the derived progress of one entity at a batch boundary.
type Snapshot struct {
	SessionID   string      `json:"session_id"`
	EntityType  string      `json:"entity_type"`
	Status      Status      `json:"status"`
	Progress    Progress    `json:"progress"`
	Performance Performance `json:"performance"`
	Timing      Timing      `json:"timing"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Progress holds record counters
type Progress struct {
	RecordsProcessed   int     `json:"records_processed"`
	RecordsRemaining   int     `json:"records_remaining"`
	RecordsFailed      int     `json:"records_failed"`
	PercentageComplete float64 `json:"percentage_complete"`
}

// Performance holds the latest throughput and memory observations
type Performance struct {
	Throughput  float64 `json:"throughput"` // records/second over the last batch
	MemoryBytes uint64  `json:"memory_bytes"`
}

// Timing holds elapsed time and the completion estimate. ETA is nil while
// throughput is unknown.
type Timing struct {
	StartedAt time.Time      `json:"started_at"`
	Elapsed   time.Duration  `json:"elapsed"`
	ETA       *time.Duration `json:"eta,omitempty"`
}

// BatchStats is what the executor reports when a batch commits.
type BatchStats struct {
	BatchNumber      int
	Records          int
	Failed           int
	Retries          int
	Duration         time.Duration
	MemoryBytes      uint64
	RecordsProcessed int
	RecordsRemaining int
}

type sample struct {
	records  int
	failed   int
	duration time.Duration
	memory   uint64
}

// slotState is published atomically; readers never see a partial update.
type slotState struct {
	snapshot Snapshot
	samples  []sample
}

// slot belongs to exactly one entity. Only the worker that owns the entity
// writes it; everyone else reads the published state.
type slot struct {
	state  atomic.Pointer[slotState]
	emitMu sync.Mutex
	seq    uint64
}

// Store mirrors progress for cross-process visibility.
type Store interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	AppendEvent(ctx context.Context, ev Event) error
	SaveAlert(ctx context.Context, alert Alert) error
}

// Options configures a Tracker
type Options struct {
	AlertExpiry time.Duration
	Window      int // trailing batches used for performance metrics
	Store       Store
}

// Tracker tracks migration progress per entity and fans events out to
// subscribers.
type Tracker struct {
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	index map[string]int
	slots []*slot

	subMu   sync.RWMutex
	subs    map[int]func(Event)
	nextSub int

	alertMu sync.Mutex
	alerts  []Alert
	session *slot
}

// NewTracker creates a new progress tracker
func NewTracker(opts Options, logger *zap.Logger) *Tracker {
	if opts.Window <= 0 {
		opts.Window = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		index:   make(map[string]int),
		subs:    make(map[int]func(Event)),
		session: &slot{},
	}
}

// Register (re)initialises the slot of an entity before its worker starts.
func (t *Tracker) Register(sessionID, entityType string, processed, total int) {
	t.mu.Lock()
	idx, ok := t.index[entityType]
	if !ok {
		idx = len(t.slots)
		t.index[entityType] = idx
		t.slots = append(t.slots, &slot{})
	}
	s := t.slots[idx]
	t.mu.Unlock()

	snap := Snapshot{
		SessionID:  sessionID,
		EntityType: entityType,
		Status:     StatusPending,
		Progress:   newProgress(processed, total-processed, 0),
		UpdatedAt:  t.now(),
	}
	s.state.Store(&slotState{snapshot: snap})
}

func (t *Tracker) slot(entityType string) *slot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.index[entityType]
	if !ok {
		return nil
	}
	return t.slots[idx]
}

func newProgress(processed, remaining, failed int) Progress {
	p := Progress{RecordsProcessed: processed, RecordsRemaining: remaining, RecordsFailed: failed}
	total := processed + remaining
	switch {
	case total == 0:
		p.PercentageComplete = 100
	default:
		p.PercentageComplete = clamp(float64(processed)/float64(total)*100, 0, 100)
	}
	return p
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Start marks the entity running.
func (t *Tracker) Start(entityType string) {
	s := t.slot(entityType)
	if s == nil {
		return
	}
	cur := s.state.Load()
	snap := cur.snapshot
	now := t.now()
	snap.Status = StatusRunning
	snap.Timing = Timing{StartedAt: now}
	snap.UpdatedAt = now
	s.state.Store(&slotState{snapshot: snap, samples: cur.samples})

	t.emit(s, Event{Type: EventProgress, SessionID: snap.SessionID, EntityType: entityType, Snapshot: &snap})
}

// BatchStarted announces the next batch of an entity.
func (t *Tracker) BatchStarted(entityType string, batchNumber, size int) {
	s := t.slot(entityType)
	if s == nil {
		return
	}
	snap := s.state.Load().snapshot
	t.emit(s, Event{Type: EventBatchStarted, SessionID: snap.SessionID, EntityType: entityType, BatchNumber: batchNumber, BatchSize: size})
}

// BatchCompleted folds a committed batch into the entity's snapshot.
func (t *Tracker) BatchCompleted(entityType string, stats BatchStats) Snapshot {
	s := t.slot(entityType)
	if s == nil {
		return Snapshot{}
	}
	cur := s.state.Load()
	snap := cur.snapshot
	now := t.now()

	processed := stats.RecordsProcessed
	remaining := stats.RecordsRemaining
	if processed < snap.Progress.RecordsProcessed {
		// Counters never move backwards within a run.
		processed = snap.Progress.RecordsProcessed
		remaining = snap.Progress.RecordsRemaining
	}
	snap.Progress = newProgress(processed, remaining, snap.Progress.RecordsFailed+stats.Failed)

	if stats.Duration > 0 {
		snap.Performance.Throughput = float64(stats.Records) / stats.Duration.Seconds()
	}
	snap.Performance.MemoryBytes = stats.MemoryBytes
	snap.Timing.Elapsed = now.Sub(snap.Timing.StartedAt)
	snap.Timing.ETA = eta(remaining, snap.Performance.Throughput)
	snap.UpdatedAt = now

	samples := make([]sample, 0, t.opts.Window)
	if n := len(cur.samples); n >= t.opts.Window {
		samples = append(samples, cur.samples[n-t.opts.Window+1:]...)
	} else {
		samples = append(samples, cur.samples...)
	}
	samples = append(samples, sample{records: stats.Records, failed: stats.Failed, duration: stats.Duration, memory: stats.MemoryBytes})

	s.state.Store(&slotState{snapshot: snap, samples: samples})
	t.persistSnapshot(snap)

	t.emit(s, Event{Type: EventBatchCompleted, SessionID: snap.SessionID, EntityType: entityType, BatchNumber: stats.BatchNumber, BatchSize: stats.Records, Snapshot: &snap})
	t.emit(s, Event{Type: EventProgress, SessionID: snap.SessionID, EntityType: entityType, Snapshot: &snap})
	return snap
}

func eta(remaining int, throughput float64) *time.Duration {
	if throughput <= 0 {
		return nil
	}
	d := time.Duration(float64(remaining) / throughput * float64(time.Second))
	return &d
}

// SetStatus moves an entity to a new status and announces it.
func (t *Tracker) SetStatus(entityType string, status Status) {
	s := t.slot(entityType)
	if s == nil {
		return
	}
	cur := s.state.Load()
	snap := cur.snapshot
	now := t.now()
	snap.Status = status
	if !snap.Timing.StartedAt.IsZero() {
		snap.Timing.Elapsed = now.Sub(snap.Timing.StartedAt)
	}
	if status == StatusCompleted {
		snap.Timing.ETA = nil
	}
	snap.UpdatedAt = now
	s.state.Store(&slotState{snapshot: snap, samples: cur.samples})
	t.persistSnapshot(snap)

	t.emit(s, Event{Type: EventProgress, SessionID: snap.SessionID, EntityType: entityType, Snapshot: &snap})
	if status == StatusCompleted {
		t.emit(s, Event{Type: EventEntityCompleted, SessionID: snap.SessionID, EntityType: entityType, Snapshot: &snap})
	}
}

// Get returns the snapshot of one entity.
func (t *Tracker) Get(entityType string) (Snapshot, bool) {
	s := t.slot(entityType)
	if s == nil {
		return Snapshot{}, false
	}
	return s.state.Load().snapshot, true
}

// All returns every entity snapshot in registration order.
func (t *Tracker) All() []Snapshot {
	t.mu.RLock()
	slots := append([]*slot(nil), t.slots...)
	t.mu.RUnlock()

	out := make([]Snapshot, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.state.Load().snapshot)
	}
	return out
}

// Latest returns the most recently updated snapshot.
func (t *Tracker) Latest() (Snapshot, bool) {
	var (
		latest Snapshot
		found  bool
	)
	for _, snap := range t.All() {
		if !found || snap.UpdatedAt.After(latest.UpdatedAt) {
			latest, found = snap, true
		}
	}
	return latest, found
}

// Subscribe registers cb for every event. Events of one entity are delivered
// in order; there is no ordering across entities. cb must not block.
func (t *Tracker) Subscribe(cb func(Event)) (unsubscribe func()) {
	t.subMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = cb
	t.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.subMu.Lock()
			delete(t.subs, id)
			t.subMu.Unlock()
		})
	}
}

func (t *Tracker) emit(s *slot, ev Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.seq++
	ev.Sequence = s.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = t.now()
	}

	t.subMu.RLock()
	subs := make([]func(Event), 0, len(t.subs))
	for _, cb := range t.subs {
		subs = append(subs, cb)
	}
	t.subMu.RUnlock()

	for _, cb := range subs {
		t.deliver(cb, ev)
	}

	if t.opts.Store != nil {
		if err := t.opts.Store.AppendEvent(context.Background(), ev); err != nil {
			t.logger.Warn("Failed to persist progress event", zap.String("type", string(ev.Type)), zap.Error(err))
		}
	}
}

func (t *Tracker) deliver(cb func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Progress subscriber panicked", zap.String("event", string(ev.Type)), zap.Error(fmt.Errorf("%v", r)))
		}
	}()
	cb(ev)
}

func (t *Tracker) persistSnapshot(snap Snapshot) {
	if t.opts.Store == nil {
		return
	}
	if err := t.opts.Store.SaveSnapshot(context.Background(), snap); err != nil {
		t.logger.Warn("Failed to persist progress snapshot", zap.String("entity", snap.EntityType), zap.Error(err))
	}
}

// RecordAlert stores an alert and publishes it on the entity's stream.
func (t *Tracker) RecordAlert(alert Alert) Alert {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = t.now()
	}
	if alert.Severity == "" {
		alert.Severity = SeverityInfo
	}

	t.alertMu.Lock()
	t.alerts = append(t.alerts, alert)
	t.pruneLocked()
	t.alertMu.Unlock()

	if t.opts.Store != nil {
		if err := t.opts.Store.SaveAlert(context.Background(), alert); err != nil {
			t.logger.Warn("Failed to persist alert", zap.String("alert_id", alert.ID), zap.Error(err))
		}
	}

	s := t.slot(alert.EntityType)
	if s == nil {
		s = t.session
	}
	a := alert
	t.emit(s, Event{Type: EventAlert, SessionID: alert.SessionID, EntityType: alert.EntityType, Alert: &a})
	return alert
}

// ActiveAlerts returns unexpired alerts, newest first.
func (t *Tracker) ActiveAlerts() []Alert {
	t.alertMu.Lock()
	defer t.alertMu.Unlock()

	t.pruneLocked()
	// Reverse insertion order first so equal timestamps stay newest first.
	out := make([]Alert, len(t.alerts))
	for i, a := range t.alerts {
		out[len(out)-1-i] = a
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

func (t *Tracker) pruneLocked() {
	if t.opts.AlertExpiry <= 0 {
		return
	}
	cutoff := t.now().Add(-t.opts.AlertExpiry)
	kept := t.alerts[:0]
	for _, a := range t.alerts {
		if a.Timestamp.After(cutoff) {
			kept = append(kept, a)
		}
	}
	t.alerts = kept
}
