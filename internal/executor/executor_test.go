package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"relmigrate/internal/checkpoint"
	"relmigrate/internal/config"
	"relmigrate/internal/database"
	"relmigrate/internal/metrics"
	"relmigrate/internal/progress"
	"relmigrate/internal/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// faultyDestination wraps a real destination with hooks for fault injection
// and records the legacy ids of committed upserts.
type faultyDestination struct {
	storage.Destination

	mu        sync.Mutex
	calls     map[string]int
	committed []string

	before func(ctx context.Context, table string, n int) error
	after  func(table string, n int)
	upsert func(row storage.Row) error
}

func (d *faultyDestination) WriteBatch(ctx context.Context, table, legacyColumn string, fn func(storage.BatchWriter) error) error {
	d.mu.Lock()
	d.calls[table]++
	n := d.calls[table]
	d.mu.Unlock()

	if d.before != nil {
		if err := d.before(ctx, table, n); err != nil {
			return err
		}
	}

	var written []string
	err := d.Destination.WriteBatch(ctx, table, legacyColumn, func(w storage.BatchWriter) error {
		written = written[:0]
		return fn(&recordingWriter{BatchWriter: w, d: d, legacyColumn: legacyColumn, written: &written})
	})
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.committed = append(d.committed, written...)
	d.mu.Unlock()
	if d.after != nil {
		d.after(table, n)
	}
	return nil
}

func (d *faultyDestination) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = make(map[string]int)
	d.committed = nil
	d.before, d.after, d.upsert = nil, nil, nil
}

func (d *faultyDestination) committedIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.committed...)
}

type recordingWriter struct {
	storage.BatchWriter
	d            *faultyDestination
	legacyColumn string
	written      *[]string
}

func (w *recordingWriter) Upsert(ctx context.Context, row storage.Row) error {
	if w.d.upsert != nil {
		if err := w.d.upsert(row); err != nil {
			return err
		}
	}
	if err := w.BatchWriter.Upsert(ctx, row); err != nil {
		return err
	}
	*w.written = append(*w.written, storage.KeyString(row[w.legacyColumn]))
	return nil
}

type harness struct {
	t      *testing.T
	srcDB  *sql.DB
	dstDB  *sql.DB
	src    *storage.SQLStore
	dst    *faultyDestination
	sqlCP  *checkpoint.SQLBackend
	fs     afero.Fs
	store  *checkpoint.Store
	cfg    config.Migration
	alerts config.Alerts
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	srcDB, err := database.OpenSQLite(filepath.Join(dir, "source.db"))
	require.NoError(t, err)
	dstDB, err := database.OpenSQLite(filepath.Join(dir, "dest.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		srcDB.Close()
		dstDB.Close()
	})

	for _, stmt := range []string{
		`CREATE TABLE offices (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
		`CREATE TABLE doctors (id INTEGER PRIMARY KEY, name TEXT NOT NULL, office_id INTEGER)`,
	} {
		_, err := srcDB.Exec(stmt)
		require.NoError(t, err)
	}
	for _, stmt := range []string{
		`CREATE TABLE offices (id INTEGER PRIMARY KEY AUTOINCREMENT, legacy_id TEXT NOT NULL UNIQUE, name TEXT NOT NULL)`,
		`CREATE TABLE doctors (id INTEGER PRIMARY KEY AUTOINCREMENT, legacy_id TEXT NOT NULL UNIQUE, name TEXT NOT NULL, office_id INTEGER)`,
	} {
		_, err := dstDB.Exec(stmt)
		require.NoError(t, err)
	}

	sqlCP, err := checkpoint.NewSQLiteBackend(filepath.Join(dir, "checkpoint.db"))
	require.NoError(t, err)
	fs := afero.NewMemMapFs()
	files, err := checkpoint.NewFileBackend(fs, "/backups")
	require.NoError(t, err)
	store, err := checkpoint.NewStore(checkpoint.Options{CompressionThreshold: 4096, MaxPerSession: 1000},
		zaptest.NewLogger(t), sqlCP, files)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &harness{
		t:     t,
		srcDB: srcDB,
		dstDB: dstDB,
		src:   storage.NewSQLStore(srcDB, database.SQLite),
		dst: &faultyDestination{
			Destination: storage.NewSQLStore(dstDB, database.SQLite),
			calls:       make(map[string]int),
		},
		sqlCP: sqlCP,
		fs:    fs,
		store: store,
		cfg: config.Migration{
			BatchMode:          config.BatchModeFixed,
			BatchSize:          3,
			Parallelism:        2,
			CheckpointInterval: 1,
			RecordRetries:      2,
			BatchRetries:       2,
			RetryBackoffMs:     1,
			MaxBackoffMs:       5,
			BatchTimeoutMs:     10000,
		},
	}
}

func (h *harness) seed(table string, n int) {
	h.t.Helper()
	for i := 1; i <= n; i++ {
		var err error
		if table == "doctors" {
			_, err = h.srcDB.Exec(`INSERT INTO doctors (id, name, office_id) VALUES (?, ?, ?)`, i, fmt.Sprintf("doctor-%d", i), i%3+1)
		} else {
			_, err = h.srcDB.Exec(`INSERT INTO offices (id, name) VALUES (?, ?)`, i, fmt.Sprintf("office-%d", i))
		}
		require.NoError(h.t, err)
	}
}

func (h *harness) count(table string) int {
	h.t.Helper()
	var n int
	require.NoError(h.t, h.dstDB.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func (h *harness) executor(opts ...func(*Options)) *Executor {
	h.t.Helper()
	o := Options{
		Migration:   h.cfg,
		Alerts:      h.alerts,
		Source:      h.src,
		Destination: h.dst,
		Checkpoints: h.store,
	}
	for _, opt := range opts {
		opt(&o)
	}
	e, err := New(o, zaptest.NewLogger(h.t))
	require.NoError(h.t, err)
	return e
}

// corrupt breaks the checksum of a checkpoint in every backend.
func (h *harness) corrupt(sessionID, id string) {
	h.t.Helper()
	_, err := h.sqlCP.DB().Exec(`UPDATE migration_checkpoints SET checksum = 'bad' WHERE checkpoint_id = ?`, id)
	require.NoError(h.t, err)

	found := false
	err = afero.Walk(h.fs, filepath.Join("/backups", sessionID), func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasPrefix(info.Name(), id) {
			return err
		}
		body, err := afero.ReadFile(h.fs, path)
		if err != nil {
			return err
		}
		var rec checkpoint.Record
		if err := json.Unmarshal(body, &rec); err != nil {
			return err
		}
		rec.Checksum = "bad"
		body, err = json.Marshal(&rec)
		if err != nil {
			return err
		}
		found = true
		return afero.WriteFile(h.fs, path, body, 0o644)
	})
	require.NoError(h.t, err)
	require.True(h.t, found, "backup file for %s not found", id)
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = strconv.Itoa(i + 1)
	}
	return out
}

func officesTask(n int) Task {
	return Task{EntityType: "offices", RecordIDs: ids(n), SourceTable: "offices", DestinationTable: "offices"}
}

func doctorsTask(n int) Task {
	return Task{
		EntityType:       "doctors",
		RecordIDs:        ids(n),
		Dependencies:     []string{"offices"},
		SourceTable:      "doctors",
		DestinationTable: "doctors",
	}
}

func waitFor(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Error("condition not met in time")
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func flagSet(e *Executor, pause bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == nil {
		return false
	}
	if pause {
		return e.active.pause.Load()
	}
	return e.active.cancel.Load()
}

type eventLog struct {
	mu     sync.Mutex
	events []progress.Event
}

func (l *eventLog) add(ev progress.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) all() []progress.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]progress.Event(nil), l.events...)
}

func TestExecute_MigratesInDependencyOrder(t *testing.T) {
	h := newHarness(t)
	h.seed("offices", 5)
	h.seed("doctors", 7)

	reg := prometheus.NewRegistry()
	collector := metrics.New(reg)
	e := h.executor(func(o *Options) { o.Metrics = collector })

	var log eventLog
	unsubscribe := e.Tracker().Subscribe(log.add)
	defer unsubscribe()

	res, err := e.Execute(context.Background(), []Task{doctorsTask(7), officesTask(5)})
	require.NoError(t, err)

	assert.Equal(t, ResultCompleted, res.Status)
	assert.Equal(t, 2, res.EntitiesProcessed)
	assert.Equal(t, 0, res.EntitiesFailed)
	assert.Equal(t, 12, res.TotalRecordsProcessed)
	assert.Nil(t, res.Recovery)
	assert.NotEmpty(t, res.Checkpoints)
	assert.Equal(t, 5, h.count("offices"))
	assert.Equal(t, 7, h.count("doctors"))

	doctors, ok := res.Task("doctors")
	require.True(t, ok)
	assert.Equal(t, TaskCompleted, doctors.Status)
	assert.Len(t, doctors.Batches, 3)
	assert.Equal(t, 0, doctors.RecordsRemaining)

	var name string
	require.NoError(t, h.dstDB.QueryRow(`SELECT name FROM offices WHERE legacy_id = '3'`).Scan(&name))
	assert.Equal(t, "office-3", name)

	// Offices finish before the first doctors batch starts.
	officesDone, doctorsStart := -1, -1
	lastProcessed := map[string]int{}
	lastSeq := map[string]uint64{}
	for i, ev := range log.all() {
		if ev.Type == progress.EventEntityCompleted && ev.EntityType == "offices" && officesDone < 0 {
			officesDone = i
		}
		if ev.Type == progress.EventBatchStarted && ev.EntityType == "doctors" && doctorsStart < 0 {
			doctorsStart = i
		}
		if ev.Snapshot != nil {
			assert.GreaterOrEqual(t, ev.Snapshot.Progress.RecordsProcessed, lastProcessed[ev.EntityType])
			lastProcessed[ev.EntityType] = ev.Snapshot.Progress.RecordsProcessed
		}
		assert.Greater(t, ev.Sequence, lastSeq[ev.EntityType])
		lastSeq[ev.EntityType] = ev.Sequence
	}
	require.GreaterOrEqual(t, officesDone, 0)
	require.GreaterOrEqual(t, doctorsStart, 0)
	assert.Less(t, officesDone, doctorsStart)

	snap, ok := e.Tracker().Get("doctors")
	require.True(t, ok)
	assert.Equal(t, progress.StatusCompleted, snap.Status)
	assert.Equal(t, 100.0, snap.Progress.PercentageComplete)

	history, err := h.store.History(context.Background(), res.SessionID, "offices")
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, 0, history[0].RecordsRemaining)

	batches, err := testutil.GatherAndCount(reg, "relmigrate_batches_total")
	require.NoError(t, err)
	assert.Equal(t, 2, batches)
}

func TestExecute_ResumesSessionAfterInterruption(t *testing.T) {
	h := newHarness(t)
	h.seed("offices", 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.dst.after = func(table string, n int) {
		if n == 2 {
			cancel()
		}
	}

	res, err := h.executor().Execute(ctx, []Task{officesTask(10)})
	require.NoError(t, err)
	assert.Equal(t, ResultCancelled, res.Status)
	assert.Equal(t, 6, h.count("offices"))

	tr, _ := res.Task("offices")
	assert.Equal(t, TaskCancelled, tr.Status)
	assert.Equal(t, 6, tr.RecordsProcessed)
	require.NotNil(t, res.Recovery)
	require.Len(t, res.Recovery.Entities, 1)
	assert.Equal(t, 2, res.Recovery.Entities[0].ResumeFromBatch)
	assert.Equal(t, 4, res.Recovery.Entities[0].RecordsRemaining)

	// A new process continues the same session.
	h.dst.reset()
	resumed, err := h.executor().Execute(context.Background(), []Task{officesTask(10)}, WithSession(res.SessionID))
	require.NoError(t, err)

	assert.Equal(t, res.SessionID, resumed.SessionID)
	assert.Equal(t, ResultCompleted, resumed.Status)
	tr, _ = resumed.Task("offices")
	assert.Equal(t, 2, tr.ResumedFromBatch)
	require.Len(t, tr.Batches, 2)
	assert.Equal(t, 3, tr.Batches[0].BatchNumber)
	assert.Equal(t, []string{"7", "8", "9", "10"}, h.dst.committedIDs())
	assert.Equal(t, 10, h.count("offices"))
}

func TestExecute_FallsBackPastCorruptedCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.seed("offices", 9)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.dst.after = func(table string, n int) {
		if n == 2 {
			cancel()
		}
	}
	res, err := h.executor().Execute(ctx, []Task{officesTask(9)})
	require.NoError(t, err)

	history, err := h.store.History(context.Background(), res.SessionID, "offices")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, 2, history[0].BatchNumber)
	h.corrupt(res.SessionID, history[0].CheckpointID)

	h.dst.reset()
	e := h.executor()
	resumed, err := e.Execute(context.Background(), []Task{officesTask(9)}, WithSession(res.SessionID))
	require.NoError(t, err)

	assert.Equal(t, ResultCompleted, resumed.Status)
	tr, _ := resumed.Task("offices")
	assert.Equal(t, 1, tr.ResumedFromBatch)
	assert.Equal(t, []string{"4", "5", "6", "7", "8", "9"}, h.dst.committedIDs())
	assert.Equal(t, 9, h.count("offices"), "replayed records are upserted, not duplicated")
	require.NotEmpty(t, resumed.Warnings)
	assert.Contains(t, resumed.Warnings[0], "rejected")

	var corrupted bool
	for _, a := range e.Tracker().ActiveAlerts() {
		if a.Type == progress.AlertCheckpointCorrupted {
			corrupted = true
		}
	}
	assert.True(t, corrupted)
}

func TestExecute_RetriesTransientBatchFailure(t *testing.T) {
	h := newHarness(t)
	h.seed("offices", 9)
	h.dst.before = func(_ context.Context, _ string, n int) error {
		if n == 2 {
			return errors.New("write: connection reset by peer")
		}
		return nil
	}

	res, err := h.executor().Execute(context.Background(), []Task{officesTask(9)})
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, res.Status)
	assert.Equal(t, 9, h.count("offices"))

	tr, _ := res.Task("offices")
	require.Len(t, tr.Batches, 3)
	assert.Equal(t, 2, tr.Batches[1].Attempts)
	assert.Equal(t, 1, tr.Batches[1].Retries)
	assert.Equal(t, 1, tr.Batches[0].Attempts)
}

func TestExecute_FailedBatchLeavesNoPartialWrites(t *testing.T) {
	h := newHarness(t)
	h.cfg.BatchRetries = 0
	h.seed("offices", 9)
	h.dst.upsert = func(row storage.Row) error {
		if row["legacy_id"] == "5" {
			return fmt.Errorf("%w: connection reset by peer", storage.ErrBatchAborted)
		}
		return nil
	}

	res, err := h.executor().Execute(context.Background(), []Task{officesTask(9)})
	require.NoError(t, err)
	assert.Equal(t, ResultPartial, res.Status)

	// Record 4 was written inside the aborted batch and must be gone.
	assert.Equal(t, 3, h.count("offices"))
	var n int
	require.NoError(t, h.dstDB.QueryRow(`SELECT COUNT(*) FROM offices WHERE legacy_id = '4'`).Scan(&n))
	assert.Zero(t, n)

	tr, _ := res.Task("offices")
	assert.Equal(t, TaskFailed, tr.Status)
	require.NotNil(t, tr.Failure)
	assert.Equal(t, CategoryConnectivity, tr.Failure.Category)
	assert.True(t, tr.Failure.Retryable)
	assert.Equal(t, 1, tr.Failure.ResumeFromBatch)
	assert.NotEmpty(t, tr.Failure.LastCheckpointID)
	assert.Equal(t, 1, res.EntitiesFailed)
}

func TestExecute_RecordFailuresDoNotFailBatch(t *testing.T) {
	h := newHarness(t)
	h.seed("offices", 8)

	var mu sync.Mutex
	attempts := map[any]int{}
	h.dst.upsert = func(row storage.Row) error {
		mu.Lock()
		defer mu.Unlock()
		id := row["legacy_id"]
		attempts[id]++
		switch {
		case id == "2" && attempts[id] == 1:
			return errors.New("connection reset")
		case id == "5":
			return errors.New("CHECK constraint failed: name")
		}
		return nil
	}

	tasks := []Task{officesTask(8)}
	tasks[0].RecordIDs = append(tasks[0].RecordIDs, "99")

	res, err := h.executor().Execute(context.Background(), tasks)
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, res.Status)

	tr, _ := res.Task("offices")
	assert.Equal(t, TaskCompleted, tr.Status)
	assert.Equal(t, 9, tr.RecordsProcessed)
	assert.Equal(t, 7, tr.RecordsMigrated)
	assert.Equal(t, 2, tr.RecordsFailed)
	assert.Equal(t, 7, h.count("offices"))

	require.Len(t, tr.Batches, 3)
	assert.Equal(t, 1, tr.Batches[0].Retries)
	require.Len(t, tr.Batches[1].Errors, 1)
	assert.Equal(t, "5", tr.Batches[1].Errors[0].RecordID)
	assert.Equal(t, CategoryConstraint, tr.Batches[1].Errors[0].Type)
	require.Len(t, tr.Batches[2].Errors, 1)
	assert.Equal(t, "99", tr.Batches[2].Errors[0].RecordID)
	assert.Equal(t, CategoryMissing, tr.Batches[2].Errors[0].Type)

	mu.Lock()
	assert.Equal(t, 3, attempts["5"], "one attempt plus two record retries")
	mu.Unlock()
}

func TestExecute_TransformErrorsAreRecordFailures(t *testing.T) {
	h := newHarness(t)
	h.cfg.RecordRetries = 0
	h.seed("offices", 3)

	task := officesTask(3)
	task.Transform = func(row storage.Row) (storage.Row, error) {
		switch row["name"] {
		case "office-2":
			return nil, errors.New("name not allowed")
		case "office-3":
			panic("boom")
		}
		return storage.Row{"name": strings.ToUpper(row["name"].(string))}, nil
	}

	res, err := h.executor().Execute(context.Background(), []Task{task})
	require.NoError(t, err)

	tr, _ := res.Task("offices")
	assert.Equal(t, TaskCompleted, tr.Status)
	assert.Equal(t, 1, tr.RecordsMigrated)
	require.Len(t, tr.Batches[0].Errors, 2)
	for _, re := range tr.Batches[0].Errors {
		assert.Equal(t, CategoryTransform, re.Type)
	}

	var name string
	require.NoError(t, h.dstDB.QueryRow(`SELECT name FROM offices WHERE legacy_id = '1'`).Scan(&name))
	assert.Equal(t, "OFFICE-1", name)
}

func TestExecute_BatchTimeout(t *testing.T) {
	h := newHarness(t)
	h.cfg.BatchTimeoutMs = 50
	h.seed("offices", 9)
	h.dst.before = func(ctx context.Context, _ string, n int) error {
		if n == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	e := h.executor()
	res, err := e.Execute(context.Background(), []Task{officesTask(9)})
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, res.Status)
	assert.Equal(t, 6, h.count("offices"))

	tr, _ := res.Task("offices")
	require.Len(t, tr.Batches, 3)
	first := tr.Batches[0]
	assert.True(t, first.TimedOut)
	assert.Equal(t, 3, first.FailedRecords)
	for _, re := range first.Errors {
		assert.Equal(t, CategoryTimeout, re.Type)
		assert.True(t, re.Retryable)
	}

	var timedOut bool
	for _, a := range e.Tracker().ActiveAlerts() {
		if a.Type == progress.AlertBatchTimeout {
			timedOut = true
		}
	}
	assert.True(t, timedOut)
}

func TestExecute_PauseAndResume(t *testing.T) {
	h := newHarness(t)
	h.cfg.BatchSize = 2
	h.seed("offices", 10)

	e := h.executor()
	type pauseOutcome struct {
		res PauseResult
		err error
	}
	paused := make(chan pauseOutcome, 1)
	h.dst.after = func(table string, n int) {
		if n == 2 {
			go func() {
				res, err := e.Pause(context.Background())
				paused <- pauseOutcome{res, err}
			}()
			waitFor(t, func() bool { return flagSet(e, true) })
		}
	}

	res, err := e.Execute(context.Background(), []Task{officesTask(10)})
	require.NoError(t, err)
	assert.Equal(t, ResultPaused, res.Status)
	tr, _ := res.Task("offices")
	assert.Equal(t, TaskPaused, tr.Status)
	assert.Equal(t, 4, tr.RecordsProcessed)

	out := <-paused
	require.NoError(t, out.err)
	assert.True(t, out.res.Success)
	require.NotEmpty(t, out.res.CheckpointID)
	assert.Equal(t, out.res.CheckpointID, out.res.Checkpoints["offices"])

	loaded, err := h.store.Load(context.Background(), out.res.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Data.BatchNumber)
	assert.Equal(t, 4, loaded.Data.RecordsProcessed)
	assert.Equal(t, "4", loaded.Data.LastProcessedRecordID)

	h.dst.reset()
	resumed, err := e.Resume(context.Background(), out.res.CheckpointID)
	require.NoError(t, err)
	assert.True(t, resumed.Success)
	assert.Equal(t, 2, resumed.ResumedFromBatch)
	require.NotNil(t, resumed.Result)
	assert.Equal(t, ResultCompleted, resumed.Result.Status)
	assert.Equal(t, []string{"5", "6", "7", "8", "9", "10"}, h.dst.committedIDs())
	assert.Equal(t, 10, h.count("offices"))

	_, err = e.Resume(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoPausedSession)
}

// pauseAfter pauses e once the nth batch of table has committed.
func pauseAfter(t *testing.T, h *harness, e *Executor, table string, nth int) <-chan PauseResult {
	paused := make(chan PauseResult, 1)
	h.dst.after = func(tbl string, n int) {
		if tbl != table || n != nth {
			return
		}
		go func() {
			res, err := e.Pause(context.Background())
			assert.NoError(t, err)
			paused <- res
		}()
		waitFor(t, func() bool { return flagSet(e, true) })
	}
	return paused
}

func TestExecute_ResumeFromEarlierCheckpointCountsReplayOnce(t *testing.T) {
	h := newHarness(t)
	h.cfg.BatchSize = 2
	h.seed("offices", 10)
	ctx := context.Background()

	e := h.executor()
	paused := pauseAfter(t, h, e, "offices", 2)
	res, err := e.Execute(ctx, []Task{officesTask(10)})
	require.NoError(t, err)
	require.Equal(t, ResultPaused, res.Status)
	<-paused

	history, err := h.store.History(ctx, res.SessionID, "offices")
	require.NoError(t, err)
	var first string
	for _, c := range history {
		if c.BatchNumber == 1 {
			first = c.CheckpointID
		}
	}
	require.NotEmpty(t, first)

	h.dst.reset()
	resumed, err := e.Resume(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed.ResumedFromBatch)
	assert.Equal(t, []string{"3", "4", "5", "6", "7", "8", "9", "10"}, h.dst.committedIDs())
	assert.Equal(t, 10, h.count("offices"))

	out := resumed.Result
	require.NotNil(t, out)
	assert.Equal(t, ResultCompleted, out.Status)
	assert.Equal(t, 10, out.TotalRecordsProcessed)

	tr, ok := out.Task("offices")
	require.True(t, ok)
	assert.Equal(t, 10, tr.RecordsMigrated)
	var numbers []int
	for _, b := range tr.Batches {
		numbers = append(numbers, b.BatchNumber)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, numbers)
}

func TestExecute_ResumeRejectsCheckpointOfFinishedEntity(t *testing.T) {
	h := newHarness(t)
	h.cfg.BatchSize = 2
	h.seed("offices", 2)
	h.seed("doctors", 4)
	ctx := context.Background()

	e := h.executor()
	paused := pauseAfter(t, h, e, "doctors", 1)
	res, err := e.Execute(ctx, []Task{officesTask(2), doctorsTask(4)})
	require.NoError(t, err)
	require.Equal(t, ResultPaused, res.Status)
	<-paused

	history, err := h.store.History(ctx, res.SessionID, "offices")
	require.NoError(t, err)
	require.NotEmpty(t, history)

	_, err = e.Resume(ctx, history[0].CheckpointID)
	assert.ErrorIs(t, err, ErrEntityNotPaused)

	h.dst.reset()
	resumed, err := e.Resume(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, resumed.Result.Status)
	assert.Equal(t, 4, h.count("doctors"))
}

func TestExecute_CheckpointNamesOnlyCommittedRecords(t *testing.T) {
	h := newHarness(t)
	h.cfg.BatchTimeoutMs = 50
	h.seed("offices", 3)
	h.dst.before = func(ctx context.Context, _ string, _ int) error {
		<-ctx.Done()
		return ctx.Err()
	}
	ctx := context.Background()

	res, err := h.executor().Execute(ctx, []Task{officesTask(3)})
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, res.Status)
	assert.Zero(t, h.count("offices"))

	history, err := h.store.History(ctx, res.SessionID, "offices")
	require.NoError(t, err)
	require.NotEmpty(t, history)
	loaded, err := h.store.Load(ctx, history[0].CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Data.RecordsProcessed)
	assert.Empty(t, loaded.Data.LastProcessedRecordID)

	// The checkpoint is still accepted when the session is resubmitted.
	h.dst.reset()
	again, err := h.executor().Execute(ctx, []Task{officesTask(3)}, WithSession(res.SessionID))
	require.NoError(t, err)
	tr, _ := again.Task("offices")
	assert.Equal(t, TaskCompleted, tr.Status)
	assert.Empty(t, h.dst.committedIDs())
}

func TestExecute_CheckpointSkipsFailedTrailingRecord(t *testing.T) {
	h := newHarness(t)
	h.seed("offices", 6)
	h.dst.upsert = func(row storage.Row) error {
		if row["legacy_id"] == "6" {
			return errors.New("CHECK constraint failed: name")
		}
		return nil
	}
	ctx := context.Background()

	res, err := h.executor().Execute(ctx, []Task{officesTask(6)})
	require.NoError(t, err)
	assert.Equal(t, 5, h.count("offices"))

	history, err := h.store.History(ctx, res.SessionID, "offices")
	require.NoError(t, err)
	require.NotEmpty(t, history)
	loaded, err := h.store.Load(ctx, history[0].CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, 6, loaded.Data.RecordsProcessed)
	assert.Equal(t, "5", loaded.Data.LastProcessedRecordID)
}

func TestExecute_CancelStopsAtBatchBoundary(t *testing.T) {
	h := newHarness(t)
	h.cfg.BatchSize = 2
	h.seed("offices", 10)
	h.seed("doctors", 4)

	e := h.executor()
	cancelled := make(chan error, 1)
	h.dst.after = func(table string, n int) {
		if table == "offices" && n == 2 {
			go func() {
				_, err := e.Cancel(context.Background())
				cancelled <- err
			}()
			waitFor(t, func() bool { return flagSet(e, false) })
		}
	}

	res, err := e.Execute(context.Background(), []Task{officesTask(10), doctorsTask(4)})
	require.NoError(t, err)
	require.NoError(t, <-cancelled)

	assert.Equal(t, ResultCancelled, res.Status)
	offices, _ := res.Task("offices")
	assert.Equal(t, TaskCancelled, offices.Status)
	assert.Equal(t, 4, offices.RecordsProcessed)
	doctors, _ := res.Task("doctors")
	assert.Equal(t, TaskCancelled, doctors.Status)
	assert.Empty(t, doctors.Batches)
	assert.Len(t, res.Checkpoints, 2, "cancel does not force a checkpoint")
	assert.Equal(t, 0, h.count("doctors"))

	_, err = e.Cancel(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = e.Pause(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestExecute_CancelPausedSession(t *testing.T) {
	h := newHarness(t)
	h.seed("offices", 6)

	e := h.executor()
	h.dst.after = func(table string, n int) {
		if n == 1 {
			go e.Pause(context.Background())
			waitFor(t, func() bool { return flagSet(e, true) })
		}
	}
	res, err := e.Execute(context.Background(), []Task{officesTask(6)})
	require.NoError(t, err)
	require.Equal(t, ResultPaused, res.Status)

	out, err := e.Cancel(context.Background())
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, res.SessionID, out.SessionID)

	snap, _ := e.Tracker().Get("offices")
	assert.Equal(t, progress.StatusCancelled, snap.Status)
	_, err = e.Resume(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoPausedSession)
}

func TestExecute_DependencyFailureBlocksDependents(t *testing.T) {
	h := newHarness(t)
	h.seed("offices", 3)
	h.seed("doctors", 3)
	h.dst.before = func(_ context.Context, table string, _ int) error {
		if table == "offices" {
			return errors.New("boom")
		}
		return nil
	}

	res, err := h.executor().Execute(context.Background(), []Task{officesTask(3), doctorsTask(3)})
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res.Status)
	assert.Equal(t, 2, res.EntitiesFailed)

	offices, _ := res.Task("offices")
	require.NotNil(t, offices.Failure)
	assert.Equal(t, CategoryUnknown, offices.Failure.Category)
	assert.Empty(t, offices.Failure.LastCheckpointID)

	doctors, _ := res.Task("doctors")
	assert.Equal(t, TaskFailed, doctors.Status)
	require.NotNil(t, doctors.Failure)
	assert.Equal(t, CategoryDependency, doctors.Failure.Category)
	assert.Empty(t, doctors.Batches)

	require.NotNil(t, res.Recovery)
	assert.Len(t, res.Recovery.Entities, 2)
	assert.Equal(t, 0, h.dst.calls["doctors"])
}

func TestExecute_MissingDestinationSchemaIsFatal(t *testing.T) {
	h := newHarness(t)
	h.seed("offices", 3)

	task := officesTask(3)
	task.DestinationTable = "clinics"
	res, err := h.executor().Execute(context.Background(), []Task{task})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, storage.ErrSchemaMissing)

	require.NotNil(t, res)
	tr, _ := res.Task("offices")
	assert.Equal(t, TaskFailed, tr.Status)
	require.NotNil(t, tr.Failure)
	assert.Equal(t, CategorySchema, tr.Failure.Category)
	assert.False(t, tr.Failure.Retryable)
}

func TestExecute_RejectsInvalidTasksBeforeAnyWork(t *testing.T) {
	h := newHarness(t)
	h.seed("offices", 3)

	offices := officesTask(3)
	offices.Dependencies = []string{"doctors"}
	res, err := h.executor().Execute(context.Background(), []Task{offices, doctorsTask(3)})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, IsValidation(err))
	assert.ErrorIs(t, err, ErrDependencyCycle)
	assert.Equal(t, 0, h.count("offices"))
	assert.Empty(t, h.dst.calls)
}

func TestExecute_DependencyCompletedByEarlierCall(t *testing.T) {
	h := newHarness(t)
	h.seed("offices", 3)
	h.seed("doctors", 3)

	e := h.executor()
	_, err := e.Execute(context.Background(), []Task{doctorsTask(3)})
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	res, err := e.Execute(context.Background(), []Task{officesTask(3)})
	require.NoError(t, err)
	require.Equal(t, ResultCompleted, res.Status)

	res, err = e.Execute(context.Background(), []Task{doctorsTask(3)})
	require.NoError(t, err)
	assert.Equal(t, ResultCompleted, res.Status)
	assert.Equal(t, 3, h.count("doctors"))
}

func TestExecute_AdaptiveBatchSizeIsCheckpointed(t *testing.T) {
	h := newHarness(t)
	h.cfg.BatchMode = config.BatchModeAdaptive
	h.cfg.BatchSize = 2
	h.cfg.MinBatchSize = 1
	h.cfg.MaxBatchSize = 4
	h.cfg.TargetBatchMs = 60000
	h.seed("offices", 14)

	res, err := h.executor().Execute(context.Background(), []Task{officesTask(14)})
	require.NoError(t, err)
	require.Equal(t, ResultCompleted, res.Status)
	assert.Equal(t, 14, h.count("offices"))

	tr, _ := res.Task("offices")
	assert.Equal(t, 2, tr.Batches[0].BatchSize)
	assert.Equal(t, 4, tr.Batches[len(tr.Batches)-1].BatchSize)

	loaded, err := h.store.Load(context.Background(), tr.LastCheckpointID)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Data.ProcessingState.BatchSize)
	assert.NotEmpty(t, loaded.Data.ProcessingState.Samples)
}

func TestLoadPlan(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/plan.yaml", []byte(`
tasks:
  - entity_type: offices
    record_ids: ["1", "2"]
    priority: high
    source_table: legacy_offices
    destination_table: offices
  - entity_type: doctors
    record_ids: ["7"]
    dependencies: [offices]
    source_table: legacy_doctors
    destination_table: doctors
    legacy_column: old_id
`), 0o644))

	tasks, err := LoadPlan(fs, "/plan.yaml")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, PriorityHigh, tasks[0].Priority)
	assert.Equal(t, []string{"1", "2"}, tasks[0].RecordIDs)
	assert.Equal(t, []string{"offices"}, tasks[1].Dependencies)
	assert.Equal(t, "old_id", tasks[1].LegacyColumn)

	_, err = LoadPlan(fs, "/missing.yaml")
	assert.Error(t, err)
}
