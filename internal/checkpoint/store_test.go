package checkpoint

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingObserver map[string][2]int

func (c countingObserver) CheckpointWritten(backend string, ok bool) {
	n := c[backend]
	if ok {
		n[0]++
	} else {
		n[1]++
	}
	c[backend] = n
}

type brokenBackend struct{ Backend }

func (brokenBackend) Name() string { return "broken" }

func (brokenBackend) Put(context.Context, *Record) error { return errors.New("disk full") }

func (brokenBackend) Close() error { return nil }

type fixture struct {
	store   *Store
	primary *SQLBackend
	files   *FileBackend
	clock   time.Time
}

func newFixture(t *testing.T, opts Options, extra ...Backend) *fixture {
	t.Helper()
	primary, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	files, err := NewFileBackend(afero.NewMemMapFs(), "/backups")
	require.NoError(t, err)

	store, err := NewStore(opts, zaptest.NewLogger(t), primary, append([]Backend{files}, extra...)...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{store: store, primary: primary, files: files, clock: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store.now = func() time.Time {
		f.clock = f.clock.Add(time.Second)
		return f.clock
	}
	return f
}

func sample(session, entity string, batch, processed, remaining int) Data {
	d := Data{
		SessionID:        session,
		EntityType:       entity,
		BatchNumber:      batch,
		RecordsProcessed: processed,
		RecordsRemaining: remaining,
		ProcessingState:  ProcessingState{BatchSize: 100},
	}
	if processed > 0 {
		d.LastProcessedRecordID = strconv.Itoa(processed)
	}
	return d
}

func TestStore_CreateAndLoad(t *testing.T) {
	obs := countingObserver{}
	f := newFixture(t, Options{Observer: obs})
	ctx := context.Background()

	res, err := f.store.Create(ctx, sample("s1", "offices", 2, 200, 50))
	require.NoError(t, err)
	assert.NotEmpty(t, res.CheckpointID)
	assert.Len(t, res.BackupLocations, 2)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, [2]int{1, 0}, obs[f.primary.Name()])

	loaded, err := f.store.Load(ctx, res.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, f.primary.Name(), loaded.Source)
	assert.Equal(t, StatusActive, loaded.Status)
	assert.Equal(t, "offices", loaded.Data.EntityType)
	assert.Equal(t, 200, loaded.Data.RecordsProcessed)
	assert.Equal(t, 100, loaded.Data.ProcessingState.BatchSize)
	assert.InDelta(t, 80.0, loaded.Data.Progress(), 0.001)

	_, err = f.store.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CreateRejectsInvalidData(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.store.Create(context.Background(), Data{EntityType: "offices", LastProcessedRecordID: "3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session id is required")
	assert.Contains(t, err.Error(), "without processed records")
}

func TestStore_CreateToleratesBackendFailure(t *testing.T) {
	obs := countingObserver{}
	f := newFixture(t, Options{Observer: obs}, brokenBackend{})

	res, err := f.store.Create(context.Background(), sample("s1", "offices", 1, 10, 0))
	require.NoError(t, err)
	assert.Len(t, res.BackupLocations, 2)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "disk full")
	assert.Equal(t, [2]int{0, 1}, obs["broken"])
}

func TestStore_CreateFailsWhenNothingPersists(t *testing.T) {
	store, err := NewStore(Options{}, zaptest.NewLogger(t), brokenBackend{})
	require.NoError(t, err)

	_, err = store.Create(context.Background(), sample("s1", "offices", 1, 10, 0))
	assert.Error(t, err)
}

func TestStore_LoadFallsBackToBackup(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	res, err := f.store.Create(ctx, sample("s1", "offices", 1, 10, 5))
	require.NoError(t, err)

	_, err = f.primary.DB().Exec(`UPDATE migration_checkpoints SET checksum = 'bad' WHERE checkpoint_id = ?`, res.CheckpointID)
	require.NoError(t, err)

	loaded, err := f.store.Load(ctx, res.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, f.files.Name(), loaded.Source)
	require.Len(t, loaded.Warnings, 1)
	assert.Contains(t, loaded.Warnings[0], "checksum mismatch")

	rec, err := f.primary.Get(ctx, res.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, StatusCorrupted, rec.Status)

	// The verified backup copy wins over the corrupted primary in history.
	history, err := f.store.History(ctx, "s1", "")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, StatusActive, history[0].Status)
}

func TestStore_LoadReportsCorruptionEverywhere(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	res, err := f.store.Create(ctx, sample("s1", "offices", 1, 10, 5))
	require.NoError(t, err)

	for _, b := range []Backend{f.primary, f.files} {
		rec, err := b.Get(ctx, res.CheckpointID)
		require.NoError(t, err)
		rec.Checksum = "0000"
		if b == Backend(f.primary) {
			_, err = f.primary.DB().Exec(`UPDATE migration_checkpoints SET checksum = ? WHERE checkpoint_id = ?`, rec.Checksum, rec.ID)
		} else {
			err = b.Put(ctx, rec)
		}
		require.NoError(t, err)
	}

	_, err = f.store.Load(ctx, res.CheckpointID)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestStore_HistorySupersedesAndOrders(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first, err := f.store.Create(ctx, sample("s1", "offices", 1, 10, 20))
	require.NoError(t, err)
	second, err := f.store.Create(ctx, sample("s1", "offices", 2, 20, 10))
	require.NoError(t, err)
	_, err = f.store.Create(ctx, sample("s1", "doctors", 1, 5, 0))
	require.NoError(t, err)
	_, err = f.store.Create(ctx, sample("s2", "offices", 1, 10, 20))
	require.NoError(t, err)

	history, err := f.store.History(ctx, "s1", "offices")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.CheckpointID, history[0].CheckpointID)
	assert.Equal(t, StatusActive, history[0].Status)
	assert.Equal(t, first.CheckpointID, history[1].CheckpointID)
	assert.Equal(t, StatusSuperseded, history[1].Status)

	all, err := f.store.History(ctx, "s1", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_RecoveryInfo(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.store.Create(ctx, sample("s1", "offices", 1, 10, 30))
	require.NoError(t, err)
	best, err := f.store.Create(ctx, sample("s1", "offices", 3, 30, 10))
	require.NoError(t, err)
	_, err = f.store.Create(ctx, sample("s1", "doctors", 2, 40, 0))
	require.NoError(t, err)

	info, err := f.store.RecoveryInfo(ctx, "s1", "")
	require.NoError(t, err)
	require.Len(t, info.Candidates, 2, "finished checkpoints are not resumable")
	require.NotNil(t, info.Recommended)
	assert.Equal(t, best.CheckpointID, info.Recommended.CheckpointID)
	assert.InDelta(t, 75.0, info.Recommended.Progress, 0.001)

	empty, err := f.store.RecoveryInfo(ctx, "nope", "")
	require.NoError(t, err)
	assert.Empty(t, empty.Candidates)
	assert.Nil(t, empty.Recommended)
}

func TestStore_CleanupOld(t *testing.T) {
	f := newFixture(t, Options{MaxAge: time.Hour})
	ctx := context.Background()

	_, err := f.store.Create(ctx, sample("s1", "offices", 1, 10, 5))
	require.NoError(t, err)
	_, err = f.store.Create(ctx, sample("s1", "doctors", 1, 10, 5))
	require.NoError(t, err)

	removed, err := f.store.CleanupOld(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	f.clock = f.clock.Add(2 * time.Hour)
	_, err = f.store.Create(ctx, sample("s1", "offices", 2, 15, 0))
	require.NoError(t, err)

	removed, err = f.store.CleanupOld(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	history, err := f.store.History(ctx, "s1", "")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestStore_EnforceLimitKeepsNewestPerEntity(t *testing.T) {
	f := newFixture(t, Options{MaxPerSession: 2})
	ctx := context.Background()

	var newest string
	for batch := 1; batch <= 4; batch++ {
		res, err := f.store.Create(ctx, sample("s1", "offices", batch, batch*10, 100-batch*10))
		require.NoError(t, err)
		newest = res.CheckpointID
	}
	doctors, err := f.store.Create(ctx, sample("s1", "doctors", 1, 1, 1))
	require.NoError(t, err)

	removed, err := f.store.EnforceLimit(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	history, err := f.store.History(ctx, "s1", "")
	require.NoError(t, err)
	var ids []string
	for _, h := range history {
		ids = append(ids, h.CheckpointID)
	}
	assert.ElementsMatch(t, []string{newest, doctors.CheckpointID}, ids)
}

func TestNewStore_RequiresPrimary(t *testing.T) {
	_, err := NewStore(Options{}, nil, nil)
	assert.Error(t, err)
}
