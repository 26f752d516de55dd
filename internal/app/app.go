package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"relmigrate/internal/checkpoint"
	"relmigrate/internal/config"
	"relmigrate/internal/database"
	"relmigrate/internal/executor"
	"relmigrate/internal/mapping"
	"relmigrate/internal/metrics"
	"relmigrate/internal/progress"
	"relmigrate/internal/storage"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Migrator represents the main migration application
type Migrator struct {
	cfg      *config.Config
	logger   *zap.Logger
	fs       afero.Fs
	srcDB    *sql.DB
	dstDB    *sql.DB
	source   *storage.SQLStore
	dest     *storage.SQLStore
	store    *checkpoint.Store
	tracker  *progress.Tracker
	metrics  *metrics.Collector
	executor *executor.Executor
	mappings map[string]mapping.Func
}

// New creates a new migrator instance
func New(cfg *config.Config, logger *zap.Logger) (*Migrator, error) {
	return NewWithFs(cfg, logger, afero.NewOsFs())
}

// NewWithFs creates a migrator whose task plans and backup files live on fs.
func NewWithFs(cfg *config.Config, logger *zap.Logger, fs afero.Fs) (_ *Migrator, err error) {
	m := &Migrator{cfg: cfg, logger: logger, fs: fs}
	defer func() {
		if err != nil {
			m.Close()
		}
	}()

	m.mappings, err = mapping.FromConfig(cfg.Mappings)
	if err != nil {
		return nil, fmt.Errorf("invalid mappings: %w", err)
	}

	// Create source store
	srcDB, srcDialect, err := database.Open(dbOptions(cfg.Source), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open source: %w", err)
	}
	m.srcDB = srcDB
	m.source = storage.NewSQLStore(srcDB, srcDialect)

	// Create destination store
	dstDB, dstDialect, err := database.Open(dbOptions(cfg.Target), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open destination: %w", err)
	}
	m.dstDB = dstDB
	m.dest = storage.NewSQLStore(dstDB, dstDialect)

	// Create metrics collector
	m.metrics = metrics.New(prometheus.NewRegistry())

	// Create checkpoint store
	m.store, err = openCheckpoints(cfg.Checkpoint, fs, m.metrics, logger)
	if err != nil {
		return nil, err
	}

	primary, _ := m.store.Primary().(*checkpoint.SQLBackend)
	var mirror progress.Store
	if primary != nil {
		ps, err := progress.NewSQLStore(context.Background(), primary.DB(), database.SQLite)
		if err != nil {
			return nil, err
		}
		mirror = ps
	}

	m.tracker = progress.NewTracker(progress.Options{
		AlertExpiry: cfg.Alerts.AlertExpiry(),
		Store:       mirror,
	}, logger)
	m.tracker.Subscribe(m.metrics.HandleEvent)

	m.executor, err = executor.New(executor.Options{
		Migration:   cfg.Migration,
		Alerts:      cfg.Alerts,
		Source:      m.source,
		Destination: m.dest,
		Checkpoints: m.store,
		Tracker:     m.tracker,
		Metrics:     m.metrics,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	return m, nil
}

func dbOptions(db config.Database) database.Options {
	return database.Options{
		Driver:       db.Driver,
		DSN:          db.DSN,
		QueryLog:     db.QueryLog,
		MaxOpenConns: db.MaxOpenConns,
	}
}

// openCheckpoints builds the checkpoint store: SQLite primary, file backup
// and an optional S3-compatible backup.
func openCheckpoints(cfg config.Checkpoint, fs afero.Fs, observer checkpoint.Observer, logger *zap.Logger) (*checkpoint.Store, error) {
	primary, err := checkpoint.NewSQLiteBackend(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	var backups []checkpoint.Backend
	if cfg.BackupDir != "" {
		files, err := checkpoint.NewFileBackend(fs, cfg.BackupDir)
		if err != nil {
			primary.Close()
			return nil, fmt.Errorf("failed to create checkpoint backup: %w", err)
		}
		backups = append(backups, files)
	}
	if s3 := cfg.S3; s3 != nil && s3.Endpoint != "" {
		objects, err := checkpoint.NewObjectBackend(checkpoint.ObjectConfig{
			Endpoint:  s3.Endpoint,
			AccessKey: s3.AccessKey,
			SecretKey: s3.SecretKey,
			Secure:    s3.Secure,
			Bucket:    s3.Bucket,
			Prefix:    s3.Prefix,
		})
		if err != nil {
			primary.Close()
			return nil, fmt.Errorf("failed to create object backup: %w", err)
		}
		backups = append(backups, objects)
	}

	return checkpoint.NewStore(checkpoint.Options{
		CompressionThreshold: cfg.CompressionThreshold,
		MaxAge:               cfg.MaxAge(),
		MaxPerSession:        cfg.MaxPerSession,
		Observer:             observer,
	}, logger, primary, backups...)
}

// Executor returns the migration engine
func (m *Migrator) Executor() *executor.Executor {
	return m.executor
}

// Tracker returns the progress tracker
func (m *Migrator) Tracker() *progress.Tracker {
	return m.tracker
}

// Run executes the task plan at planPath. A non-empty sessionID continues
// that session from its checkpoints.
func (m *Migrator) Run(ctx context.Context, planPath, sessionID string) (*executor.Result, error) {
	tasks, err := executor.LoadPlan(m.fs, planPath)
	if err != nil {
		return nil, err
	}

	lister := &KeyLister{source: m.source, logger: m.logger}
	tasks, err = lister.Complete(ctx, tasks)
	if err != nil {
		return nil, err
	}
	m.attachMappings(tasks)

	m.logger.Info("Starting migration",
		zap.String("plan", planPath),
		zap.Int("tasks", len(tasks)),
		zap.String("session_id", sessionID),
		zap.Int("parallelism", m.cfg.Migration.Parallelism),
		zap.Int("batch_size", m.cfg.Migration.BatchSize),
	)

	// Start metrics server in a goroutine with error handling
	if m.cfg.MetricsAddr != "" {
		go func() {
			if err := m.metrics.StartServer(m.cfg.MetricsAddr); err != nil {
				m.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	var display *progress.Display
	if m.cfg.Migration.ShowProgress && progress.IsTerminalSupported() {
		display = progress.NewDisplay(m.tracker, 2*time.Second, os.Stdout)
		display.Start()
		m.logger.Info("Progress display enabled")
	} else if !m.cfg.Migration.ShowProgress {
		m.logger.Info("Progress display disabled (disabled in config)")
	} else {
		m.logger.Info("Progress display disabled (unsupported terminal)")
	}

	var opts []executor.ExecuteOption
	if sessionID != "" {
		opts = append(opts, executor.WithSession(sessionID))
	}
	result, err := m.executor.Execute(ctx, tasks, opts...)

	if display != nil {
		display.Stop()
	}
	if result != nil {
		m.logger.Info("Migration finished",
			zap.String("session_id", result.SessionID),
			zap.String("status", string(result.Status)),
			zap.Int("records_processed", result.TotalRecordsProcessed),
			zap.Int("records_failed", result.TotalRecordsFailed),
		)
	}
	return result, err
}

// attachMappings sets the configured column mapping as the transform of
// each task that has one. The source key column is dropped unless the
// mapping renames it.
func (m *Migrator) attachMappings(tasks []executor.Task) {
	for i := range tasks {
		fn, ok := m.mappings[tasks[i].EntityType]
		if !ok || tasks[i].Transform != nil {
			continue
		}
		key := tasks[i].SourceKey
		if key == "" {
			key = "id"
		}
		_, keep := m.cfg.Mappings[tasks[i].EntityType].Rename[key]
		tasks[i].Transform = func(row storage.Row) (storage.Row, error) {
			out, err := fn(row)
			if err != nil {
				return nil, err
			}
			if !keep {
				delete(out, key)
			}
			return out, nil
		}
	}
}

// Pause requests a cooperative pause of the running session
func (m *Migrator) Pause(ctx context.Context) (executor.PauseResult, error) {
	return m.executor.Pause(ctx)
}

// Cancel stops the running session
func (m *Migrator) Cancel(ctx context.Context) (executor.CancelResult, error) {
	return m.executor.Cancel(ctx)
}

// Recovery ranks the resumable checkpoints of a session
func (m *Migrator) Recovery(ctx context.Context, sessionID, entityType string) (*checkpoint.RecoveryInfo, error) {
	return m.store.RecoveryInfo(ctx, sessionID, entityType)
}

// Cleanup removes expired checkpoints and, when sessionID is set, trims that
// session to the configured limit.
func (m *Migrator) Cleanup(ctx context.Context, sessionID string) (int, error) {
	removed, err := m.store.CleanupOld(ctx)
	if err != nil {
		return removed, err
	}
	if sessionID != "" {
		n, err := m.store.EnforceLimit(ctx, sessionID)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Close cleans up resources
func (m *Migrator) Close() error {
	var result error
	if m.store != nil {
		if err := m.store.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, db := range []*sql.DB{m.srcDB, m.dstDB} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}
