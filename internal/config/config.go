package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Batch sizing modes.
const (
	BatchModeFixed    = "fixed"
	BatchModeAdaptive = "adaptive"
)

// Config represents the application configuration
type Config struct {
	Source      Database           `yaml:"source"`
	Target      Database           `yaml:"target"`
	Migration   Migration          `yaml:"migration"`
	Checkpoint  Checkpoint         `yaml:"checkpoint"`
	Alerts      Alerts             `yaml:"alerts"`
	Mappings    map[string]Mapping `yaml:"mappings"`
	MetricsAddr string             `yaml:"metrics_addr"`
	LogLevel    string             `yaml:"log_level"`
}

// Database represents a relational store connection
type Database struct {
	Driver       string `yaml:"driver"` // sqlite, pgx or mysql
	DSN          string `yaml:"dsn"`
	QueryLog     bool   `yaml:"query_log"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// Migration is the execution configuration handed to the executor. It is the
// only place batching, retry and resource behaviour is switched.
type Migration struct {
	BatchMode          string `yaml:"batch_mode"`
	BatchSize          int    `yaml:"batch_size"`
	MinBatchSize       int    `yaml:"min_batch_size"`
	MaxBatchSize       int    `yaml:"max_batch_size"`
	TargetBatchMs      int    `yaml:"target_batch_ms"`
	Parallelism        int    `yaml:"parallelism"`
	CheckpointInterval int    `yaml:"checkpoint_interval"`
	RecordRetries      int    `yaml:"record_retries"`
	BatchRetries       int    `yaml:"batch_retries"`
	RetryBackoffMs     int    `yaml:"retry_backoff_ms"`
	MaxBackoffMs       int    `yaml:"max_backoff_ms"`
	BatchTimeoutMs     int    `yaml:"batch_timeout_ms"`
	MemoryCeilingMB    int    `yaml:"memory_ceiling_mb"`
	ShowProgress       bool   `yaml:"show_progress"`
}

// Checkpoint configures checkpoint persistence and retention
type Checkpoint struct {
	Path                 string    `yaml:"path"`
	BackupDir            string    `yaml:"backup_dir"`
	CompressionThreshold int       `yaml:"compression_threshold"`
	MaxAgeHours          int       `yaml:"max_age_hours"`
	MaxPerSession        int       `yaml:"max_per_session"`
	S3                   *S3Backup `yaml:"s3"`
}

// S3Backup is an optional extra checkpoint backup on S3-compatible storage
type S3Backup struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// Alerts configures the automatic alert thresholds
type Alerts struct {
	ThroughputFloor float64 `yaml:"throughput_floor"` // records/second
	RetryThreshold  int     `yaml:"retry_threshold"`
	MemoryRatio     float64 `yaml:"memory_ratio"` // fraction of memory_ceiling_mb
	ExpiryMinutes   int     `yaml:"expiry_minutes"`
}

// Mapping describes the column transform for one entity type
type Mapping struct {
	Rename    map[string]string `yaml:"rename"`
	Drop      []string          `yaml:"drop"`
	Constants map[string]any    `yaml:"constants"`
}

// Default returns a configuration populated with defaults
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Source:   Database{Driver: "sqlite", MaxOpenConns: 8},
		Target:   Database{Driver: "sqlite", MaxOpenConns: 8},
		Migration: Migration{
			BatchMode:          BatchModeFixed,
			BatchSize:          500,
			MinBatchSize:       50,
			MaxBatchSize:       5000,
			TargetBatchMs:      2000,
			Parallelism:        4,
			CheckpointInterval: 1,
			RecordRetries:      3,
			BatchRetries:       5,
			RetryBackoffMs:     500,
			MaxBackoffMs:       30000,
			BatchTimeoutMs:     120000,
			ShowProgress:       true,
		},
		Checkpoint: Checkpoint{
			Path:                 "./checkpoint.db",
			BackupDir:            "./checkpoints",
			CompressionThreshold: 4096,
			MaxAgeHours:          24 * 7,
			MaxPerSession:        200,
		},
		Alerts: Alerts{
			ThroughputFloor: 1,
			RetryThreshold:  3,
			MemoryRatio:     0.9,
			ExpiryMinutes:   60,
		},
	}
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("src-driver") {
		cfg.Source.Driver, _ = flags.GetString("src-driver")
	}
	if flags.Changed("src-dsn") {
		cfg.Source.DSN, _ = flags.GetString("src-dsn")
	}
	if flags.Changed("dst-driver") {
		cfg.Target.Driver, _ = flags.GetString("dst-driver")
	}
	if flags.Changed("dst-dsn") {
		cfg.Target.DSN, _ = flags.GetString("dst-dsn")
	}

	if flags.Changed("batch-mode") {
		cfg.Migration.BatchMode, _ = flags.GetString("batch-mode")
	}
	if flags.Changed("batch-size") {
		cfg.Migration.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("parallelism") {
		cfg.Migration.Parallelism, _ = flags.GetInt("parallelism")
	}
	if flags.Changed("checkpoint-interval") {
		cfg.Migration.CheckpointInterval, _ = flags.GetInt("checkpoint-interval")
	}
	if flags.Changed("retries") {
		cfg.Migration.BatchRetries, _ = flags.GetInt("retries")
	}
	if flags.Changed("retry-backoff-ms") {
		cfg.Migration.RetryBackoffMs, _ = flags.GetInt("retry-backoff-ms")
	}
	if flags.Changed("show-progress") {
		cfg.Migration.ShowProgress, _ = flags.GetBool("show-progress")
	}

	if flags.Changed("checkpoint") {
		cfg.Checkpoint.Path, _ = flags.GetString("checkpoint")
	}
	if flags.Changed("backup-dir") {
		cfg.Checkpoint.BackupDir, _ = flags.GetString("backup-dir")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}

	return nil
}

func (c *Config) validate() error {
	if c.Source.DSN == "" {
		return fmt.Errorf("source dsn is required")
	}
	if c.Target.DSN == "" {
		return fmt.Errorf("target dsn is required")
	}
	if err := validateDriver(c.Source.Driver); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if err := validateDriver(c.Target.Driver); err != nil {
		return fmt.Errorf("target: %w", err)
	}

	if err := c.Migration.Validate(); err != nil {
		return err
	}

	if c.Checkpoint.Path == "" {
		return fmt.Errorf("checkpoint path is required")
	}
	if c.Checkpoint.MaxPerSession < 0 || c.Checkpoint.MaxAgeHours < 0 {
		return fmt.Errorf("checkpoint retention values must not be negative")
	}
	if s3 := c.Checkpoint.S3; s3 != nil {
		if s3.Endpoint == "" || s3.Bucket == "" {
			return fmt.Errorf("s3 checkpoint backup requires endpoint and bucket")
		}
	}

	if c.Alerts.MemoryRatio < 0 || c.Alerts.MemoryRatio > 1 {
		return fmt.Errorf("alerts memory ratio must be between 0 and 1")
	}

	return nil
}

func validateDriver(driver string) error {
	switch driver {
	case "sqlite", "pgx", "mysql":
		return nil
	}
	return fmt.Errorf("unsupported driver %q", driver)
}

// Validate checks the execution configuration for consistency
func (m Migration) Validate() error {
	switch m.BatchMode {
	case BatchModeFixed, BatchModeAdaptive:
	default:
		return fmt.Errorf("batch mode must be %q or %q", BatchModeFixed, BatchModeAdaptive)
	}
	if m.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if m.BatchMode == BatchModeAdaptive {
		if m.MinBatchSize <= 0 || m.MaxBatchSize < m.MinBatchSize {
			return fmt.Errorf("adaptive batching needs 0 < min_batch_size <= max_batch_size")
		}
		if m.BatchSize < m.MinBatchSize || m.BatchSize > m.MaxBatchSize {
			return fmt.Errorf("batch size %d outside [%d, %d]", m.BatchSize, m.MinBatchSize, m.MaxBatchSize)
		}
		if m.TargetBatchMs <= 0 {
			return fmt.Errorf("adaptive batching needs a positive target_batch_ms")
		}
	}
	if m.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if m.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint interval must be positive")
	}
	if m.RecordRetries < 0 || m.BatchRetries < 0 {
		return fmt.Errorf("retry counts must not be negative")
	}
	if m.RetryBackoffMs < 0 || m.MaxBackoffMs < 0 || m.BatchTimeoutMs < 0 || m.MemoryCeilingMB < 0 {
		return fmt.Errorf("durations and limits must not be negative")
	}
	return nil
}

// RetryBackoff returns the base retry backoff
func (m Migration) RetryBackoff() time.Duration {
	return time.Duration(m.RetryBackoffMs) * time.Millisecond
}

// MaxBackoff returns the backoff cap; zero means uncapped
func (m Migration) MaxBackoff() time.Duration {
	return time.Duration(m.MaxBackoffMs) * time.Millisecond
}

// BatchTimeout returns the per-batch timeout; zero disables it
func (m Migration) BatchTimeout() time.Duration {
	return time.Duration(m.BatchTimeoutMs) * time.Millisecond
}

// TargetBatchLatency returns the adaptive sizing latency goal
func (m Migration) TargetBatchLatency() time.Duration {
	return time.Duration(m.TargetBatchMs) * time.Millisecond
}

// MemoryCeiling returns the memory ceiling in bytes; zero disables memory checks
func (m Migration) MemoryCeiling() uint64 {
	return uint64(m.MemoryCeilingMB) * 1024 * 1024
}

// AlertExpiry returns how long alerts stay active
func (a Alerts) AlertExpiry() time.Duration {
	return time.Duration(a.ExpiryMinutes) * time.Minute
}

// MaxAge returns the checkpoint retention age; zero keeps checkpoints forever
func (c Checkpoint) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeHours) * time.Hour
}
