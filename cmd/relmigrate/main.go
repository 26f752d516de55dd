package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"relmigrate/internal/app"
	"relmigrate/internal/config"
	"relmigrate/internal/executor"
	"relmigrate/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "relmigrate",
	Short: "Resumable, dependency-ordered batch migration between relational databases",
	Long:  `Migrates legacy records into a new schema in dependency order, in atomic batches, with checkpointing, retry, pause/resume and progress reporting.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a task plan",
	RunE:  runMigration,
}

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and maintain checkpoints",
}

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Show resumable checkpoints of a session",
	RunE:  showRecovery,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired checkpoints",
	RunE:  cleanupCheckpoints,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")

	// Connection flags
	rootCmd.PersistentFlags().String("src-driver", "sqlite", "Source driver (sqlite/pgx/mysql)")
	rootCmd.PersistentFlags().String("src-dsn", "", "Source data source name")
	rootCmd.PersistentFlags().String("dst-driver", "sqlite", "Destination driver (sqlite/pgx/mysql)")
	rootCmd.PersistentFlags().String("dst-dsn", "", "Destination data source name")
	rootCmd.PersistentFlags().String("checkpoint", "./checkpoint.db", "Checkpoint database file")
	rootCmd.PersistentFlags().String("backup-dir", "./checkpoints", "Checkpoint backup directory")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug/info/warn/error)")

	// Migration flags
	runCmd.Flags().String("tasks", "", "Task plan file (required)")
	runCmd.Flags().String("session", "", "Continue an interrupted session from its checkpoints")
	runCmd.Flags().String("batch-mode", "fixed", "Batch sizing (fixed/adaptive)")
	runCmd.Flags().Int("batch-size", 500, "Records per batch")
	runCmd.Flags().Int("parallelism", 4, "Maximum concurrently running tasks")
	runCmd.Flags().Int("checkpoint-interval", 1, "Checkpoint every N batches")
	runCmd.Flags().Int("retries", 5, "Maximum batch retry attempts")
	runCmd.Flags().Int("retry-backoff-ms", 500, "Initial retry backoff in milliseconds")
	runCmd.Flags().Bool("show-progress", true, "Show progress display")
	runCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	_ = runCmd.MarkFlagRequired("tasks")

	recoveryCmd.Flags().String("session", "", "Session id (required)")
	recoveryCmd.Flags().String("entity", "", "Restrict to one entity type")
	_ = recoveryCmd.MarkFlagRequired("session")

	cleanupCmd.Flags().String("session", "", "Also trim this session to the configured checkpoint limit")

	checkpointsCmd.AddCommand(recoveryCmd, cleanupCmd)
	rootCmd.AddCommand(runCmd, checkpointsCmd)
}

// setup loads configuration and builds the migrator.
func setup(cmd *cobra.Command) (*app.Migrator, *zap.Logger, error) {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	migrator, err := app.New(cfg, log)
	if err != nil {
		log.Sync()
		return nil, nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return migrator, log, nil
}

func runMigration(cmd *cobra.Command, args []string) error {
	migrator, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	planPath, _ := cmd.Flags().GetString("tasks")
	sessionID, _ := cmd.Flags().GetString("session")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First signal pauses at the next batch boundary, second cancels.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
		case <-ctx.Done():
			return
		}
		log.Info("Received shutdown signal, pausing at the next batch boundary...")
		go func() {
			if res, err := migrator.Pause(ctx); err == nil && res.Success {
				log.Info("Migration paused",
					zap.String("session_id", res.SessionID),
					zap.String("checkpoint_id", res.CheckpointID))
			}
		}()

		select {
		case <-sigChan:
		case <-ctx.Done():
			return
		}
		log.Info("Received second signal, cancelling...")
		if _, err := migrator.Cancel(ctx); err != nil {
			log.Warn("Cancel failed", zap.Error(err))
		}
	}()

	result, err := migrator.Run(ctx, planPath, sessionID)

	// Close migrator resources after migration completes or is cancelled
	if closeErr := migrator.Close(); closeErr != nil {
		log.Error("Error closing migrator", zap.Error(closeErr))
	}

	if result != nil {
		if printErr := printJSON(result); printErr != nil {
			return printErr
		}
		if result.Status == executor.ResultPaused {
			fmt.Fprintf(os.Stderr, "Resume with: relmigrate run --tasks %s --session %s\n", planPath, result.SessionID)
		}
	}
	return err
}

func showRecovery(cmd *cobra.Command, args []string) error {
	migrator, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer migrator.Close()

	sessionID, _ := cmd.Flags().GetString("session")
	entity, _ := cmd.Flags().GetString("entity")

	info, err := migrator.Recovery(cmd.Context(), sessionID, entity)
	if err != nil {
		return fmt.Errorf("failed to read recovery info: %w", err)
	}
	return printJSON(info)
}

func cleanupCheckpoints(cmd *cobra.Command, args []string) error {
	migrator, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	defer migrator.Close()

	sessionID, _ := cmd.Flags().GetString("session")
	removed, err := migrator.Cleanup(cmd.Context(), sessionID)
	log.Info("Checkpoint cleanup finished", zap.Int("removed", removed))
	return err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
