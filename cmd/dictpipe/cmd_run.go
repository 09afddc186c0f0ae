package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/datadict/dictpipe/internal/checkpoint"
	"github.com/datadict/dictpipe/internal/common"
	"github.com/datadict/dictpipe/internal/dictionary"
	"github.com/datadict/dictpipe/internal/pipeline"
	"github.com/datadict/dictpipe/internal/remote"
	"github.com/datadict/dictpipe/internal/repository"
	"github.com/datadict/dictpipe/internal/retry"
	"github.com/datadict/dictpipe/internal/version"
)

var (
	runFile        string
	runJobID       string
	runAutoApprove bool
	runResume      bool
	runInMem       bool

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Process a data dictionary file (or resume an interrupted job)",
		RunE:  runPipeline,
	}
)

func init() {
	runCmd.Flags().StringVar(&runFile, "file", "", "data dictionary CSV to process (required unless resuming)")
	runCmd.Flags().StringVar(&runJobID, "job", "", "job id to resume (implies --resume)")
	runCmd.Flags().BoolVar(&runAutoApprove, "auto-approve", false, "mark the job Completed instead of Paused for review")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "resume from the latest checkpoint")
	runCmd.Flags().BoolVar(&runInMem, "inmem", false, "use an in-memory job ledger (testing/dry runs)")
	rootCmd.AddCommand(runCmd)
}

func runPipeline(cmd *cobra.Command, args []string) error {
	logger := slog.Default()
	ctx := cmd.Context()

	if runJobID != "" {
		runResume = true
	}
	if runFile == "" && !runResume {
		return fmt.Errorf("--file is required unless --resume is set")
	}

	var source, sourceFile string
	if runFile != "" {
		data, err := os.ReadFile(runFile)
		if err != nil {
			return fmt.Errorf("read dictionary file: %w", err)
		}
		source = string(data)
		sourceFile = filepath.Base(runFile)
	}

	cfg := common.LoadConfig()
	if runInMem {
		cfg.Database.DSN = "sqlite::memory:"
		cfg.Version.InMemory = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	db, err := repository.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer repository.Close(db, logger)
	if err := repository.HealthCheck(ctx, db, cfg.Database, logger); err != nil {
		return err
	}
	jobs := repository.NewJobRepository(db, logger)

	store, err := checkpoint.NewStore(cfg.Checkpoint.Dir, logger)
	if err != nil {
		return err
	}

	versions, err := version.Open(version.Config{Dir: cfg.Version.Dir, InMemory: cfg.Version.InMemory}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := versions.Close(); err != nil {
			logger.Warn("version ledger close failed", "error", err)
		}
	}()

	invoker := remote.NewHTTPClient(cfg.Model, nil, logger)
	governor := retry.NewGovernor(cfg.Retry, logger)

	controller := pipeline.NewController(
		jobs,
		store,
		versions,
		governor,
		dictionary.NewCSVIngestor(logger),
		dictionary.NewConventionAnalyzer(logger),
		dictionary.NewModelEnricher(invoker, logger),
		nil,
		cfg.Checkpoint.KeepLatest,
		logger,
	)

	jobID, err := controller.Run(ctx, source, sourceFile, pipeline.Options{
		JobID:       runJobID,
		AutoApprove: runAutoApprove,
		Resume:      runResume,
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), jobID)
	return nil
}
