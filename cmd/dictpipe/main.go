package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dictpipe",
	Short: "Resumable data-dictionary documentation pipeline",
	Long: `dictpipe runs a data dictionary through the ingest -> analyze ->
enrich -> finalize pipeline, checkpointing progress after every item so an
interrupted run can resume without redoing completed work.`,
	SilenceUsage: true,
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}
