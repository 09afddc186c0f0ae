package main

import (
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/datadict/dictpipe/internal/checkpoint"
	"github.com/datadict/dictpipe/internal/common"
)

var (
	cpJobID string
	cpKeep  int

	checkpointsCmd = &cobra.Command{
		Use:   "checkpoints",
		Short: "Inspect and manage stored checkpoints",
	}

	checkpointsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, newest first",
		RunE:  listCheckpoints,
	}

	checkpointsPruneCmd = &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the most recent checkpoints for a job",
		RunE:  pruneCheckpoints,
	}
)

func init() {
	checkpointsListCmd.Flags().StringVar(&cpJobID, "job", "", "filter by job id")
	checkpointsPruneCmd.Flags().StringVar(&cpJobID, "job", "", "job id to prune (required)")
	checkpointsPruneCmd.Flags().IntVar(&cpKeep, "keep", 3, "number of latest checkpoints to keep")
	checkpointsCmd.AddCommand(checkpointsListCmd, checkpointsPruneCmd)
	rootCmd.AddCommand(checkpointsCmd)
}

func openStore() (*checkpoint.Store, error) {
	cfg := common.LoadConfig()
	return checkpoint.NewStore(cfg.Checkpoint.Dir, slog.Default())
}

func listCheckpoints(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	summaries, err := store.List(cpJobID)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no checkpoints found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tSTAGE\tPROGRESS\tTIME\tSIZE")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1fKB\n",
			s.JobID, s.Stage, s.Progress, s.CheckpointTime.Format("2006-01-02 15:04:05"), s.SizeKB)
	}
	return w.Flush()
}

func pruneCheckpoints(cmd *cobra.Command, args []string) error {
	if cpJobID == "" {
		return fmt.Errorf("--job is required")
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	if err := store.Prune(cpJobID, cpKeep); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pruned job %s to %d checkpoint(s)\n", cpJobID, cpKeep)
	return nil
}
