package main

import (
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/datadict/dictpipe/internal/common"
	"github.com/datadict/dictpipe/internal/version"
)

var (
	verElement string
	verTarget  string
	verA       string
	verB       string

	versionsCmd = &cobra.Command{
		Use:   "versions",
		Short: "Inspect and manage documented element versions",
	}

	versionsHistoryCmd = &cobra.Command{
		Use:   "history",
		Short: "Show the version history of an element",
		RunE:  showHistory,
	}

	versionsShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the stored content of one version",
		RunE:  showContent,
	}

	versionsRollbackCmd = &cobra.Command{
		Use:   "rollback",
		Short: "Restore an element to an earlier version (as a new version)",
		RunE:  rollbackVersion,
	}

	versionsCompareCmd = &cobra.Command{
		Use:   "compare",
		Short: "Compare two stored versions of an element line by line",
		RunE:  compareVersions,
	}
)

func init() {
	for _, c := range []*cobra.Command{versionsHistoryCmd, versionsShowCmd, versionsRollbackCmd, versionsCompareCmd} {
		c.Flags().StringVar(&verElement, "element", "", "element id, e.g. <job-id>/<variable> (required)")
	}
	versionsShowCmd.Flags().StringVar(&verTarget, "version", "", "version to print (required)")
	versionsRollbackCmd.Flags().StringVar(&verTarget, "to", "", "version to restore (required)")
	versionsCompareCmd.Flags().StringVar(&verA, "a", "", "first version (required)")
	versionsCompareCmd.Flags().StringVar(&verB, "b", "", "second version (required)")
	versionsCmd.AddCommand(versionsHistoryCmd, versionsShowCmd, versionsRollbackCmd, versionsCompareCmd)
	rootCmd.AddCommand(versionsCmd)
}

func openLedger() (*version.Ledger, error) {
	cfg := common.LoadConfig()
	return version.Open(version.Config{Dir: cfg.Version.Dir, InMemory: cfg.Version.InMemory}, slog.Default())
}

func requireElement() error {
	if verElement == "" {
		return fmt.Errorf("--element is required")
	}
	return nil
}

func showHistory(cmd *cobra.Command, args []string) error {
	if err := requireElement(); err != nil {
		return err
	}
	ledger, err := openLedger()
	if err != nil {
		return err
	}
	defer closeLedger(ledger)

	history, err := ledger.History(cmd.Context(), verElement)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no versions for %s\n", verElement)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tTIME\tHASH")
	for _, entry := range history {
		fmt.Fprintf(w, "%s\t%s\t%s\n", entry.Version, entry.Timestamp.Format("2006-01-02 15:04:05"), entry.Hash)
	}
	return w.Flush()
}

func showContent(cmd *cobra.Command, args []string) error {
	if err := requireElement(); err != nil {
		return err
	}
	if verTarget == "" {
		return fmt.Errorf("--version is required")
	}
	ledger, err := openLedger()
	if err != nil {
		return err
	}
	defer closeLedger(ledger)

	content, err := ledger.Content(cmd.Context(), verElement, verTarget)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), content)
	return nil
}

func rollbackVersion(cmd *cobra.Command, args []string) error {
	if err := requireElement(); err != nil {
		return err
	}
	if verTarget == "" {
		return fmt.Errorf("--to is required")
	}
	ledger, err := openLedger()
	if err != nil {
		return err
	}
	defer closeLedger(ledger)

	res, err := ledger.Rollback(cmd.Context(), verElement, verTarget)
	if err != nil {
		return err
	}
	if !res.Changed {
		fmt.Fprintf(cmd.OutOrStdout(), "%s already at content of %s (version %s)\n", verElement, verTarget, res.Version)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s rolled back to %s as version %s\n", verElement, verTarget, res.Version)
	return nil
}

func compareVersions(cmd *cobra.Command, args []string) error {
	if err := requireElement(); err != nil {
		return err
	}
	if verA == "" || verB == "" {
		return fmt.Errorf("--a and --b are required")
	}
	ledger, err := openLedger()
	if err != nil {
		return err
	}
	defer closeLedger(ledger)

	cmp, err := ledger.Compare(cmd.Context(), verElement, verA, verB)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s: +%d -%d =%d\n", verElement, verA, verB, cmp.Added, cmp.Removed, cmp.Unchanged)
	return nil
}

func closeLedger(ledger *version.Ledger) {
	if err := ledger.Close(); err != nil {
		slog.Default().Warn("version ledger close failed", "error", err)
	}
}
