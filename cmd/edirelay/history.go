package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BadgerOps/edirelay/internal/store"
	"github.com/spf13/cobra"
)

var (
	historyDirection string
	historyLimit     int
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent transfer runs",
		Long: `Show recent inbound and outbound runs recorded in the run-history
database (store.db_path or --db). Use "history show RUN_ID" to list the
files of one run and "history unarchived" to list outbound files that were
delivered but are still waiting in the pick-up folder.`,
		Example: `  edirelay history
  edirelay history --direction outbound --limit 5
  edirelay history show 3f0c9a7e-6d4b-4e0e-9b7a-2a1c5d8e9f10
  edirelay history unarchived`,
		Args: cobra.NoArgs,
		RunE: historyRun,
	}

	cmd.Flags().StringVar(&historyDirection, "direction", "", "only show runs of this direction (inbound or outbound)")
	cmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of runs to show")

	cmd.AddCommand(
		newHistoryShowCmd(),
		newHistoryUnarchivedCmd(),
	)
	return cmd
}

func newHistoryShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show the files of one run",
		Args:  cobra.ExactArgs(1),
		RunE:  historyShowRun,
	}
}

func newHistoryUnarchivedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unarchived",
		Short: "List delivered files that were never archived",
		Long: `List outbound deliveries recorded in the ledger whose archive step has
not completed. The next outbound run archives these without uploading
them again, as long as the file content is unchanged.`,
		Args: cobra.NoArgs,
		RunE: historyUnarchivedRun,
	}
}

func historyRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("run history is disabled (set store.db_path or --db)")
	}

	switch historyDirection {
	case "", store.DirectionInbound, store.DirectionOutbound:
	default:
		return fmt.Errorf("invalid direction %q (want inbound or outbound)", historyDirection)
	}

	runs, err := globalStore.ListRuns(historyDirection, historyLimit)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	fmt.Printf("%-36s %-9s %-20s %-10s %-8s %-8s %-8s\n", "Run ID", "Direction", "Started", "Duration", "OK", "Failed", "Status")
	fmt.Println(strings.Repeat("-", 106))
	for _, r := range runs {
		fmt.Printf("%-36s %-9s %-20s %-10s %-8d %-8d %-8s\n",
			r.RunID, r.Direction, r.StartTime.Local().Format("2006-01-02 15:04:05"),
			formatDuration(r), r.FilesOK, r.FilesFailed, r.Status)
	}

	return nil
}

func historyShowRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("run history is disabled (set store.db_path or --db)")
	}

	run, err := globalStore.GetRun(args[0])
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}

	files, err := globalStore.ListFiles(run.ID)
	if err != nil {
		return fmt.Errorf("listing files: %w", err)
	}

	fmt.Printf("Run %s (%s) %s\n", run.RunID, run.Direction, run.Status)
	fmt.Printf("Started:  %s\n", run.StartTime.Local().Format(time.RFC3339))
	fmt.Printf("Duration: %s\n", formatDuration(*run))
	if run.ErrorMessage != "" {
		fmt.Printf("Error:    %s\n", run.ErrorMessage)
	}
	fmt.Println("")

	if len(files) == 0 {
		fmt.Println("No files processed.")
		return nil
	}

	fmt.Printf("%-16s %-32s %-12s %-6s %s\n", "Partner", "File", "State", "OK", "Error")
	fmt.Println(strings.Repeat("-", 90))
	for _, f := range files {
		ok := "no"
		if f.Success {
			ok = "yes"
		}
		fmt.Printf("%-16s %-32s %-12s %-6s %s\n", orDash(f.PartnerID), f.FileName, f.State, ok, f.Error)
	}

	return nil
}

func historyUnarchivedRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("run history is disabled (set store.db_path or --db)")
	}

	deliveries, err := globalStore.ListUnarchived()
	if err != nil {
		return fmt.Errorf("listing deliveries: %w", err)
	}

	if len(deliveries) == 0 {
		fmt.Println("No unarchived deliveries.")
		return nil
	}

	fmt.Printf("%-16s %-32s %-20s %s\n", "Partner", "File", "Delivered", "SHA256")
	fmt.Println(strings.Repeat("-", 134))
	for _, d := range deliveries {
		fmt.Printf("%-16s %-32s %-20s %s\n",
			d.PartnerID, d.FileName, d.DeliveredAt.Local().Format("2006-01-02 15:04:05"), d.SHA256)
	}

	return nil
}

func formatDuration(r store.TransferRun) string {
	if r.EndTime.IsZero() {
		return "-"
	}
	return r.EndTime.Sub(r.StartTime).Round(time.Millisecond).String()
}
