package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jvs-project/trail/pkg/color"
	"github.com/jvs-project/trail/pkg/progress"
	"github.com/jvs-project/trail/pkg/trail"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retention sweep",
	Long: `Run one retention sweep.

Deletes expired unpinned snapshots, reclaims content no snapshot or ledger
entry references, and archives aged ledger entries. An interrupted sweep
resumes from its checkpoint. The sweep takes the configured lease, so it is
skipped when another instance is already sweeping.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		term := progress.NewTerminal("sweep", !jsonOutput)
		c, _, err := openClient(ctx, trail.Collaborators{Progress: term.Callback()})
		if err != nil {
			return err
		}
		defer c.Close(ctx)

		report, err := c.Sweep(ctx)
		term.Done()
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		if jsonOutput {
			return outputJSON(report)
		}
		if report == nil {
			fmt.Println(color.Warning("Another instance holds the sweep lease; skipped."))
			return nil
		}
		fmt.Println(color.Successf("Sweep %s complete in %s", report.SweepID, report.Duration))
		if report.Resumed {
			fmt.Println(color.Dim("  resumed from checkpoint"))
		}
		fmt.Printf("  snapshots deleted: %d\n", report.SnapshotsDeleted)
		fmt.Printf("  blobs reclaimed:   %d (%d bytes)\n", report.BlobsReclaimed, report.BytesReclaimed)
		fmt.Printf("  ledger archived:   %d\n", report.LedgerArchived)
		if report.ColdExported > 0 {
			fmt.Printf("  cold exported:     %d\n", report.ColdExported)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
