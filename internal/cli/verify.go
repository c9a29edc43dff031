package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jvs-project/trail/internal/ledger"
	"github.com/jvs-project/trail/pkg/color"
	"github.com/jvs-project/trail/pkg/trail"
)

var (
	verifyScope  string
	verifyResume bool
	verifyFile   string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify ledger hash chains",
	Long: `Verify ledger hash chains.

Re-walks every chain scope (or one with --scope), recomputing each event hash
and checking every link. --resume starts from the last verified checkpoint.
--file verifies an exported cold archive instead of the live ledger.

Examples:
  trail verify                         # Verify all scopes from genesis
  trail verify --scope stream:imports  # Verify one stream chain
  trail verify --resume                # Incremental verification
  trail verify --file archive/global.jsonl`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if verifyFile != "" {
			res, err := ledger.VerifyFile(verifyFile)
			if err != nil {
				return err
			}
			return reportChains([]*ledger.VerifyResult{res})
		}

		ctx := cmd.Context()
		return withClient(ctx, func(c *trail.Client) error {
			scopes := []string{verifyScope}
			if verifyScope == "" {
				var err error
				if scopes, err = c.Scopes(ctx); err != nil {
					return err
				}
			}
			results := make([]*ledger.VerifyResult, 0, len(scopes))
			for _, scope := range scopes {
				res, err := c.VerifyChain(ctx, scope, verifyResume)
				if err != nil {
					return fmt.Errorf("verify %s: %w", scope, err)
				}
				results = append(results, res)
			}
			return reportChains(results)
		})
	},
}

func reportChains(results []*ledger.VerifyResult) error {
	broken := false
	for _, res := range results {
		broken = broken || !res.OK
	}
	if jsonOutput {
		if err := outputJSON(results); err != nil {
			return err
		}
	} else {
		if len(results) == 0 {
			fmt.Println("Ledger is empty.")
		}
		for _, res := range results {
			status := color.Success("OK")
			if !res.OK {
				status = color.Error("BROKEN")
			}
			fmt.Printf("%-32s %s  %d entries\n", res.Scope, status, res.EntriesChecked)
			if d := res.BrokenAt; d != nil {
				fmt.Printf("  position %d (%s): %s\n", d.Position, d.EntryID, d.Reason)
			}
		}
	}
	if broken {
		return errUnhealthy
	}
	return nil
}

func init() {
	verifyCmd.Flags().StringVar(&verifyScope, "scope", "", "verify a single chain scope")
	verifyCmd.Flags().BoolVar(&verifyResume, "resume", false, "resume from the last checkpoint")
	verifyCmd.Flags().StringVar(&verifyFile, "file", "", "verify a cold archive file")
	rootCmd.AddCommand(verifyCmd)
}
