package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jvs-project/trail/pkg/color"
	"github.com/jvs-project/trail/pkg/trail"
)

var doctorStrict bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check store health",
	Long: `Check store health.

Verifies every ledger chain, checks that each snapshot's content exists and
that reference counts cover every snapshot, and reports interrupted sweeps.
Use --strict to also re-hash every snapshot's content.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withClient(ctx, func(c *trail.Client) error {
			result, err := c.Doctor(ctx, doctorStrict)
			if err != nil {
				return fmt.Errorf("doctor: %w", err)
			}

			if jsonOutput {
				if err := outputJSON(result); err != nil {
					return err
				}
			} else if len(result.Findings) == 0 {
				fmt.Println(color.Success("Store is healthy."))
			} else {
				fmt.Printf("Findings (%d):\n", len(result.Findings))
				for _, f := range result.Findings {
					fmt.Printf("  [%s] %s: %s\n", color.Severity(f.Severity), f.Category, f.Description)
				}
			}

			if !result.Healthy {
				return errUnhealthy
			}
			return nil
		})
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorStrict, "strict", false, "re-hash all snapshot content")
	rootCmd.AddCommand(doctorCmd)
}
