package cli

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jvs-project/trail/pkg/color"
	"github.com/jvs-project/trail/pkg/model"
	"github.com/jvs-project/trail/pkg/trail"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage retention policies",
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List retention tiers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withClient(ctx, func(c *trail.Client) error {
			policies, err := c.ListPolicies(ctx)
			if err != nil {
				return err
			}
			sort.Slice(policies, func(i, j int) bool { return policies[i].Tier < policies[j].Tier })
			if jsonOutput {
				return outputJSON(policies)
			}
			for _, p := range policies {
				days := fmt.Sprintf("%d days", p.RetentionDays)
				if p.Forever() {
					days = "forever"
				}
				fmt.Printf("%-16s %s\n", p.Tier, days)
			}
			return nil
		})
	},
}

var policySetCmd = &cobra.Command{
	Use:   "set <tier> <days>",
	Short: "Create or change a retention tier",
	Long: `Create or change a retention tier. Use -1 days to retain forever.

Existing snapshots keep the expiry stamped when they were captured; only new
captures use the changed policy. With retention.policy_source "config" the
change lasts for this process only.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("days: %w", err)
		}
		p := model.RetentionPolicy{Tier: args[0], RetentionDays: days}
		if err := p.Validate(); err != nil {
			return err
		}

		ctx := cmd.Context()
		return withClient(ctx, func(c *trail.Client) error {
			if err := c.SetPolicy(ctx, p); err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(p)
			}
			fmt.Println(color.Successf("Tier %s set to %d days", p.Tier, p.RetentionDays))
			return nil
		})
	},
}

func init() {
	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policySetCmd)
	rootCmd.AddCommand(policyCmd)
}
