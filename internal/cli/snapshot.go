package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jvs-project/trail/pkg/color"
	"github.com/jvs-project/trail/pkg/model"
	"github.com/jvs-project/trail/pkg/trail"
)

var (
	snapshotQuery  trail.ListQuery
	snapshotSource string
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect and pin snapshots",
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest revision first",
	Long: `List snapshots, newest revision first.

Examples:
  trail snapshot list --entity page-42
  trail snapshot list --workspace ws1 --pinned
  trail snapshot list --entity page-42 --source pre_ai`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := snapshotQuery
		q.Source = model.SnapshotSource(snapshotSource)

		ctx := cmd.Context()
		return withClient(ctx, func(c *trail.Client) error {
			snaps, err := c.ListSnapshots(ctx, q)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(snaps)
			}
			if len(snaps) == 0 {
				fmt.Println("No snapshots.")
				return nil
			}
			for _, s := range snaps {
				printSnapshotLine(s)
			}
			return nil
		})
	},
}

func printSnapshotLine(s *model.Snapshot) {
	expiry := "never expires"
	if s.ExpiresAt != nil {
		expiry = "expires " + s.ExpiresAt.Local().Format(time.DateOnly)
	}
	pin := ""
	if s.IsPinned {
		pin = color.Warning(" [pinned]")
	}
	label := s.Label
	if label == "" {
		label = string(s.Source)
	}
	fmt.Printf("%s  r%-4d %s  %-12s %s%s  %s\n",
		color.ID(s.ID.ShortID()),
		s.RevisionNumber,
		color.Dim(s.CreatedAt.Local().Format(time.DateTime)),
		label, s.EntityID, pin, color.Dim(expiry))
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show <snapshot-id>",
	Short: "Show snapshot metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withClient(ctx, func(c *trail.Client) error {
			s, err := c.GetSnapshot(ctx, model.SnapshotID(args[0]))
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(s)
			}
			fmt.Printf("%s %s\n", color.Header("Snapshot"), color.ID(s.ID.String()))
			fmt.Printf("  Entity:    %s (%s)\n", s.EntityID, s.Kind)
			fmt.Printf("  Workspace: %s\n", s.WorkspaceID)
			fmt.Printf("  Revision:  %d\n", s.RevisionNumber)
			fmt.Printf("  Source:    %s\n", s.Source)
			fmt.Printf("  Created:   %s by %s\n", s.CreatedAt.Local().Format(time.RFC3339), s.CreatedBy.Label())
			fmt.Printf("  Content:   %s (%s, %d bytes)\n", s.ContentRef.Short(), s.ContentFormat, s.ContentSize)
			fmt.Printf("  Pinned:    %v\n", s.IsPinned)
			if s.ExpiresAt != nil {
				fmt.Printf("  Expires:   %s\n", s.ExpiresAt.Local().Format(time.RFC3339))
			}
			if s.Label != "" {
				fmt.Printf("  Label:     %s\n", s.Label)
			}
			if s.Reason != "" {
				fmt.Printf("  Reason:    %s\n", s.Reason)
			}
			return nil
		})
	},
}

func pinCommand(use, short string, pin bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <snapshot-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withClient(ctx, func(c *trail.Client) error {
				id := model.SnapshotID(args[0])
				var s *model.Snapshot
				var err error
				if pin {
					s, err = c.Pin(ctx, id)
				} else {
					s, err = c.Unpin(ctx, id)
				}
				if err != nil {
					return err
				}
				if jsonOutput {
					return outputJSON(s)
				}
				printSnapshotLine(s)
				return nil
			})
		},
	}
}

var snapshotVerifyCmd = &cobra.Command{
	Use:   "verify <snapshot-id>",
	Short: "Re-hash a snapshot's content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		return withClient(ctx, func(c *trail.Client) error {
			id := model.SnapshotID(args[0])
			err := c.VerifySnapshot(ctx, id)
			if jsonOutput {
				res := map[string]any{"snapshot_id": id, "ok": err == nil}
				if err != nil {
					res["error"] = err.Error()
				}
				if jerr := outputJSON(res); jerr != nil {
					return jerr
				}
				if err != nil {
					return errUnhealthy
				}
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s\n", color.ID(id.ShortID()), color.Success("OK"))
			return nil
		})
	},
}

func init() {
	f := snapshotListCmd.Flags()
	f.StringVar(&snapshotQuery.EntityID, "entity", "", "filter by entity")
	f.StringVar(&snapshotQuery.WorkspaceID, "workspace", "", "filter by workspace")
	f.StringVar(&snapshotSource, "source", "", "filter by source (manual, auto, pre_ai, pre_restore, restore)")
	f.BoolVar(&snapshotQuery.PinnedOnly, "pinned", false, "only pinned snapshots")
	f.IntVar(&snapshotQuery.Limit, "limit", 50, "page size")
	f.IntVar(&snapshotQuery.Offset, "offset", 0, "page offset")

	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotShowCmd)
	snapshotCmd.AddCommand(pinCommand("pin", "Exempt a snapshot from retention", true))
	snapshotCmd.AddCommand(pinCommand("unpin", "Return a snapshot to normal retention", false))
	snapshotCmd.AddCommand(snapshotVerifyCmd)
	rootCmd.AddCommand(snapshotCmd)
}
