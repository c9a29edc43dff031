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
	feedQuery trail.FeedQuery
	feedSince time.Duration
	feedOp    string
	feedType  string
)

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Show the activity feed",
	Long: `Show the activity feed, newest first.

Examples:
  trail feed --workspace ws1
  trail feed --entity page-42 --since 24h
  trail feed --workspace ws1 --ai-only --limit 20
  trail feed --operation rollback`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := feedQuery
		q.Operation = model.Operation(feedOp)
		q.ResourceType = model.ResourceType(feedType)
		if feedSince > 0 {
			q.Since = time.Now().Add(-feedSince)
		}

		ctx := cmd.Context()
		return withClient(ctx, func(c *trail.Client) error {
			entries, err := c.GetActivityFeed(ctx, q)
			if err != nil {
				return err
			}
			if jsonOutput {
				return outputJSON(entries)
			}
			if len(entries) == 0 {
				fmt.Println("No activity.")
				return nil
			}
			for _, e := range entries {
				printEntry(e)
			}
			return nil
		})
	},
}

func printEntry(e *model.LedgerEntry) {
	actor := e.Actor.Label()
	if e.IsAIGenerated {
		actor += color.Info(" (AI " + e.AIModel + ")")
	}
	title := e.ResourceTitle
	if title == "" {
		title = e.ResourceID
	}
	line := fmt.Sprintf("%s  %-10s %s %s  %s",
		color.Dim(e.Timestamp.Local().Format(time.DateTime)),
		e.Operation, e.ResourceType, title, actor)
	if e.Outcome == model.OutcomeFailed {
		line += "  " + color.Error("failed: "+e.FailureReason)
	}
	if e.IsArchived {
		line += "  " + color.Dim("[archived]")
	}
	fmt.Println(line)
	if len(e.UpdatedFields) > 0 {
		fmt.Printf("    fields: %v\n", e.UpdatedFields)
	}
}

func init() {
	f := feedCmd.Flags()
	f.StringVar(&feedQuery.WorkspaceID, "workspace", "", "filter by workspace")
	f.StringVar(&feedQuery.ActorID, "actor", "", "filter by actor id")
	f.StringVar(&feedQuery.EntityID, "entity", "", "filter by entity")
	f.StringVar(&feedQuery.ResourceID, "resource", "", "filter by resource id")
	f.StringVar(&feedQuery.ChangeGroupID, "change-group", "", "filter by change group")
	f.StringVar(&feedOp, "operation", "", "filter by operation")
	f.StringVar(&feedType, "resource-type", "", "filter by resource type")
	f.DurationVar(&feedSince, "since", 0, "only entries newer than this")
	f.BoolVar(&feedQuery.AIOnly, "ai-only", false, "only AI-generated entries")
	f.BoolVar(&feedQuery.HumanOnly, "human-only", false, "only human entries")
	f.BoolVar(&feedQuery.IncludeArchived, "archived", false, "include archived entries")
	f.IntVar(&feedQuery.Limit, "limit", 50, "page size")
	f.IntVar(&feedQuery.Offset, "offset", 0, "page offset")
	rootCmd.AddCommand(feedCmd)
}
