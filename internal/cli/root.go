package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jvs-project/trail/pkg/color"
	"github.com/jvs-project/trail/pkg/config"
	"github.com/jvs-project/trail/pkg/errclass"
)

var (
	jsonOutput bool
	noColor    bool
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "trail",
		Short: "trail - audit ledger, snapshots and retention",
		Long: `trail keeps a tamper-evident audit ledger of workspace edits, captures
content-addressed snapshots of pages and workspaces, rolls entities back to
earlier snapshots and expires history according to per-tier retention.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			color.Init(noColor)
		},
	}
)

// errUnhealthy ends a command with exit status 1 after its report was
// already printed.
var errUnhealthy = errors.New("unhealthy")

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default "+config.DefaultPath+")")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errUnhealthy) {
			fmtErr("%v", err)
			if code := errclass.Code(err); code != "" {
				fmt.Fprintln(os.Stderr, color.Dim("code: "+code))
			}
		}
		os.Exit(1)
	}
}

// outputJSON prints v as indented JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fmtErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, color.Error("trail:")+" "+format+"\n", args...)
}
