package cmd

import (
	"github.com/kebairia/borgmon/internal/config"
	"github.com/spf13/cobra"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Run borg prune and report the reclaimed space and exit status",
	Long: `Runs
  borg prune --verbose --stats --show-rc [--list --dry-run] <params> [--keep-*] <repo>
and sends the deleted original, compressed and deduplicated sizes along
with the exit status. A dry run only prints borg's output.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd, config.OperationPrune)
	},
}

func init() {
	f := pruneCmd.Flags()
	f.Bool("dry-run", false, "do not change the repository")
	f.Bool("strict-stats", false, "search every stderr line for the deleted data stats")
	f.String("keep-within", "", "keep all archives within this time interval")
	f.String("keep-secondly", "", "number of secondly archives to keep")
	f.String("keep-minutely", "", "number of minutely archives to keep")
	f.String("keep-hourly", "", "number of hourly archives to keep")
	f.String("keep-daily", "", "number of daily archives to keep")
	f.String("keep-weekly", "", "number of weekly archives to keep")
	f.String("keep-monthly", "", "number of monthly archives to keep")
	f.String("keep-yearly", "", "number of yearly archives to keep")
}
